package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceRoundTrip(t *testing.T) {
	cases := []struct{ epoch, index uint32 }{
		{0, 0}, {1, 0}, {0, 1}, {7, 42}, {1<<32 - 1, 1<<32 - 1},
	}
	for _, c := range cases {
		s := NewSequence(c.epoch, c.index)
		assert.Equal(t, c.epoch, s.Epoch())
		assert.Equal(t, c.index, s.Index())
	}
}

func TestSequenceLess(t *testing.T) {
	assert.True(t, NewSequence(1, 0).Less(NewSequence(1, 1)))
	assert.True(t, NewSequence(1, 5).Less(NewSequence(2, 0)))
	assert.False(t, NewSequence(2, 0).Less(NewSequence(1, 5)))
}

func TestEntryRoundTrip(t *testing.T) {
	entries := []Entry{
		Hole(3),
		Bridge(7),
		Event(1, nil),
		Event(2, []byte("payload")),
	}
	for _, e := range entries {
		buf := e.Encode(nil)
		assert.Equal(t, len(buf), e.EncodedLen())
		decoded, n, err := DecodeEntry(buf)
		require.NoError(t, err)
		assert.Equal(t, len(buf), n)
		assert.True(t, e.Equal(decoded), "expected %+v, got %+v", e, decoded)
	}
}

func TestEntriesRoundTrip(t *testing.T) {
	entries := []Entry{
		Event(1, []byte("a")),
		Hole(1),
		Event(1, []byte("bb")),
		Bridge(2),
	}
	buf := EncodeEntries(entries)
	decoded, n, err := DecodeEntries(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	require.Len(t, decoded, len(entries))
	for i := range entries {
		assert.True(t, entries[i].Equal(decoded[i]))
	}
}

func TestEntriesRoundTripEmpty(t *testing.T) {
	buf := EncodeEntries(nil)
	decoded, n, err := DecodeEntries(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Empty(t, decoded)
}

func TestWriteRequestRoundTrip(t *testing.T) {
	req := &WriteRequest{
		SegmentEpoch: 4,
		AckedSeq:     NewSequence(2, 9),
		FirstIndex:   10,
		Entries:      []Entry{Event(2, []byte("x")), Hole(2)},
	}
	buf := EncodeWriteRequest(req)
	decoded, err := DecodeWriteRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req.SegmentEpoch, decoded.SegmentEpoch)
	assert.Equal(t, req.AckedSeq, decoded.AckedSeq)
	assert.Equal(t, req.FirstIndex, decoded.FirstIndex)
	require.Len(t, decoded.Entries, len(req.Entries))
	for i := range req.Entries {
		assert.True(t, req.Entries[i].Equal(decoded.Entries[i]))
	}
}

func TestSealRequestRoundTrip(t *testing.T) {
	req := &SealRequest{SegmentEpoch: 11}
	decoded, err := DecodeSealRequest(EncodeSealRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestTruncateRequestRoundTrip(t *testing.T) {
	req := &TruncateRequest{KeepSeq: NewSequence(3, 6)}
	decoded, err := DecodeTruncateRequest(EncodeTruncateRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestMutateRequestRoundTrip(t *testing.T) {
	cases := []*MutateRequest{
		{
			StreamID: 1, WriterEpoch: 2, Kind: MutateWrite,
			Write: &WriteRequest{SegmentEpoch: 1, AckedSeq: NewSequence(1, 1), FirstIndex: 1, Entries: []Entry{Event(1, []byte("a"))}},
		},
		{StreamID: 5, WriterEpoch: 3, Kind: MutateSeal, Seal: &SealRequest{SegmentEpoch: 2}},
		{StreamID: 9, WriterEpoch: 1, Kind: MutateTruncate, Truncate: &TruncateRequest{KeepSeq: NewSequence(1, 4)}},
	}
	for _, req := range cases {
		buf, err := EncodeMutateRequest(req)
		require.NoError(t, err)
		decoded, err := DecodeMutateRequest(buf)
		require.NoError(t, err)
		assert.Equal(t, req.StreamID, decoded.StreamID)
		assert.Equal(t, req.WriterEpoch, decoded.WriterEpoch)
		assert.Equal(t, req.Kind, decoded.Kind)
		switch req.Kind {
		case MutateWrite:
			require.NotNil(t, decoded.Write)
			assert.Equal(t, req.Write.SegmentEpoch, decoded.Write.SegmentEpoch)
			assert.Equal(t, req.Write.AckedSeq, decoded.Write.AckedSeq)
			assert.Equal(t, req.Write.FirstIndex, decoded.Write.FirstIndex)
		case MutateSeal:
			require.NotNil(t, decoded.Seal)
			assert.Equal(t, req.Seal, decoded.Seal)
		case MutateTruncate:
			require.NotNil(t, decoded.Truncate)
			assert.Equal(t, req.Truncate, decoded.Truncate)
		}
	}
}

func TestDecodeEntryRejectsShortBuffer(t *testing.T) {
	_, _, err := DecodeEntry([]byte{0, 1})
	assert.Error(t, err)
}

func TestDecodeEntryRejectsInvalidKind(t *testing.T) {
	buf := []byte{99, 0, 0, 0, 0}
	_, _, err := DecodeEntry(buf)
	assert.Error(t, err)
}

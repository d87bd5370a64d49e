package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEditRoundTrip(t *testing.T) {
	minLog := uint64(7)
	ve := VersionEdit{
		Segments: []SegmentMeta{
			{StreamID: 1, SegmentID: 2, Epoch: 3, BaseIndex: 0, LastIndex: 10, LogNumber: 4, Sealed: false},
			{StreamID: 5, SegmentID: 6, Epoch: 7, BaseIndex: 1, LastIndex: 99, LogNumber: 8, Sealed: true},
		},
		MinLogNumber: &minLog,
		RecycledLogs: []uint64{1, 2, 3},
	}

	buf := encodeEdit(ve)
	decoded, err := decodeEdit(buf)
	require.NoError(t, err)

	require.Len(t, decoded.Segments, len(ve.Segments))
	for i := range ve.Segments {
		assert.Equal(t, ve.Segments[i], decoded.Segments[i])
	}
	require.NotNil(t, decoded.MinLogNumber)
	assert.Equal(t, *ve.MinLogNumber, *decoded.MinLogNumber)
	assert.Equal(t, ve.RecycledLogs, decoded.RecycledLogs)
}

func TestEncodeDecodeEditRoundTripEmpty(t *testing.T) {
	ve := VersionEdit{}
	decoded, err := decodeEdit(encodeEdit(ve))
	require.NoError(t, err)
	assert.Empty(t, decoded.Segments)
	assert.Nil(t, decoded.MinLogNumber)
	assert.Empty(t, decoded.RecycledLogs)
}

func TestDecodeEditRejectsShortBuffer(t *testing.T) {
	_, err := decodeEdit([]byte{1, 0, 0})
	assert.Error(t, err)
}

func TestCreateAndRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir))

	vs, err := Recover(dir)
	require.NoError(t, err)
	defer vs.Close()

	minLog := uint64(3)
	require.NoError(t, vs.LogAndApply(VersionEdit{
		Segments: []SegmentMeta{
			{StreamID: 1, SegmentID: 1, Epoch: 1, LastIndex: 5, LogNumber: 1, Sealed: false},
		},
		MinLogNumber: &minLog,
	}))
	require.NoError(t, vs.LogAndApply(VersionEdit{
		Segments: []SegmentMeta{
			{StreamID: 1, SegmentID: 1, Epoch: 1, LastIndex: 9, LogNumber: 1, Sealed: true},
		},
	}))

	v := vs.Current()
	meta, ok := v.Segment(1, 1)
	require.True(t, ok)
	assert.Equal(t, uint32(9), meta.LastIndex)
	assert.True(t, meta.Sealed)
	assert.Equal(t, uint64(3), v.MinLogNumber())

	require.NoError(t, vs.Close())

	vs2, err := Recover(dir)
	require.NoError(t, err)
	defer vs2.Close()

	v2 := vs2.Current()
	meta2, ok := v2.Segment(1, 1)
	require.True(t, ok)
	assert.Equal(t, uint32(9), meta2.LastIndex)
	assert.True(t, meta2.Sealed)
	assert.Equal(t, uint64(3), v2.MinLogNumber())
}

func TestLogAndApplyRecycledLogsTracked(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir))
	vs, err := Recover(dir)
	require.NoError(t, err)
	defer vs.Close()

	require.NoError(t, vs.LogAndApply(VersionEdit{RecycledLogs: []uint64{1, 2}}))
	v := vs.Current()
	assert.True(t, v.IsLogRecycled(1))
	assert.True(t, v.IsLogRecycled(2))
	assert.False(t, v.IsLogRecycled(3))
}

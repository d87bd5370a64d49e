package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse-io/streamhouse/internal/config"
	"github.com/streamhouse-io/streamhouse/internal/logger"
	"github.com/streamhouse-io/streamhouse/internal/storeerr"
	"github.com/streamhouse-io/streamhouse/internal/wire"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.StoreConfig{
		LogFileSize:      1 << 20,
		SyncOnWrite:      false,
		ParanoidChecks:   true,
		WALQueueDepth:    16,
		WALBatchBytes:    64 << 10,
		RecyclerInterval: time.Hour,
	}
	s, err := Open(t.TempDir(), cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeReq(segEpoch uint32, acked wire.Sequence, firstIndex uint32, entries ...wire.Entry) *wire.MutateRequest {
	return &wire.MutateRequest{
		Kind: wire.MutateWrite,
		Write: &wire.WriteRequest{
			SegmentEpoch: segEpoch,
			AckedSeq:     acked,
			FirstIndex:   firstIndex,
			Entries:      entries,
		},
	}
}

// Scenario 1: "Basic write + read acked" (spec.md §8).
func TestStoreBasicWriteReadAcked(t *testing.T) {
	s := testStore(t)
	const stream = uint64(1)

	req := writeReq(1, wire.NewSequence(0, 0), 1, ev(0), ev(0), ev(0))
	req.StreamID, req.WriterEpoch = stream, 1
	_, err := s.Mutate(req)
	require.NoError(t, err)

	req = writeReq(1, wire.NewSequence(1, 3), 4, ev(1), ev(1))
	req.StreamID, req.WriterEpoch = stream, 1
	_, err = s.Mutate(req)
	require.NoError(t, err)

	req = writeReq(1, wire.NewSequence(1, 5), 6)
	req.StreamID, req.WriterEpoch = stream, 1
	_, err = s.Mutate(req)
	require.NoError(t, err)

	entries, err := s.Read(stream, 1, 1, 5, true)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for _, e := range entries {
		assert.Equal(t, wire.KindEvent, e.Kind)
	}
}

// TestStoreReadWaitsForAckedIndex exercises the poll loop Store.Read runs for
// require_acked reads (spec.md §4.1, §5's documented suspension point): the
// read must block past its first unsatisfied check and return once a later
// Mutate advances the acked index, not fail fast the moment it's called.
func TestStoreReadWaitsForAckedIndex(t *testing.T) {
	s := testStore(t)
	const stream = uint64(1)

	req := writeReq(1, wire.NewSequence(1, 0), 1, ev(1))
	req.StreamID, req.WriterEpoch = stream, 1
	_, err := s.Mutate(req)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		ackReq := writeReq(1, wire.NewSequence(1, 1), 2)
		ackReq.StreamID, ackReq.WriterEpoch = stream, 1
		_, err := s.Mutate(ackReq)
		assert.NoError(t, err)
		close(done)
	}()

	entries, err := s.Read(stream, 1, 1, 1, true)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	<-done
}

// Scenario 2: "Reject staled seal" (spec.md §8).
func TestStoreRejectStaledSeal(t *testing.T) {
	s := testStore(t)
	const stream = uint64(1)

	_, err := s.Mutate(&wire.MutateRequest{
		StreamID: stream, WriterEpoch: 1, Kind: wire.MutateWrite,
		Write: &wire.WriteRequest{SegmentEpoch: 1, FirstIndex: 1, Entries: []wire.Entry{ev(1)}},
	})
	require.NoError(t, err)

	seal := func(writerEpoch uint32) error {
		_, err := s.Mutate(&wire.MutateRequest{
			StreamID: stream, WriterEpoch: writerEpoch, Kind: wire.MutateSeal,
			Seal: &wire.SealRequest{SegmentEpoch: 1},
		})
		return err
	}

	require.NoError(t, seal(3))
	err = seal(2)
	require.Error(t, err)
	assert.Equal(t, storeerr.KindStaled, storeerr.KindOf(err))
	require.NoError(t, seal(4))
}

// Scenario 3: "Reject writes after seal" (spec.md §8).
func TestStoreRejectWritesAfterSeal(t *testing.T) {
	s := testStore(t)
	const stream = uint64(1)

	_, err := s.Mutate(&wire.MutateRequest{
		StreamID: stream, WriterEpoch: 1, Kind: wire.MutateWrite,
		Write: &wire.WriteRequest{SegmentEpoch: 1, FirstIndex: 1, Entries: []wire.Entry{ev(1)}},
	})
	require.NoError(t, err)

	_, err = s.Mutate(&wire.MutateRequest{
		StreamID: stream, WriterEpoch: 3, Kind: wire.MutateSeal,
		Seal: &wire.SealRequest{SegmentEpoch: 1},
	})
	require.NoError(t, err)

	_, err = s.Mutate(&wire.MutateRequest{
		StreamID: stream, WriterEpoch: 1, Kind: wire.MutateWrite,
		Write: &wire.WriteRequest{SegmentEpoch: 1, FirstIndex: 2, Entries: []wire.Entry{ev(1)}},
	})
	require.Error(t, err)
	assert.Equal(t, storeerr.KindStaled, storeerr.KindOf(err))
}

func ev(epoch uint32) wire.Entry { return wire.Event(epoch, []byte("x")) }

// Package segment implements the in-memory dense-prefix append buffer a
// Store keeps for each (stream, segment_epoch) pair: the Appending/Sealed
// state machine, matched-index computation, Bridge-triggered tail
// truncation, and the acked-index monotonic fold. Grounded on the
// teacher's commitlog.segment (append-offset bookkeeping, sealed flag) and
// original_source/src/runtime/src/stream/store.rs's write/seal/truncate
// dispatch.
package segment

import (
	"sync"

	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// State is the segment's lifecycle stage.
type State uint8

const (
	Appending State = iota
	Sealed
)

func (s State) String() string {
	if s == Sealed {
		return "Sealed"
	}
	return "Appending"
}

// Segment holds one (stream_id, segment_epoch)'s entries, keyed by their
// dense index (1-based, per spec.md §8 scenario wording). It is safe for
// concurrent use; the Store serializes mutations per-segment through its
// WAL worker but reads may run concurrently with an in-flight write.
type Segment struct {
	mu sync.RWMutex

	streamID     uint64
	segmentEpoch uint32
	copySet      []string

	state        State
	writerEpoch  uint32 // highest writer_epoch ever accepted by this segment
	entries      map[uint32]wire.Entry
	ackedIndex   uint32
	bridgeIndex  uint32 // 0 means no bridge has been written
	highestIndex uint32 // highest index ever buffered, holes included; the sealed tail bound
}

// New creates an empty Appending segment for (streamID, segmentEpoch) with
// the given copy-set.
func New(streamID uint64, segmentEpoch uint32, copySet []string) *Segment {
	return &Segment{
		streamID:     streamID,
		segmentEpoch: segmentEpoch,
		copySet:      append([]string(nil), copySet...),
		entries:      make(map[uint32]wire.Entry),
	}
}

// StreamID, SegmentEpoch and CopySet expose the segment's identity.
func (s *Segment) StreamID() uint64      { return s.streamID }
func (s *Segment) SegmentEpoch() uint32  { return s.segmentEpoch }
func (s *Segment) CopySet() []string     { return append([]string(nil), s.copySet...) }

// State reports whether the segment is still Appending or has been Sealed.
func (s *Segment) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// WriterEpoch returns the highest writer epoch this segment has accepted.
func (s *Segment) WriterEpoch() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writerEpoch
}

// AckedIndex returns the current acked index (spec.md §4.1 step 6's folded
// value).
func (s *Segment) AckedIndex() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ackedIndex
}

// Staled is returned when a caller's writer_epoch is behind the segment's
// recorded one, or a write targets a sealed tail.
type Staled struct{ Reason string }

func (e *Staled) Error() string { return "staled: " + e.Reason }

// Corruption is returned when a write re-sends an existing index with
// content that doesn't match what's already buffered.
type Corruption struct{ Reason string }

func (e *Corruption) Error() string { return "corruption: " + e.Reason }

// Write implements spec.md §4.1's write algorithm steps 1–6 (step 7, handing
// the batch to the WAL worker, is the Store's job — Write only mutates the
// in-memory buffer and reports what to persist).
func (s *Segment) Write(writerEpoch uint32, ackedSeq wire.Sequence, firstIndex uint32, entries []wire.Entry) (matchedIndex, ackedIndex uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writerEpoch > writerEpoch {
		return 0, 0, &Staled{Reason: "writer epoch behind segment's recorded epoch"}
	}
	if writerEpoch > s.writerEpoch {
		s.writerEpoch = writerEpoch
	}

	if s.state == Sealed {
		tail := s.bridgeIndex
		if tail == 0 {
			tail = s.highestIndex
		}
		if firstIndex+uint32(len(entries)) > tail+1 {
			return 0, 0, &Staled{Reason: "write would extend beyond sealed tail"}
		}
	}

	for i, e := range entries {
		idx := firstIndex + uint32(i)
		if existing, ok := s.entries[idx]; ok {
			if !existing.Equal(e) {
				return 0, 0, &Corruption{Reason: "index already has a different entry"}
			}
			continue
		}
		s.entries[idx] = e
		if idx > s.highestIndex {
			s.highestIndex = idx
		}
		if e.Kind == wire.KindBridge {
			s.applyBridge(idx)
		}
	}

	matched := s.denseTail()
	s.foldAcked(ackedSeq.Index())
	return matched, s.ackedIndex, nil
}

// applyBridge drops every entry with index strictly greater than idx and
// records idx as the segment's bridge point, per spec.md §4.1 step 4.
func (s *Segment) applyBridge(idx uint32) {
	for k := range s.entries {
		if k > idx {
			delete(s.entries, k)
		}
	}
	if s.bridgeIndex == 0 || idx < s.bridgeIndex {
		s.bridgeIndex = idx
	}
	s.highestIndex = idx
}

// denseTail returns the largest index such that 1..=index is present in
// the segment with no holes (matched_index in spec.md §4.1 step 5).
func (s *Segment) denseTail() uint32 {
	var tail uint32
	for {
		if _, ok := s.entries[tail+1]; !ok {
			break
		}
		tail++
	}
	return tail
}

// foldAcked folds candidate into the segment's acked index as a monotonic
// max, per spec.md §4.1 step 6 and §8's Open Question decision (out-of-order
// arrivals never decrease the locally-observed value).
func (s *Segment) foldAcked(candidate uint32) {
	if candidate > s.ackedIndex {
		s.ackedIndex = candidate
	}
}

// Seal transitions the segment to Sealed, bumps the recorded writer epoch
// to max(current, writerEpoch), and returns the current acked index.
func (s *Segment) Seal(writerEpoch uint32) (ackedIndex uint32, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writerEpoch > writerEpoch {
		return 0, &Staled{Reason: "seal epoch behind segment's recorded epoch"}
	}
	if writerEpoch > s.writerEpoch {
		s.writerEpoch = writerEpoch
	}
	s.state = Sealed
	return s.ackedIndex, nil
}

// Truncate drops all entries whose index is less than keepIndex. Requires
// keepIndex <= ackedIndex; idempotent.
func (s *Segment) Truncate(keepIndex uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepIndex > s.ackedIndex {
		return &Staled{Reason: "truncate point is beyond the acked index"}
	}
	for k := range s.entries {
		if k < keepIndex {
			delete(s.entries, k)
		}
	}
	return nil
}

// Read returns up to limit entries starting at startIndex. If requireAcked,
// it only returns entries up to the acked index and reports ok=false when
// acked_index has not yet reached startIndex (the caller should wait and
// retry); otherwise it yields whatever is buffered up to limit, skipping
// past holes rather than stopping at the first one (spec.md §8 scenario 4:
// a non-acked read of a segment holding {1,2,3,5} yields all four entries,
// not just the dense prefix below the hole at 4).
func (s *Segment) Read(startIndex uint32, limit int, requireAcked bool) (entries []wire.Entry, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if requireAcked && s.ackedIndex < startIndex {
		return nil, false
	}
	ceiling := s.highestIndex
	if requireAcked && s.ackedIndex < ceiling {
		ceiling = s.ackedIndex
	}

	out := make([]wire.Entry, 0, limit)
	for idx := startIndex; idx <= ceiling && len(out) < limit; idx++ {
		if e, found := s.entries[idx]; found {
			out = append(out, e)
		}
	}
	return out, true
}

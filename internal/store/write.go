package store

import (
	"time"

	"github.com/streamhouse-io/streamhouse/internal/manifest"
	"github.com/streamhouse-io/streamhouse/internal/segment"
	"github.com/streamhouse-io/streamhouse/internal/storeerr"
	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// write implements spec.md §4.1's write algorithm: mutate the in-memory
// segment first (steps 1–6), then hand the batch to the WAL worker and
// wait for durability (step 7) before returning.
func (s *Store) write(streamID uint64, writerEpoch uint32, req *wire.WriteRequest) (*wire.WriteResponse, error) {
	start := time.Now()
	seg := s.ensureSegment(streamID, req.SegmentEpoch, nil)

	matched, acked, err := seg.Write(writerEpoch, req.AckedSeq, req.FirstIndex, req.Entries)
	if err != nil {
		return nil, translateSegmentErr(err)
	}

	rec := walRecord{
		Kind:         walOpWrite,
		StreamID:     streamID,
		SegmentEpoch: req.SegmentEpoch,
		WriterEpoch:  writerEpoch,
		AckedSeq:     uint64(req.AckedSeq),
		FirstIndex:   req.FirstIndex,
		Entries:      wire.EncodeEntries(req.Entries),
	}
	if err := s.wal.append(rec); err != nil {
		return nil, storeerr.IO("wal append failed", err)
	}

	if err := s.vs.LogAndApply(manifest.VersionEdit{Segments: []manifest.SegmentMeta{
		segmentMetaOf(seg, s.wal.logNumber),
	}}); err != nil {
		return nil, storeerr.IO("manifest update failed", err)
	}

	s.metrics.observeWrite(time.Since(start), len(req.Entries))
	return &wire.WriteResponse{MatchedIndex: matched, AckedIndex: acked}, nil
}

// seal implements spec.md §4.1's Seal operation.
func (s *Store) seal(streamID uint64, writerEpoch uint32, req *wire.SealRequest) (*wire.SealResponse, error) {
	seg, err := s.lookupSegment(streamID, req.SegmentEpoch)
	if err != nil {
		return nil, err
	}
	acked, sealErr := seg.Seal(writerEpoch)
	if sealErr != nil {
		return nil, translateSegmentErr(sealErr)
	}

	rec := walRecord{Kind: walOpSeal, StreamID: streamID, SegmentEpoch: req.SegmentEpoch, WriterEpoch: writerEpoch}
	if err := s.wal.append(rec); err != nil {
		return nil, storeerr.IO("wal append failed", err)
	}
	if err := s.vs.LogAndApply(manifest.VersionEdit{Segments: []manifest.SegmentMeta{
		segmentMetaOf(seg, s.wal.logNumber),
	}}); err != nil {
		return nil, storeerr.IO("manifest update failed", err)
	}

	s.metrics.observeSeal()
	return &wire.SealResponse{AckedIndex: acked}, nil
}

// truncate implements spec.md §4.1's Truncate operation on the stream's
// highest-epoch segment, resolved here via currentSegmentForStream (the
// network-facing TruncateRequest carries only keep_seq, but the WAL record
// it produces durably pins down which segment it applied to).
func (s *Store) truncate(streamID uint64, writerEpoch uint32, req *wire.TruncateRequest) (*wire.TruncateResponse, error) {
	seg, err := s.currentSegmentForStream(streamID)
	if err != nil {
		return nil, err
	}
	if err := seg.Truncate(req.KeepSeq.Index()); err != nil {
		return nil, translateSegmentErr(err)
	}

	rec := walRecord{
		Kind:         walOpTruncate,
		StreamID:     streamID,
		SegmentEpoch: seg.SegmentEpoch(),
		WriterEpoch:  writerEpoch,
		KeepIndex:    req.KeepSeq.Index(),
	}
	if err := s.wal.append(rec); err != nil {
		return nil, storeerr.IO("wal append failed", err)
	}

	s.metrics.observeTruncate()
	return &wire.TruncateResponse{}, nil
}

// currentSegmentForStream returns the highest-segment-epoch segment
// catalogued for streamID: the one a Truncate with no explicit epoch
// applies to.
func (s *Store) currentSegmentForStream(streamID uint64) (*segment.Segment, error) {
	var best *segment.Segment
	iter := s.segmentSnapshot().Iterator()
	for !iter.Done() {
		_, seg, _ := iter.Next()
		if seg.StreamID() != streamID {
			continue
		}
		if best == nil || seg.SegmentEpoch() > best.SegmentEpoch() {
			best = seg
		}
	}
	if best == nil {
		return nil, storeerr.NotFound("stream has no segments")
	}
	return best, nil
}

func segmentMetaOf(seg *segment.Segment, logNumber uint64) manifest.SegmentMeta {
	return manifest.SegmentMeta{
		StreamID:  seg.StreamID(),
		SegmentID: uint64(seg.SegmentEpoch()),
		Epoch:     seg.SegmentEpoch(),
		LastIndex: seg.AckedIndex(),
		Sealed:    seg.State() == segment.Sealed,
		LogNumber: logNumber,
	}
}

func translateSegmentErr(err error) error {
	switch err.(type) {
	case *segment.Staled:
		return storeerr.Staled(err.Error())
	case *segment.Corruption:
		return storeerr.Corruption(err.Error())
	default:
		return err
	}
}

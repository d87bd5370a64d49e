// Package manifest tracks a Store's durable segment catalog: which segments
// exist, their epoch and sealed state, and which WAL log files are still
// referenced by any of them. It mirrors original_source's VersionSet/Version
// machinery, generalized from a single-stream database to a Store that holds
// many streams' segments.
package manifest

import (
	"sort"
	"sync/atomic"
)

// MinAvailLogNumber is the smallest log number a fresh Version considers
// live; nothing below it can possibly still be referenced.
const MinAvailLogNumber uint64 = 1

// SegmentMeta is the durable catalog entry for one segment: enough to
// reopen it without replaying the WAL from scratch.
type SegmentMeta struct {
	StreamID   uint64
	SegmentID  uint64
	Epoch      uint32
	BaseIndex  uint32
	LastIndex  uint32
	Sealed     bool
	LogNumber  uint64 // WAL log file this segment's tail currently lives in
}

// key identifies a segment within a Version's segment table.
type key struct {
	streamID  uint64
	segmentID uint64
}

// VersionEdit is a delta applied to a Version: a batch of segment catalog
// updates, an advance of the minimum live log number, and/or newly recycled
// log numbers.
type VersionEdit struct {
	Segments        []SegmentMeta
	MinLogNumber    *uint64
	RecycledLogs    []uint64
}

// edit chains a VersionEdit with an atomic pointer to the next one applied,
// forming the CAS-linked list installed edits accumulate on.
type edit struct {
	body VersionEdit
	next atomic.Pointer[edit]
}

// Version is an immutable-from-the-outside snapshot of the segment catalog.
// Readers call Current() on a VersionSet to get one; new edits are installed
// by walking and applying the next-edit chain, following
// original_source/version.rs's VersionBuilder::try_apply_edits.
type Version struct {
	minLogNumber    uint64
	recycledLogs    map[uint64]bool
	segments        map[key]SegmentMeta
	next            atomic.Pointer[edit]
}

func newVersion() *Version {
	return &Version{
		minLogNumber: MinAvailLogNumber,
		recycledLogs: map[uint64]bool{},
		segments:     map[key]SegmentMeta{},
	}
}

// Clone returns a deep copy so mutation during edit application never
// aliases a snapshot a caller may still be holding.
func (v *Version) Clone() *Version {
	c := &Version{
		minLogNumber: v.minLogNumber,
		recycledLogs: make(map[uint64]bool, len(v.recycledLogs)),
		segments:     make(map[key]SegmentMeta, len(v.segments)),
	}
	for k, ok := range v.recycledLogs {
		c.recycledLogs[k] = ok
	}
	for k, m := range v.segments {
		c.segments[k] = m
	}
	c.next.Store(v.next.Load())
	return c
}

// Segment looks up the catalog entry for a stream's segment.
func (v *Version) Segment(streamID, segmentID uint64) (SegmentMeta, bool) {
	m, ok := v.segments[key{streamID, segmentID}]
	return m, ok
}

// StreamSegments returns every segment catalogued for streamID, ordered by
// segment ID.
func (v *Version) StreamSegments(streamID uint64) []SegmentMeta {
	out := make([]SegmentMeta, 0)
	for k, m := range v.segments {
		if k.streamID == streamID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentID < out[j].SegmentID })
	return out
}

// IsLogRecycled reports whether logNumber can no longer hold any live data,
// mirroring LogNumberRecord::is_log_recycled.
func (v *Version) IsLogRecycled(logNumber uint64) bool {
	return logNumber < v.minLogNumber || v.recycledLogs[logNumber]
}

// MinLogNumber returns the smallest log number any catalogued segment may
// still reference.
func (v *Version) MinLogNumber() uint64 { return v.minLogNumber }

// applyEdits walks the CAS-linked edit chain hanging off v.next, folding
// each edit into v in order, the same fast-path/slow-path shape as
// VersionBuilder::try_apply_edits.
func (v *Version) applyEdits() bool {
	e := v.next.Load()
	if e == nil {
		return false
	}
	for e != nil {
		v.apply(e.body)
		v.next.Store(e.next.Load())
		e = e.next.Load()
	}
	return true
}

func (v *Version) apply(ve VersionEdit) {
	for _, s := range ve.Segments {
		v.segments[key{s.StreamID, s.SegmentID}] = s
	}
	for _, ln := range ve.RecycledLogs {
		v.recycledLogs[ln] = true
	}
	if ve.MinLogNumber != nil && *ve.MinLogNumber > v.minLogNumber {
		v.minLogNumber = *ve.MinLogNumber
		for ln := range v.recycledLogs {
			if ln < v.minLogNumber {
				delete(v.recycledLogs, ln)
			}
		}
	}
}

// snapshot returns a VersionEdit that fully describes v, used when rolling
// to a fresh manifest file (spec.md §4.2's "new MANIFEST begins with a full
// snapshot of the current Version").
func (v *Version) snapshot() VersionEdit {
	segs := make([]SegmentMeta, 0, len(v.segments))
	for _, m := range v.segments {
		segs = append(segs, m)
	}
	recycled := make([]uint64, 0, len(v.recycledLogs))
	for ln := range v.recycledLogs {
		recycled = append(recycled, ln)
	}
	minLN := v.minLogNumber
	return VersionEdit{Segments: segs, MinLogNumber: &minLN, RecycledLogs: recycled}
}

// installEdit appends ve to the CAS-linked chain, retrying on contention
// the same way Version::install_edit does with an AtomicArcPtr.
func (v *Version) installEdit(ve VersionEdit) {
	n := &edit{body: ve}
	for {
		v.applyEdits()
		if v.next.CompareAndSwap(nil, n) {
			return
		}
	}
}

// buildVersion folds a sequence of already-logged edits (read back from a
// manifest file at recovery) into a fresh Version, the Go equivalent of
// VersionBuilder::apply/finalize.
func buildVersion(edits []VersionEdit) *Version {
	v := newVersion()
	for _, ve := range edits {
		v.apply(ve)
	}
	return v
}

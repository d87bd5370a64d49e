package store

import (
	"os"
	"sort"
	"time"

	"github.com/streamhouse-io/streamhouse/internal/manifest"
)

// recyclerLoop periodically advances the manifest's min-log-number past
// the log files numbered below the lowest one still referenced (by a
// catalogued segment's LogNumber or by the live WAL), then deletes those
// files, per spec.md §4.1's Recycler background worker and the Open
// Question decision recorded in DESIGN.md: "recycle only when min-log-number
// has advanced past the file AND no retained stream references it".
func (s *Store) recyclerLoop() {
	defer close(s.recyclerDone)

	interval := s.cfg.RecyclerInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.recyclerStop:
			return
		case <-ticker.C:
			s.recycleOnce()
		}
	}
}

func (s *Store) recycleOnce() {
	version := s.vs.Current()

	referenced := map[uint64]bool{s.wal.logNumber: true}
	iter := s.segmentSnapshot().Iterator()
	for !iter.Done() {
		_, seg, _ := iter.Next()
		if meta, ok := version.Segment(seg.StreamID(), uint64(seg.SegmentEpoch())); ok {
			referenced[meta.LogNumber] = true
		}
	}

	lowestRef := s.wal.logNumber
	for number := range referenced {
		if number < lowestRef {
			lowestRef = number
		}
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warnf("store: recycler: list base directory: %v", err)
		return
	}

	var candidates []uint64
	for _, e := range entries {
		typ, number := manifest.ParseFileName(e.Name())
		if typ != manifest.FileLog {
			continue
		}
		if number >= lowestRef {
			continue
		}
		candidates = append(candidates, number)
	}
	if len(candidates) == 0 {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })

	newMin := version.MinLogNumber()
	for _, number := range candidates {
		if number >= newMin {
			newMin = number + 1
		}
	}

	if err := s.vs.LogAndApply(manifest.VersionEdit{
		MinLogNumber: &newMin,
		RecycledLogs: candidates,
	}); err != nil {
		s.log.Warnf("store: recycler: advance min log number: %v", err)
		return
	}

	for _, number := range candidates {
		path := manifest.LogPath(s.dir, number)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.log.Warnf("store: recycler: remove log file %d: %v", number, err)
		}
	}
}

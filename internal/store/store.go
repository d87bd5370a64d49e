// Package store implements the per-node durable segment server: spec.md
// §4.1's Store. It owns on-disk segments for (stream, segment_epoch) pairs,
// enforces writer-epoch/seal semantics, and persists through a
// write-ahead log with a manifest. Grounded on the teacher's commitLog
// (LOCK-file-guarded open/recover, background-goroutine lifecycle,
// atomically-published active state) and dreamsxin-wal's immutable,
// lock-free-read segment-set snapshot.
package store

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/hako/durafmt"
	"github.com/pkg/errors"

	"github.com/streamhouse-io/streamhouse/internal/config"
	"github.com/streamhouse-io/streamhouse/internal/logger"
	"github.com/streamhouse-io/streamhouse/internal/manifest"
	"github.com/streamhouse-io/streamhouse/internal/reclaim"
	"github.com/streamhouse-io/streamhouse/internal/segment"
	"github.com/streamhouse-io/streamhouse/internal/storeerr"
	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// segKey packs (stream_id, segment_epoch) into one comparable key so it can
// be used with immutable.SortedMap's natural ordering, the same packing
// internal/wire.Sequence uses for (epoch, index).
type segKey uint64

func packKey(streamID uint64, segmentEpoch uint32) segKey {
	return segKey(streamID<<32 | uint64(segmentEpoch))
}

// Store is a single node's durable segment server.
type Store struct {
	dir    string
	cfg    config.StoreConfig
	log    logger.Logger
	lock   *os.File
	closed atomic.Bool

	vs     *manifest.VersionSet
	domain *reclaim.Domain

	// segs holds the live *segment.Segment set behind an atomic snapshot
	// pointer, following dreamsxin-wal's "s atomic.Value" pattern: readers
	// dereference it lock-free, writers install a fresh snapshot under
	// mutateMu and retire the old one through domain once it is unreachable.
	segs atomic.Pointer[immutable.SortedMap[segKey, *segment.Segment]]

	mutateMu sync.Mutex // serializes Mutate calls; matches the teacher's single-writer commitLog discipline

	wal *walWorker

	metrics *Metrics

	recyclerStop chan struct{}
	recyclerDone chan struct{}
}

// lessSegKey orders segKey by its natural uint64 value.
func lessSegKey(a, b segKey) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Open acquires the LOCK file, recovers (or creates) the manifest and log
// files under dir, and starts the background WAL worker and recycler.
// Failure to acquire the lock is a fatal open error, per spec.md §4.1.
func Open(dir string, cfg config.StoreConfig, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "store: create base directory")
	}

	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, errors.Wrap(err, "store: acquire LOCK")
	}

	currentPath := manifest.CurrentPath(dir)
	var vs *manifest.VersionSet
	if _, err := os.Stat(currentPath); os.IsNotExist(err) {
		if err := manifest.Create(dir); err != nil {
			lockFile.Close()
			return nil, errors.Wrap(err, "store: create manifest")
		}
	}
	vs, err = manifest.Recover(dir)
	if err != nil {
		lockFile.Close()
		return nil, errors.Wrap(err, "store: recover manifest")
	}

	s := &Store{
		dir:          dir,
		cfg:          cfg,
		log:          log,
		lock:         lockFile,
		vs:           vs,
		domain:       reclaim.NewDomain(),
		metrics:      NewMetrics(),
		recyclerStop: make(chan struct{}),
		recyclerDone: make(chan struct{}),
	}
	s.segs.Store(immutable.NewSortedMap[segKey, *segment.Segment](comparerFunc(lessSegKey)))

	if err := s.recover(); err != nil {
		lockFile.Close()
		return nil, errors.Wrap(err, "store: replay log files")
	}

	w, err := newWALWorker(s)
	if err != nil {
		lockFile.Close()
		return nil, errors.Wrap(err, "store: start WAL worker")
	}
	s.wal = w

	go s.recyclerLoop()

	return s, nil
}

// acquireLock takes an exclusive, non-blocking OS-level lock on dir/LOCK,
// the Go equivalent of original_source's LOCK-file acquisition (and the
// same discipline LevelDB-family stores use).
func acquireLock(dir string) (*os.File, error) {
	path := filepath.Join(dir, "LOCK")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "another process holds this store's LOCK file")
	}
	return f, nil
}

// Close stops background workers and releases the LOCK file. Mutate and
// Read return DBClosed after Close begins.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.recyclerStop)
	<-s.recyclerDone

	var err error
	if s.wal != nil {
		err = s.wal.close()
	}
	if e := s.vs.Close(); e != nil && err == nil {
		err = e
	}
	syscall.Flock(int(s.lock.Fd()), syscall.LOCK_UN)
	if e := s.lock.Close(); e != nil && err == nil {
		err = e
	}
	return err
}

func (s *Store) segmentSnapshot() *immutable.SortedMap[segKey, *segment.Segment] {
	return s.segs.Load()
}

// lookupSegment returns the segment for (streamID, segmentEpoch), or
// NotFound.
func (s *Store) lookupSegment(streamID uint64, segmentEpoch uint32) (*segment.Segment, error) {
	snap := s.segmentSnapshot()
	seg, ok := snap.Get(packKey(streamID, segmentEpoch))
	if !ok {
		return nil, storeerr.NotFound("unknown segment")
	}
	return seg, nil
}

// ensureSegment returns the segment for (streamID, segmentEpoch), creating
// a fresh Appending one (and publishing the updated snapshot) if it doesn't
// exist yet. Must be called with mutateMu held.
func (s *Store) ensureSegment(streamID uint64, segmentEpoch uint32, copySet []string) *segment.Segment {
	key := packKey(streamID, segmentEpoch)
	snap := s.segmentSnapshot()
	if seg, ok := snap.Get(key); ok {
		return seg
	}
	seg := segment.New(streamID, segmentEpoch, copySet)
	next := snap.Set(key, seg)
	s.publishSnapshot(snap, next)
	return seg
}

// publishSnapshot installs next as the live segment set and retires old
// once no pinned reader can still observe it, via the store's reclamation
// domain (spec.md §9).
func (s *Store) publishSnapshot(old, next *immutable.SortedMap[segKey, *segment.Segment]) {
	s.segs.Store(next)
	s.domain.Retire(func() { _ = old })
}

// comparerFunc adapts a less-than function to immutable.Comparer.
type comparerFunc func(a, b segKey) int

func (f comparerFunc) Compare(a, b segKey) int { return f(a, b) }

// Mutate dispatches a MutateRequest to Write, Seal or Truncate and returns
// the matching response envelope, per spec.md §4.1's mutate operation.
func (s *Store) Mutate(req *wire.MutateRequest) (*wire.MutateResponse, error) {
	if s.closed.Load() {
		return nil, storeerr.DBClosed("store is closed")
	}
	s.mutateMu.Lock()
	defer s.mutateMu.Unlock()

	switch req.Kind {
	case wire.MutateWrite:
		if req.Write == nil {
			return nil, storeerr.InvalidArgument("write request missing body")
		}
		resp, err := s.write(req.StreamID, req.WriterEpoch, req.Write)
		if err != nil {
			return nil, err
		}
		return &wire.MutateResponse{Kind: wire.MutateWrite, Write: resp}, nil
	case wire.MutateSeal:
		if req.Seal == nil {
			return nil, storeerr.InvalidArgument("seal request missing body")
		}
		resp, err := s.seal(req.StreamID, req.WriterEpoch, req.Seal)
		if err != nil {
			return nil, err
		}
		return &wire.MutateResponse{Kind: wire.MutateSeal, Seal: resp}, nil
	case wire.MutateTruncate:
		if req.Truncate == nil {
			return nil, storeerr.InvalidArgument("truncate request missing body")
		}
		resp, err := s.truncate(req.StreamID, req.WriterEpoch, req.Truncate)
		if err != nil {
			return nil, err
		}
		return &wire.MutateResponse{Kind: wire.MutateTruncate, Truncate: resp}, nil
	default:
		return nil, storeerr.InvalidArgument("unknown mutate kind")
	}
}

// readPollInterval and readPollMaxWait bound the cooperative poll loop a
// require_acked Read runs while waiting for the acked index to catch up to
// startIndex, per spec.md §4.1 and §5's documented suspension point.
const (
	readPollInterval = 2 * time.Millisecond
	readPollMaxWait  = 2 * time.Second
)

// Read produces up to limit entries for (streamID, segEpoch) starting at
// startIndex. If requireAcked, it blocks (cooperatively, via a short poll
// loop on the segment's acked-index condition — see segment.Segment.Read)
// until the acked index reaches startIndex, readPollMaxWait elapses, or the
// store closes.
func (s *Store) Read(streamID uint64, segEpoch uint32, startIndex uint32, limit int, requireAcked bool) ([]wire.Entry, error) {
	if s.closed.Load() {
		return nil, storeerr.DBClosed("store is closed")
	}
	h := s.domain.Register()
	defer h.Unregister()
	unpin := h.Pin()
	defer unpin()

	seg, err := s.lookupSegment(streamID, segEpoch)
	if err != nil {
		return nil, err
	}

	waited := time.Duration(0)
	for {
		entries, ok := seg.Read(startIndex, limit, requireAcked)
		if ok {
			return entries, nil
		}
		if s.closed.Load() {
			return nil, storeerr.DBClosed("store is closed")
		}
		if waited >= readPollMaxWait {
			elapsed := waited.String()
			if d, derr := durafmt.Parse(waited); derr == nil {
				elapsed = d.LimitFirstN(2).String()
			}
			s.log.Warnf("store: read of stream %d start_index %d gave up after %s waiting for acked index",
				streamID, startIndex, elapsed)
			return nil, storeerr.Staled("acked index has not yet reached start_index")
		}
		time.Sleep(readPollInterval)
		waited += readPollInterval
	}
}

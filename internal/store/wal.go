package store

import (
	"encoding/binary"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/streamhouse-io/streamhouse/internal/logfile"
	"github.com/streamhouse-io/streamhouse/internal/manifest"
)

// walOpKind tags the logical operation a walRecord durably describes. This
// is distinct from wire.MutateKind: it additionally carries the resolved
// segment_epoch a Truncate applies to, which the network-facing
// TruncateRequest omits (truncation always targets the stream's current
// segment, resolved by the Store before logging).
type walOpKind uint8

const (
	walOpWrite walOpKind = iota
	walOpSeal
	walOpTruncate
)

// walRecord is the durable, replayable description of one accepted
// mutation: enough to reconstruct the in-memory segment exactly as the
// live call left it, used by both the WAL worker (encode, on the way in)
// and recovery (decode, on replay).
type walRecord struct {
	Kind         walOpKind
	StreamID     uint64
	SegmentEpoch uint32
	WriterEpoch  uint32

	// Write
	AckedSeq   uint64
	FirstIndex uint32
	Entries    []byte // pre-encoded via wire.EncodeEntries

	// Truncate
	KeepIndex uint32
}

func encodeWALRecord(r walRecord) []byte {
	buf := make([]byte, 0, 32+len(r.Entries))
	buf = append(buf, byte(r.Kind))
	buf = binary.LittleEndian.AppendUint64(buf, r.StreamID)
	buf = binary.LittleEndian.AppendUint32(buf, r.SegmentEpoch)
	buf = binary.LittleEndian.AppendUint32(buf, r.WriterEpoch)
	buf = binary.LittleEndian.AppendUint64(buf, r.AckedSeq)
	buf = binary.LittleEndian.AppendUint32(buf, r.FirstIndex)
	buf = binary.LittleEndian.AppendUint32(buf, r.KeepIndex)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Entries)))
	buf = append(buf, r.Entries...)
	return buf
}

func decodeWALRecord(buf []byte) (walRecord, error) {
	var r walRecord
	if len(buf) < 1+8+4+4+8+4+4+4 {
		return r, errors.New("store: short buffer for wal record header")
	}
	off := 0
	r.Kind = walOpKind(buf[off])
	off++
	r.StreamID = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.SegmentEpoch = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.WriterEpoch = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.AckedSeq = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.FirstIndex = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.KeepIndex = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	n := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if len(buf) < off+int(n) {
		return r, errors.New("store: short buffer for wal record entries")
	}
	r.Entries = buf[off : off+int(n)]
	return r, nil
}

// walRequest is one pending append, submitted by a Mutate call and
// completed by the WAL worker once it is durable.
type walRequest struct {
	record walRecord
	done   chan error
}

// walWorker owns the current log file and serializes all appends to it,
// batching concurrent requests up to WALBatchBytes per spec.md §4.1's "WAL
// worker" background task.
type walWorker struct {
	store *Store

	mu        sync.Mutex
	file      *os.File
	writer    *logfile.Writer
	logNumber uint64

	ch     chan walRequest
	stopCh chan struct{}
	doneCh chan struct{}
}

func newWALWorker(s *Store) (*walWorker, error) {
	w := &walWorker{
		store:  s,
		ch:     make(chan walRequest, s.cfg.WALQueueDepth),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if err := w.rotate(); err != nil {
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *walWorker) rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// append submits rec and blocks until the worker reports it durable.
func (w *walWorker) append(rec walRecord) error {
	req := walRequest{record: rec, done: make(chan error, 1)}
	select {
	case w.ch <- req:
	case <-w.stopCh:
		return errors.New("store: wal worker stopped")
	}
	return <-req.done
}

func (w *walWorker) loop() {
	defer close(w.doneCh)
	for {
		select {
		case <-w.stopCh:
			return
		case req := <-w.ch:
			w.drainBatch(req)
		}
	}
}

// drainBatch groups req with whatever else is already queued, up to
// WALBatchBytes, into one framed record, matching spec.md §4.1's "groups
// them up to ~128 KiB, encodes one framed RecordGroup per batch".
func (w *walWorker) drainBatch(first walRequest) {
	batch := []walRequest{first}
	size := len(encodeWALRecord(first.record))
	budget := w.store.cfg.WALBatchBytes

drain:
	for size < budget {
		select {
		case req := <-w.ch:
			batch = append(batch, req)
			size += len(encodeWALRecord(req.record))
		default:
			break drain
		}
	}

	err := w.writeBatch(batch)
	if err != nil {
		w.store.metrics.walErrors.Inc()
	}
	for _, req := range batch {
		req.done <- err
	}
}

func (w *walWorker) writeBatch(batch []walRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	content := make([]byte, 0, 256)
	content = binary.LittleEndian.AppendUint32(content, uint32(len(batch)))
	for _, req := range batch {
		enc := encodeWALRecord(req.record)
		content = binary.LittleEndian.AppendUint32(content, uint32(len(enc)))
		content = append(content, enc...)
	}

	if w.writer.AvailSpace() < len(content) {
		if err := w.writer.Close(); err != nil {
			return err
		}
		if err := w.rotateLocked(); err != nil {
			return err
		}
	}

	if err := w.writer.AddRecord(content); err != nil {
		return errors.Wrap(err, "store: append wal record group")
	}
	if w.store.cfg.SyncOnWrite {
		if err := w.writer.Flush(true); err != nil {
			return errors.Wrap(err, "store: fdatasync wal")
		}
	}
	return nil
}

// rotateLocked is rotate's body, for use when mu is already held.
func (w *walWorker) rotateLocked() error {
	number := w.store.vs.NextFileNumber()
	path := manifest.LogPath(w.store.dir, number)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "store: create log file")
	}
	writer, err := logfile.NewWriter(file, number, 0, int(w.store.cfg.LogFileSize))
	if err != nil {
		file.Close()
		return err
	}
	if w.file != nil {
		w.file.Close()
	}
	w.file = file
	w.writer = writer
	w.logNumber = number
	w.store.log.Debugf("store: rolled to log file %d (budget %s)", number, humanize.Bytes(uint64(w.store.cfg.LogFileSize)))
	return nil
}

func (w *walWorker) close() error {
	close(w.stopCh)
	<-w.doneCh
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer != nil {
		if err := w.writer.Close(); err != nil {
			return err
		}
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

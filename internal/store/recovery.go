package store

import (
	"encoding/binary"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/streamhouse-io/streamhouse/internal/logfile"
	"github.com/streamhouse-io/streamhouse/internal/manifest"
	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// recover replays every log file with number ≥ the manifest's min-log-number
// into fresh in-memory segments, per spec.md §4.1's Recovery paragraph:
// "list all log files with number ≥ min-log-number and replay their
// records into in-memory segments". Truncated tail records at EOF are not
// errors (internal/logfile.Reader already implements that); bad CRC/length
// is fatal unless ParanoidChecks is false.
func (s *Store) recover() error {
	version := s.vs.Current()
	minLogNumber := version.MinLogNumber()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Wrap(err, "store: list base directory")
	}

	var logNumbers []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		typ, number := manifest.ParseFileName(e.Name())
		if typ != manifest.FileLog {
			continue
		}
		if number < minLogNumber {
			continue
		}
		logNumbers = append(logNumbers, number)
	}
	sort.Slice(logNumbers, func(i, j int) bool { return logNumbers[i] < logNumbers[j] })

	var maxSeen uint64
	for _, number := range logNumbers {
		if err := s.replayLogFile(number); err != nil {
			return err
		}
		if number > maxSeen {
			maxSeen = number
		}
	}
	s.vs.SetNextFileNumber(maxSeen)
	return nil
}

func (s *Store) replayLogFile(number uint64) error {
	path := manifest.LogPath(s.dir, number)
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "store: open log file %d for replay", number)
	}
	defer file.Close()

	reader, err := logfile.NewReader(file, number, s.cfg.ParanoidChecks)
	if err != nil {
		return err
	}

	for {
		group, err := reader.ReadRecord()
		if err != nil {
			return errors.Wrapf(err, "store: replay log file %d", number)
		}
		if group == nil {
			return nil
		}
		records, err := decodeRecordGroup(group)
		if err != nil {
			return errors.Wrapf(err, "store: decode record group in log file %d", number)
		}
		for _, rec := range records {
			s.replayRecord(rec)
		}
	}
}

// decodeRecordGroup splits a WAL batch (written by walWorker.writeBatch)
// back into its constituent walRecords.
func decodeRecordGroup(buf []byte) ([]walRecord, error) {
	if len(buf) < 4 {
		return nil, errors.New("store: short buffer for record group count")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	out := make([]walRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < off+4 {
			return nil, errors.New("store: short buffer for record group entry length")
		}
		n := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		off += 4
		if len(buf) < off+n {
			return nil, errors.New("store: short buffer for record group entry")
		}
		rec, err := decodeWALRecord(buf[off : off+n])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		off += n
	}
	return out, nil
}

// replayRecord applies a previously-durable mutation to the in-memory
// segment it targets, reconstructing exactly the state the live call left
// behind (recovery never re-runs the WAL append itself).
func (s *Store) replayRecord(rec walRecord) {
	switch rec.Kind {
	case walOpWrite:
		seg := s.ensureSegment(rec.StreamID, rec.SegmentEpoch, nil)
		entries, _, err := wire.DecodeEntries(rec.Entries)
		if err != nil {
			s.log.Errorf("store: skipping corrupt wal write record for stream %d: %v", rec.StreamID, err)
			return
		}
		if _, _, err := seg.Write(rec.WriterEpoch, wire.Sequence(rec.AckedSeq), rec.FirstIndex, entries); err != nil {
			s.log.Warnf("store: replaying wal write for stream %d: %v", rec.StreamID, err)
		}
	case walOpSeal:
		seg := s.ensureSegment(rec.StreamID, rec.SegmentEpoch, nil)
		if _, err := seg.Seal(rec.WriterEpoch); err != nil {
			s.log.Warnf("store: replaying wal seal for stream %d: %v", rec.StreamID, err)
		}
	case walOpTruncate:
		seg := s.ensureSegment(rec.StreamID, rec.SegmentEpoch, nil)
		if err := seg.Truncate(rec.KeepIndex); err != nil {
			s.log.Warnf("store: replaying wal truncate for stream %d: %v", rec.StreamID, err)
		}
	}
}

package logfile

import (
	"hash/crc32"
	"os"

	"github.com/pkg/errors"
)

// Writer frames records into 32 KiB blocks on top of an *os.File, the same
// physical layout original_source's LogWriter uses: an 8-byte header
// (kind|log-number-byte|length|crc32) per physical record, with the low byte
// of the logical log number stamped into each header so a reader can
// recognize records that belong to a log file that has since been recycled.
//
// A Writer is not safe for concurrent use; callers serialize access to it
// (the store's WAL worker goroutine owns it exclusively).
type Writer struct {
	file      *os.File
	logNumber uint64
	numBlock  int
	blockOff  int
	maxSize   int
	syncedOff int
}

// NewWriter opens a Writer appending to file starting at initialOffset,
// capped at maxFileSize bytes.
func NewWriter(file *os.File, logNumber uint64, initialOffset, maxFileSize int) (*Writer, error) {
	if initialOffset > maxFileSize {
		return nil, errors.Errorf("logfile: initial offset %d exceeds max file size %d", initialOffset, maxFileSize)
	}
	w := &Writer{
		file:      file,
		logNumber: logNumber,
		numBlock:  initialOffset / MaxBlockSize,
		blockOff:  initialOffset % MaxBlockSize,
		maxSize:   maxFileSize,
		syncedOff: initialOffset - (initialOffset % PageSize),
	}
	if _, err := file.Seek(int64(initialOffset), 0); err != nil {
		return nil, errors.Wrap(err, "logfile: seek to initial offset")
	}
	if w.blockOff+RecordHeaderSize > MaxBlockSize {
		if err := w.switchBlock(false); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// LogNumber returns the 64-bit log number this writer is appending to.
func (w *Writer) LogNumber() uint64 { return w.logNumber }

// ConsumedBytes returns the number of logical bytes written so far.
func (w *Writer) ConsumedBytes() int { return w.numBlock*MaxBlockSize + w.blockOff }

// AvailSpace returns how many more content bytes can be appended before the
// file hits maxFileSize.
func (w *Writer) AvailSpace() int {
	avail := w.maxSize - w.ConsumedBytes() - RecordHeaderSize
	if avail < 0 {
		return 0
	}
	return avail
}

// AddRecord frames content as one or more physical records and appends them,
// splitting across block boundaries as Head/Mid/Tail fragments.
func (w *Writer) AddRecord(content []byte) error {
	if MaxBlockSize-w.blockOff == RecordHeaderSize && len(content) > 0 {
		if err := w.switchBlock(false); err != nil {
			return err
		}
	}

	consumed := 0
	for {
		free := MaxBlockSize - w.blockOff
		left := len(content) - consumed
		size := free - RecordHeaderSize
		if size > left {
			size = left
		}
		payload := content[consumed : consumed+size]
		kind := RecordMid
		switch {
		case size == len(content):
			kind = RecordFull
		case consumed == 0:
			kind = RecordHead
		case consumed+size == len(content):
			kind = RecordTail
		}

		if err := w.writeRecord(kind, payload); err != nil {
			return err
		}
		consumed += size
		w.blockOff += RecordHeaderSize + size

		if w.blockOff+RecordHeaderSize > MaxBlockSize {
			if err := w.switchBlock(true); err != nil {
				return err
			}
		}
		if kind == RecordTail || kind == RecordFull {
			break
		}
	}
	return nil
}

// writeRecord writes one physical record: header then payload.
func (w *Writer) writeRecord(kind RecordKind, payload []byte) error {
	header := encodeHeader(kind, byte(w.logNumber), uint16(len(payload)), crc32.ChecksumIEEE(payload))
	if _, err := w.file.Write(header); err != nil {
		return errors.Wrap(err, "logfile: write record header")
	}
	if len(payload) > 0 {
		if _, err := w.file.Write(payload); err != nil {
			return errors.Wrap(err, "logfile: write record payload")
		}
	}
	return nil
}

func encodeHeader(kind RecordKind, logGen byte, length uint16, crc uint32) []byte {
	h := make([]byte, RecordHeaderSize)
	h[0] = byte(kind)
	h[1] = logGen
	h[2] = byte(length)
	h[3] = byte(length >> 8)
	h[4] = byte(crc)
	h[5] = byte(crc >> 8)
	h[6] = byte(crc >> 16)
	h[7] = byte(crc >> 24)
	return h
}

// Flush fdatasyncs any bytes written since the last synced offset.
func (w *Writer) Flush(syncData bool) error {
	if !syncData {
		return nil
	}
	offset := w.ConsumedBytes()
	if w.syncedOff == offset {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrap(err, "logfile: fdatasync")
	}
	w.syncedOff = offset
	return nil
}

func (w *Writer) switchBlock(syncData bool) error {
	avail := MaxBlockSize - w.blockOff
	if avail < RecordHeaderSize {
		if _, err := w.file.Write(make([]byte, avail)); err != nil {
			return errors.Wrap(err, "logfile: pad trailing block header")
		}
	} else if err := w.addZeroRecord(avail - RecordHeaderSize); err != nil {
		return err
	}
	w.blockOff = 0
	w.numBlock++

	if syncData {
		size := w.numBlock * MaxBlockSize
		if w.syncedOff+PageSize <= size {
			if err := w.file.Sync(); err != nil {
				return errors.Wrap(err, "logfile: fdatasync on block switch")
			}
			w.syncedOff = size - (size % PageSize)
		}
	}
	return nil
}

func (w *Writer) addZeroRecord(size int) error {
	if err := w.writeRecord(RecordZero, make([]byte, size)); err != nil {
		return err
	}
	w.blockOff += RecordHeaderSize + size
	return nil
}

// Close pads the last partial block so recovery recognizes the tail, then
// flushes.
func (w *Writer) Close() error {
	if w.blockOff > 0 {
		if err := w.switchBlock(false); err != nil {
			return err
		}
	}
	return w.Flush(true)
}

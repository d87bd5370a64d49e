package logfile

import (
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrBadRecord is returned by Reader.ReadRecord when a physical record fails
// its CRC or has an invalid length, and paranoid checks are enabled.
var ErrBadRecord = errors.New("logfile: corrupt record")

// Reader reassembles logical records from the block framing Writer produces,
// grounded on original_source's LogReader: it buffers one block at a time,
// walks Head/Mid/Tail fragments, and stops cleanly (not an error) at a
// truncated trailing record.
type Reader struct {
	file      *os.File
	logNumber uint64
	paranoid  bool

	eof      bool
	buf      []byte
	bufStart int
	bufSize  int
	blockOff int // offset of the start of buf within the file, block-aligned
}

// NewReader opens a Reader over file, which must belong to logNumber.
// paranoid controls whether a bad CRC or length is fatal (true) or treated
// as end-of-log (false), per spec.md §4.1 "Bad CRC or bad length mid-file is
// fatal unless paranoid_checks=false."
func NewReader(file *os.File, logNumber uint64, paranoid bool) (*Reader, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "logfile: seek reader to start")
	}
	return &Reader{
		file:      file,
		logNumber: logNumber,
		paranoid:  paranoid,
		buf:       make([]byte, MaxBlockSize),
	}, nil
}

// ReadRecord returns the next logical record, or (nil, nil) at a clean
// end-of-log (including a truncated trailing fragment, which is not an
// error per spec.md §4.1).
func (r *Reader) ReadRecord() ([]byte, error) {
	var (
		content     []byte
		fragmenting bool
	)
	for {
		kind, payload, err := r.readPhysical()
		if err != nil {
			return nil, err
		}
		if kind == RecordZero && payload == nil {
			// Signals a clean stop (short header at EOF, or a record
			// belonging to a since-recycled generation of this log number).
			return nil, nil
		}
		switch kind {
		case RecordFull:
			if fragmenting {
				return nil, errors.New("logfile: full record found mid-fragment")
			}
			return payload, nil
		case RecordHead:
			if fragmenting {
				return nil, errors.New("logfile: head record found mid-fragment")
			}
			fragmenting = true
			content = append(content, payload...)
		case RecordMid:
			if !fragmenting {
				return nil, errors.New("logfile: mid record without head")
			}
			content = append(content, payload...)
		case RecordTail:
			if !fragmenting {
				return nil, errors.New("logfile: tail record without head")
			}
			content = append(content, payload...)
			return content, nil
		case RecordZero, RecordPageAlign:
			continue
		default:
			return nil, errors.Errorf("logfile: unknown record kind %d", kind)
		}
	}
}

// readPhysical reads one physical record. A (RecordZero, nil, nil) result
// with no error signals a clean stop.
func (r *Reader) readPhysical() (RecordKind, []byte, error) {
	for {
		if r.bufSize-r.bufStart < RecordHeaderSize {
			if r.eof {
				return RecordZero, nil, nil
			}
			if err := r.fillBuffer(); err != nil {
				return 0, nil, err
			}
			continue
		}

		hdr := r.buf[r.bufStart : r.bufStart+RecordHeaderSize]
		kind := RecordKind(hdr[0])
		if kind == RecordPageAlign {
			next := (r.blockOff + r.bufStart + PageSize) &^ (PageSize - 1)
			rel := next - r.blockOff
			if rel > r.bufSize {
				return RecordZero, nil, nil
			}
			r.bufStart = rel
			continue
		}

		logGen := hdr[1]
		if uint64(logGen) < (r.logNumber & 0xff) {
			// Record belongs to a generation of this log number that has
			// since been recycled; nothing useful remains.
			return RecordZero, nil, nil
		}
		length := int(hdr[2]) | int(hdr[3])<<8
		crc := uint32(hdr[4]) | uint32(hdr[5])<<8 | uint32(hdr[6])<<16 | uint32(hdr[7])<<24

		total := RecordHeaderSize + length
		if r.bufStart+total > r.bufSize {
			if !r.eof {
				if r.paranoid {
					return 0, nil, errors.Wrap(ErrBadRecord, "truncated record length mid-file")
				}
				return RecordZero, nil, nil
			}
			// Truncated trailing record at EOF: not an error.
			return RecordZero, nil, nil
		}

		payload := r.buf[r.bufStart+RecordHeaderSize : r.bufStart+total]
		r.bufStart += total
		if kind == RecordZero {
			continue
		}
		if crc32.ChecksumIEEE(payload) != crc {
			if r.paranoid {
				return 0, nil, errors.Wrap(ErrBadRecord, "bad crc32")
			}
			return RecordZero, nil, nil
		}
		out := make([]byte, len(payload))
		copy(out, payload)
		return kind, out, nil
	}
}

func (r *Reader) fillBuffer() error {
	r.blockOff += r.bufStart
	remaining := r.bufSize - r.bufStart
	copy(r.buf, r.buf[r.bufStart:r.bufSize])
	r.bufStart = 0
	r.bufSize = remaining

	for r.bufSize < MaxBlockSize {
		n, err := r.file.Read(r.buf[r.bufSize:])
		if n > 0 {
			r.bufSize += n
		}
		if err == io.EOF || n == 0 {
			r.eof = true
			break
		}
		if err != nil {
			return errors.Wrap(err, "logfile: read block")
		}
	}
	return nil
}

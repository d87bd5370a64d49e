// Package logfile implements the on-disk framing shared by the store's log
// files and its manifest: 32 KiB blocks of 8-byte-headered records, the same
// physical layout leveldb-family engines use and the one
// original_source/src/runtime/src/storage/log/logwriter.rs encodes directly.
package logfile

const (
	// MaxBlockSize is the physical block size records are packed into.
	MaxBlockSize = 32 * 1024
	// PageSize is the alignment boundary fdatasync ranges are rounded to.
	PageSize = 4 * 1024
	// RecordHeaderSize is kind(1) + recycled-log generation byte(1) +
	// length(2 LE) + crc32(4 LE). spec.md §4.1 describes the header as
	// "{crc32:4, length:2, record_type:1} and a recycled-log generation
	// marker in the low byte of the log number"; original_source's
	// logwriter.rs/logreader.rs (the system this spec distills) encode that
	// marker as an eighth header byte carrying the log number's low byte, and
	// recovery depends on reading it per-record to recognize entries from a
	// recycled log file. This implementation follows original_source.
	RecordHeaderSize = 8

	// MaxDescriptorFileSize bounds a single MANIFEST-<n> file before it
	// rolls to a new one.
	MaxDescriptorFileSize = 2 * 1024 * 1024
)

// RecordKind tags a physical record's role in reassembling a logical record
// that may span multiple blocks.
type RecordKind uint8

const (
	RecordZero      RecordKind = 0
	RecordFull      RecordKind = 1
	RecordHead      RecordKind = 2
	RecordMid       RecordKind = 3
	RecordTail      RecordKind = 4
	RecordPageAlign RecordKind = 5
)

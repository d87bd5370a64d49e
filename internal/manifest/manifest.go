package manifest

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	atomicfile "github.com/natefinch/atomic"
	"github.com/pkg/errors"

	"github.com/streamhouse-io/streamhouse/internal/logfile"
)

// MaxDescriptorFileSize bounds a MANIFEST-<n> file before VersionSet rolls
// to a fresh one, matching original_source's MAX_DESCRIPTOR_FILE_SIZE.
const MaxDescriptorFileSize = logfile.MaxDescriptorFileSize

// FileType classifies a name under a Store's base directory, mirroring
// original_source/storage/util.rs's parse_file_name.
type FileType int

const (
	FileUnknown FileType = iota
	FileCurrent
	FileManifest
	FileLog
	FileTemp
)

// ParseFileName classifies name (the base name only, no directory) and
// extracts its embedded file number where one exists.
func ParseFileName(name string) (FileType, uint64) {
	switch {
	case name == "CURRENT":
		return FileCurrent, 0
	case strings.HasPrefix(name, "MANIFEST-"):
		n, err := strconv.ParseUint(strings.TrimPrefix(name, "MANIFEST-"), 10, 64)
		if err != nil {
			return FileUnknown, 0
		}
		return FileManifest, n
	case strings.HasSuffix(name, ".log"):
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			return FileUnknown, 0
		}
		return FileLog, n
	case strings.HasSuffix(name, ".tmp"):
		return FileTemp, 0
	default:
		return FileUnknown, 0
	}
}

// CurrentPath, ManifestPath, LogPath and TempPath name the files a VersionSet
// and its Store manage under baseDir.
func CurrentPath(baseDir string) string { return filepath.Join(baseDir, "CURRENT") }

func ManifestPath(baseDir string, number uint64) string {
	return filepath.Join(baseDir, fmt.Sprintf("MANIFEST-%06d", number))
}

func LogPath(baseDir string, number uint64) string {
	return filepath.Join(baseDir, fmt.Sprintf("%09d.log", number))
}

func TempPath(baseDir string, number uint64) string {
	return filepath.Join(baseDir, fmt.Sprintf("%09d.tmp", number))
}

// VersionSet owns a Store's durable segment catalog: the in-memory Version,
// the manifest file it is logged to, and file-number allocation. It
// generalizes original_source's VersionSet (one stream's Version) to a
// Store holding many streams.
type VersionSet struct {
	mu sync.Mutex

	baseDir        string
	writer         *logfile.Writer
	manifestFile   *os.File
	manifestNumber uint64
	nextFileNumber uint64

	version *Version
}

// Create initializes a fresh manifest in baseDir (an empty Version,
// MANIFEST-000001, CURRENT pointing at it) for a brand-new Store.
func Create(baseDir string) error {
	v := newVersion()
	return writeNewManifest(baseDir, v, 1)
}

// Recover opens the manifest CURRENT points at, replays its edits into a
// Version, and returns a VersionSet positioned to append further edits.
func Recover(baseDir string) (*VersionSet, error) {
	manifestName, err := readCurrent(baseDir)
	if err != nil {
		return nil, err
	}
	typ, number := ParseFileName(manifestName)
	if typ != FileManifest {
		return nil, errors.Errorf("manifest: CURRENT names non-manifest file %q", manifestName)
	}

	path := filepath.Join(baseDir, manifestName)
	edits, size, err := readManifestEdits(path)
	if err != nil {
		return nil, err
	}
	version := buildVersion(edits)

	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "manifest: reopen current manifest for append")
	}
	writer, err := logfile.NewWriter(file, 0, size, MaxDescriptorFileSize)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &VersionSet{
		baseDir:        baseDir,
		writer:         writer,
		manifestFile:   file,
		manifestNumber: number,
		version:        version,
	}, nil
}

// Close releases the underlying manifest file handle.
func (vs *VersionSet) Close() error {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if vs.manifestFile == nil {
		return nil
	}
	err := vs.manifestFile.Close()
	vs.manifestFile = nil
	return err
}

// ManifestNumber returns the file number of the manifest currently in use.
func (vs *VersionSet) ManifestNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.manifestNumber
}

// SetNextFileNumber records the smallest file number safe to allocate next,
// established during recovery by scanning the base directory.
func (vs *VersionSet) SetNextFileNumber(n uint64) {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if n > vs.nextFileNumber {
		vs.nextFileNumber = n
	}
}

// NextFileNumber allocates and returns the next unused file number.
func (vs *VersionSet) NextFileNumber() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.nextFileNumber++
	return vs.nextFileNumber
}

// Current returns a private snapshot of the live Version, safe to read
// without further locking.
func (vs *VersionSet) Current() *Version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.version.applyEdits()
	return vs.version.Clone()
}

// LogAndApply durably appends ve to the manifest, rolling to a fresh
// MANIFEST file first if the current one has no room, then folds it into
// the live Version. Mirrors VersionSetCore::log_and_apply.
func (vs *VersionSet) LogAndApply(ve VersionEdit) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	content := encodeEdit(ve)
	if vs.writer.AvailSpace() < len(content) {
		if err := vs.roll(); err != nil {
			return err
		}
	}
	if err := vs.writer.AddRecord(content); err != nil {
		return err
	}
	if err := vs.writer.Flush(true); err != nil {
		return err
	}
	vs.version.installEdit(ve)
	vs.version.applyEdits()
	return nil
}

// roll closes out the current manifest file and starts a fresh one seeded
// with a full snapshot of the live Version, then atomically swings CURRENT
// to point at it.
func (vs *VersionSet) roll() error {
	vs.version.applyEdits()
	number := vs.nextFileNumber + 1
	vs.nextFileNumber = number

	if err := vs.writer.Close(); err != nil {
		return err
	}
	if vs.manifestFile != nil {
		vs.manifestFile.Close()
	}

	if err := writeNewManifest(vs.baseDir, vs.version, number); err != nil {
		return err
	}

	file, err := os.OpenFile(ManifestPath(vs.baseDir, number), os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "manifest: reopen rolled manifest")
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return errors.Wrap(err, "manifest: stat rolled manifest")
	}
	writer, err := logfile.NewWriter(file, 0, int(info.Size()), MaxDescriptorFileSize)
	if err != nil {
		file.Close()
		return err
	}

	vs.manifestFile = file
	vs.writer = writer
	vs.manifestNumber = number
	return nil
}

// writeNewManifest creates MANIFEST-<number> seeded with a snapshot of v and
// atomically swings CURRENT to name it, the Go counterpart of
// original_source's create_new_manifest + switch_current_file pair.
func writeNewManifest(baseDir string, v *Version, number uint64) error {
	path := ManifestPath(baseDir, number)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "manifest: create new manifest file")
	}
	defer file.Close()

	writer, err := logfile.NewWriter(file, 0, 0, MaxDescriptorFileSize)
	if err != nil {
		return err
	}
	if err := writer.AddRecord(encodeEdit(v.snapshot())); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	return switchCurrent(baseDir, number)
}

// switchCurrent atomically replaces CURRENT so it names MANIFEST-<number>,
// using the teacher's atomic-file-replace dependency so a crash mid-write
// never leaves CURRENT pointing at a half-written name.
func switchCurrent(baseDir string, number uint64) error {
	content := fmt.Sprintf("MANIFEST-%06d\n", number)
	return atomicfile.WriteFile(CurrentPath(baseDir), strings.NewReader(content))
}

func readCurrent(baseDir string) (string, error) {
	data, err := os.ReadFile(CurrentPath(baseDir))
	if err != nil {
		return "", errors.Wrap(err, "manifest: read CURRENT")
	}
	name := strings.TrimSpace(string(data))
	if name == "" {
		return "", errors.New("manifest: CURRENT file is empty")
	}
	return name, nil
}

// readManifestEdits replays every logged VersionEdit in a manifest file,
// returning them in order along with the file's size on disk, the offset at
// which the caller resumes appending.
func readManifestEdits(path string) ([]VersionEdit, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrap(err, "manifest: open manifest for replay")
	}
	defer file.Close()

	reader, err := logfile.NewReader(file, 0, true)
	if err != nil {
		return nil, 0, err
	}

	var edits []VersionEdit
	offset := 0
	for {
		rec, err := reader.ReadRecord()
		if err != nil {
			return nil, 0, errors.Wrap(err, "manifest: replay manifest record")
		}
		if rec == nil {
			break
		}
		ve, err := decodeEdit(rec)
		if err != nil {
			return nil, 0, err
		}
		edits = append(edits, ve)
		offset += logfile.RecordHeaderSize + len(rec)
	}

	info, err := file.Stat()
	if err != nil {
		return nil, 0, errors.Wrap(err, "manifest: stat manifest")
	}
	return edits, int(info.Size()), nil
}

// encodeEdit serializes a VersionEdit: segment count, each SegmentMeta fixed
// fields, an optional min-log-number, and recycled log numbers.
func encodeEdit(ve VersionEdit) []byte {
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ve.Segments)))
	for _, s := range ve.Segments {
		buf = binary.LittleEndian.AppendUint64(buf, s.StreamID)
		buf = binary.LittleEndian.AppendUint64(buf, s.SegmentID)
		buf = binary.LittleEndian.AppendUint32(buf, s.Epoch)
		buf = binary.LittleEndian.AppendUint32(buf, s.BaseIndex)
		buf = binary.LittleEndian.AppendUint32(buf, s.LastIndex)
		buf = binary.LittleEndian.AppendUint64(buf, s.LogNumber)
		if s.Sealed {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	if ve.MinLogNumber != nil {
		buf = append(buf, 1)
		buf = binary.LittleEndian.AppendUint64(buf, *ve.MinLogNumber)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ve.RecycledLogs)))
	for _, ln := range ve.RecycledLogs {
		buf = binary.LittleEndian.AppendUint64(buf, ln)
	}
	return buf
}

func decodeEdit(buf []byte) (VersionEdit, error) {
	var ve VersionEdit
	if len(buf) < 4 {
		return ve, errors.New("manifest: short buffer for segment count")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	const segmentMetaSize = 8 + 8 + 4 + 4 + 4 + 8 + 1 // StreamID..Sealed
	for i := uint32(0); i < count; i++ {
		if len(buf) < off+segmentMetaSize {
			return ve, errors.New("manifest: short buffer for segment meta")
		}
		s := SegmentMeta{
			StreamID:  binary.LittleEndian.Uint64(buf[off : off+8]),
			SegmentID: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
			Epoch:     binary.LittleEndian.Uint32(buf[off+16 : off+20]),
			BaseIndex: binary.LittleEndian.Uint32(buf[off+20 : off+24]),
			LastIndex: binary.LittleEndian.Uint32(buf[off+24 : off+28]),
			LogNumber: binary.LittleEndian.Uint64(buf[off+28 : off+36]),
			Sealed:    buf[off+36] != 0,
		}
		off += segmentMetaSize
		ve.Segments = append(ve.Segments, s)
	}
	if len(buf) < off+1 {
		return ve, errors.New("manifest: short buffer for min log number tag")
	}
	hasMin := buf[off] != 0
	off++
	if hasMin {
		if len(buf) < off+8 {
			return ve, errors.New("manifest: short buffer for min log number")
		}
		v := binary.LittleEndian.Uint64(buf[off : off+8])
		ve.MinLogNumber = &v
		off += 8
	}
	if len(buf) < off+4 {
		return ve, errors.New("manifest: short buffer for recycled log count")
	}
	rcount := binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	for i := uint32(0); i < rcount; i++ {
		if len(buf) < off+8 {
			return ve, errors.New("manifest: short buffer for recycled log number")
		}
		ve.RecycledLogs = append(ve.RecycledLogs, binary.LittleEndian.Uint64(buf[off:off+8]))
		off += 8
	}
	return ve, nil
}

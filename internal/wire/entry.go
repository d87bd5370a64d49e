package wire

import (
	"encoding/binary"
	"fmt"
)

// EntryKind tags the variant of a log Entry.
type EntryKind uint8

const (
	// KindHole marks a gap in the dense index sequence.
	KindHole EntryKind = 0
	// KindEvent carries an application payload produced under a writer epoch.
	KindEvent EntryKind = 1
	// KindBridge marks the end of a logical segment at recovery.
	KindBridge EntryKind = 2
)

func (k EntryKind) String() string {
	switch k {
	case KindHole:
		return "Hole"
	case KindEvent:
		return "Event"
	case KindBridge:
		return "Bridge"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// Entry is a single log record: a Hole, an Event carrying a payload produced
// under Epoch, or a Bridge sentinel that terminates a segment during
// recovery.
type Entry struct {
	Kind    EntryKind
	Epoch   uint32
	Payload []byte // only meaningful for KindEvent
}

// Hole builds a Hole entry for the given writer epoch.
func Hole(epoch uint32) Entry { return Entry{Kind: KindHole, Epoch: epoch} }

// Event builds an Event entry.
func Event(epoch uint32, payload []byte) Entry {
	return Entry{Kind: KindEvent, Epoch: epoch, Payload: payload}
}

// Bridge builds a Bridge sentinel entry.
func Bridge(epoch uint32) Entry { return Entry{Kind: KindBridge, Epoch: epoch} }

// Equal reports whether two entries carry the same tag, epoch and payload.
// Used to detect Corruption when a write re-sends an index that already
// exists in the segment buffer with different content.
func (e Entry) Equal(o Entry) bool {
	if e.Kind != o.Kind || e.Epoch != o.Epoch {
		return false
	}
	if e.Kind != KindEvent {
		return true
	}
	if len(e.Payload) != len(o.Payload) {
		return false
	}
	for i := range e.Payload {
		if e.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}

// EncodedLen returns the number of bytes Encode will produce for e.
func (e Entry) EncodedLen() int {
	switch e.Kind {
	case KindEvent:
		return 1 + 4 + 4 + len(e.Payload)
	default:
		return 1 + 4
	}
}

// Encode appends the wire encoding of e to buf and returns the result.
//
// Layout: tag(1) epoch(4 LE) [len(4 LE) payload(len)]
func (e Entry) Encode(buf []byte) []byte {
	buf = append(buf, byte(e.Kind))
	buf = binary.LittleEndian.AppendUint32(buf, e.Epoch)
	if e.Kind == KindEvent {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(e.Payload)))
		buf = append(buf, e.Payload...)
	}
	return buf
}

// DecodeEntry decodes a single Entry from the front of buf, returning the
// entry and the number of bytes consumed.
func DecodeEntry(buf []byte) (Entry, int, error) {
	if len(buf) < 5 {
		return Entry{}, 0, fmt.Errorf("wire: short buffer for entry header: %d bytes", len(buf))
	}
	kind := EntryKind(buf[0])
	epoch := binary.LittleEndian.Uint32(buf[1:5])
	switch kind {
	case KindHole, KindBridge:
		return Entry{Kind: kind, Epoch: epoch}, 5, nil
	case KindEvent:
		if len(buf) < 9 {
			return Entry{}, 0, fmt.Errorf("wire: short buffer for event length: %d bytes", len(buf))
		}
		n := binary.LittleEndian.Uint32(buf[5:9])
		end := 9 + int(n)
		if len(buf) < end {
			return Entry{}, 0, fmt.Errorf("wire: short buffer for event payload: need %d, have %d", end, len(buf))
		}
		payload := make([]byte, n)
		copy(payload, buf[9:end])
		return Entry{Kind: KindEvent, Epoch: epoch, Payload: payload}, end, nil
	default:
		return Entry{}, 0, fmt.Errorf("wire: invalid entry kind byte %d", kind)
	}
}

// EncodeEntries encodes a length-prefixed list of entries: count(4 LE)
// followed by each entry's encoding.
func EncodeEntries(entries []Entry) []byte {
	size := 4
	for _, e := range entries {
		size += e.EncodedLen()
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for _, e := range entries {
		buf = e.Encode(buf)
	}
	return buf
}

// DecodeEntries decodes a length-prefixed list of entries produced by
// EncodeEntries, returning the entries and bytes consumed.
func DecodeEntries(buf []byte) ([]Entry, int, error) {
	if len(buf) < 4 {
		return nil, 0, fmt.Errorf("wire: short buffer for entry count")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	off := 4
	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		e, n, err := DecodeEntry(buf[off:])
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
		off += n
	}
	return entries, off, nil
}

// Package wire defines the on-wire and on-disk contract shared by the store
// and the stream state machine: entries, mutate requests and responses, and
// the binary framing they're encoded with.
package wire

import "fmt"

// Sequence is a total-ordered, 64-bit value composed of a writer epoch and a
// dense within-segment index: (epoch:u32 << 32) | index:u32.
type Sequence uint64

// NewSequence packs an epoch and index into a Sequence.
func NewSequence(epoch, index uint32) Sequence {
	return Sequence(uint64(epoch)<<32 | uint64(index))
}

// Epoch returns the writer epoch component.
func (s Sequence) Epoch() uint32 {
	return uint32(s >> 32)
}

// Index returns the dense index component.
func (s Sequence) Index() uint32 {
	return uint32(s)
}

// Less reports whether s orders before o.
func (s Sequence) Less(o Sequence) bool {
	return s < o
}

func (s Sequence) String() string {
	return fmt.Sprintf("(epoch=%d, index=%d)", s.Epoch(), s.Index())
}

package streamclient

import "github.com/streamhouse-io/streamhouse/internal/wire"

// Inbound signals drive the actor loop's select, per spec.md §4.2's
// "Inbound signals" list.

// Received reports a store's response to a prior Write.
type Received struct {
	Replica      string
	MatchedIndex uint32
	AckedIndex   uint32
}

// Sealed reports a store's response to a prior Seal.
type Sealed struct {
	Replica    string
	AckedIndex uint32
}

// Timeout fires when a network deadline elapses for a range sent to a
// replica; the range becomes eligible for retransmission.
type Timeout struct {
	Replica    string
	FirstIndex uint32
	Count      uint32
}

// Learned delivers entries fetched from a peer during recovery.
type Learned struct {
	Replica string
	Entries []wire.Entry
	Start   uint32
}

// Rejected is a terminal transition: a replica refused a request (typically
// Staled), ending the state machine's attempt to lead this epoch.
type Rejected struct {
	Replica string
	Err     error
}

// Recovered is a terminal transition: recovery completed and the bridge was
// acked by a quorum. NewEpoch becomes both the state machine's epoch and
// its fresh segment's epoch; TargetIndex is the last index the bridge
// froze the tail at.
type Recovered struct {
	NewEpoch    uint32
	TargetIndex uint32
}

// inbound is the sum type accepted on the actor's signal channel. done, if
// set, is closed once the actor loop has finished handling the signal —
// used by callers (Recover) that need the state transition to be visible
// before they return.
type inbound struct {
	received  *Received
	sealed    *Sealed
	timeout   *Timeout
	learned   *Learned
	rejected  *Rejected
	recovered *Recovered
	done      chan struct{}
}

// Outbound messages, per spec.md §4.2's "Outbound messages" list. These are
// produced by the actor loop and consumed by a Transport implementation
// that actually talks to remote stores/peers — wiring a real network
// listener is explicitly out of scope (spec.md's Non-goals), so Transport
// is the seam a caller plugs a gRPC client, an in-process store, or a test
// double into.

// WriteMutate asks a replica to apply a Write mutation.
type WriteMutate struct {
	Replica      string
	WriterEpoch  uint32
	SegmentEpoch uint32
	AckedSeq     wire.Sequence
	FirstIndex   uint32
	Entries      []wire.Entry
}

// SealMutate asks a replica to apply a Seal mutation.
type SealMutate struct {
	Replica      string
	WriterEpoch  uint32
	SegmentEpoch uint32
}

// Learn asks a replica to return entries starting at StartIndex from the
// segment named by SegmentEpoch, used during recovery to fill gaps before
// freezing the tail with a Bridge.
type Learn struct {
	Replica      string
	SegmentEpoch uint32
	StartIndex   uint32
}

// Heartbeat is the report of this state machine's epoch and role to the
// coordinator, by which a timed-out leader can be detected. The
// StateMachine does not send it itself.
type Heartbeat struct {
	StreamID uint64
	Epoch    uint32
	Role     Role
}

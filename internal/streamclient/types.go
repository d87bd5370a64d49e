// Package streamclient implements the client-side stream state machine:
// spec.md §4.2. One StateMachine drives replication of a single stream's
// active segment across its copy-set as a single-threaded actor — a
// goroutine reading a bounded channel, mirroring the "dedicated thread per
// stream + a bounded channel" contract in spec.md §9's async/actor note.
// Grounded on the teacher's commitLog (closed-channel lifecycle, waiter
// notification via buffered channels in notifyHWChange/waitForHW) and
// original_source/src/runtime/src/stream/client/core/message.rs's message
// taxonomy, adapted from Rust async tasks to goroutines.
package streamclient

import (
	"time"

	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// Role is the state machine's current position in the stream's replication
// topology.
type Role uint8

const (
	Follower Role = iota
	Leader
	Recovering
)

func (r Role) String() string {
	switch r {
	case Leader:
		return "Leader"
	case Recovering:
		return "Recovering"
	default:
		return "Follower"
	}
}

// ReplicaProgress tracks one copy-set member's observed replication state.
type ReplicaProgress struct {
	MatchedIndex uint32
	InFlight     bool
	LastActive   time.Time
}

// State is the state machine's full in-memory position, per spec.md §4.2.
type State struct {
	Epoch        uint32
	Role         Role
	SegmentEpoch uint32
	CopySet      []string
	Progress     map[string]*ReplicaProgress

	// PendingWindow holds appended-but-not-yet-fully-acked entries, keyed by
	// their dense index, so replicas lagging behind can be resent their
	// range without re-consulting the application.
	PendingWindow map[uint32]wire.Entry

	AckedSeq  wire.Sequence
	NextIndex uint32
}

func newState(segmentEpoch uint32, copySet []string) *State {
	progress := make(map[string]*ReplicaProgress, len(copySet))
	for _, r := range copySet {
		progress[r] = &ReplicaProgress{}
	}
	return &State{
		SegmentEpoch:  segmentEpoch,
		CopySet:       append([]string(nil), copySet...),
		Progress:      progress,
		PendingWindow: make(map[uint32]wire.Entry),
		NextIndex:     1,
	}
}

// quorumSize returns the smallest number of copy-set members whose
// acknowledgment constitutes a quorum (a strict majority).
func quorumSize(copySetLen int) int {
	return copySetLen/2 + 1
}

// Package coordinator is the master-side registry of spec.md §4.3: it owns
// tenants, streams and their segment lineages, accepts heartbeats from
// observers (stream state machines) and decides when to roll a stream's
// epoch and promote a new leader. It is grounded on the teacher's
// server/metadata.go metadataAPI — a single mutex-guarded map of live
// objects, idempotent membership operations (AddToISR/RemoveFromISR here
// becomes heartbeat-driven progress tracking), and electNewPartitionLeader's
// deterministic candidate-then-select shape (here: ThresholdSwitching).
package coordinator

import "time"

// Role mirrors streamclient.Role for the wire between coordinator and
// observer: the coordinator never imports streamclient, so it keeps its own
// copy of the vocabulary.
type Role uint8

const (
	RoleFollower Role = iota
	RoleLeader
	RoleRecovering
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleRecovering:
		return "recovering"
	default:
		return "follower"
	}
}

// SegmentDesc describes one segment in a stream's lineage, the unit
// returned by GetSegment and embedded in Promote commands.
type SegmentDesc struct {
	StreamID     uint64
	SegmentEpoch uint32
	CopySet      []string
	Sealed       bool
}

// ObserverState is the self-reported progress an observer attaches to its
// heartbeat, per spec.md §4.3's heartbeat(..., observer_state, acked_seq,
// role) signature.
type ObserverState struct {
	ObserverID  string
	AckedIndex  uint32
	MatchedSeq  uint32
	Role        Role
	WriterEpoch uint32
}

// Command is something the coordinator tells an observer to do in response
// to its heartbeat. Promote is the only variant spec.md §6 names.
type Command struct {
	Promote *Promote
}

// Promote tells an observer its new role for the stream's current epoch.
// On a switch, the observer whose heartbeat triggered it gets one in the
// reply (RoleLeader if it won, RoleFollower otherwise); every other
// observer, whose heartbeat epoch is then stale, gets one carrying the
// current epoch and its role in reply to its next heartbeat.
type Promote struct {
	Epoch        uint32
	Role         Role
	Leader       string
	PendingEpoch uint32 // segment epoch the new leader must recover into
}

// Stream is a stream's coordinator-side bookkeeping: identity, current
// epoch, copy-set and the per-observer progress used to decide switches.
type Stream struct {
	ID          uint64
	TenantID    string
	Epoch       uint32
	CopySet     []string
	Leader      string
	observers   map[string]*observerRecord
	pendingEpoch uint32
}

type observerRecord struct {
	state      ObserverState
	lastBeat   time.Time
}

// Tenant groups streams the way the teacher's Server groups streams by
// name; here tenants are the coarser-grained namespace spec.md's data model
// names as a stream's parent.
type Tenant struct {
	ID      string
	Streams map[uint64]*Stream
}

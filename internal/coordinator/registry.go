package coordinator

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamhouse-io/streamhouse/internal/logger"
	"github.com/streamhouse-io/streamhouse/internal/storeerr"
)

// Coordinator is the master-side registry described by spec.md §4.3: it
// tracks tenants and their streams, accepts heartbeats and decides epoch
// rolls through a pluggable SwitchPolicy. One Coordinator instance owns the
// whole tenant/stream namespace, the way a single metadataAPI instance owns
// every stream on the teacher's metadata leader.
type Coordinator struct {
	mu      sync.Mutex
	tenants map[string]*Tenant
	streams map[uint64]*Stream
	policy  SwitchPolicy
	log     logger.Logger
}

// New builds a Coordinator. A nil policy defaults to ThresholdSwitching
// with spec.md §4.3's constants; a nil log discards everything.
func New(policy SwitchPolicy, log logger.Logger) *Coordinator {
	if policy == nil {
		policy = NewThresholdSwitching(DefaultNumThreshold, 10*time.Second)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Coordinator{
		tenants: make(map[string]*Tenant),
		streams: make(map[uint64]*Stream),
		policy:  policy,
		log:     log,
	}
}

// CreateTenant registers a new tenant namespace. AlreadyExists if id is
// already taken, matching the teacher's ErrStreamExists shape.
func (c *Coordinator) CreateTenant(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tenants[id]; ok {
		return storeerr.AlreadyExists("coordinator: tenant " + id + " already exists")
	}
	c.tenants[id] = &Tenant{ID: id, Streams: make(map[uint64]*Stream)}
	return nil
}

// CreateStream registers a new stream under tenantID with the given
// copy-set, minting a stream id and returning it. The stream starts at
// epoch 0 with no leader; the first heartbeat seats its observer as leader
// without a Promote, and the first switch the policy calls for (threshold
// crossing or leader timeout) rolls the epoch and answers with one.
func (c *Coordinator) CreateStream(tenantID string, copySet []string) (uint64, error) {
	if len(copySet) == 0 {
		return 0, storeerr.InvalidArgument("coordinator: stream needs a non-empty copy set")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tenant, ok := c.tenants[tenantID]
	if !ok {
		return 0, storeerr.NotFound("coordinator: tenant " + tenantID + " not found")
	}
	id := mintStreamID()
	stream := &Stream{
		ID:        id,
		TenantID:  tenantID,
		CopySet:   append([]string(nil), copySet...),
		observers: make(map[string]*observerRecord),
	}
	tenant.Streams[id] = stream
	c.streams[id] = stream
	return id, nil
}

// mintStreamID derives a stream id from a fresh UUID's low 64 bits; the
// odds of a collision inside one coordinator's lifetime are the same odds
// as any other UUID-keyed identity scheme.
func mintStreamID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[8:16])
}

// DeleteStream removes a stream and all its coordinator-side bookkeeping.
func (c *Coordinator) DeleteStream(streamID uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stream, ok := c.streams[streamID]
	if !ok {
		return storeerr.NotFound("coordinator: stream not found")
	}
	if tenant, ok := c.tenants[stream.TenantID]; ok {
		delete(tenant.Streams, streamID)
	}
	delete(c.streams, streamID)
	return nil
}

// GetSegment returns the descriptor for a stream's segment at epoch, per
// spec.md §6's get_segment(stream_id, segment_epoch) -> SegmentDesc. Only
// the current epoch is tracked; anything older is NotFound since the
// coordinator doesn't retain sealed-epoch history beyond what the stream
// struct needs to answer heartbeats.
func (c *Coordinator) GetSegment(streamID uint64, segmentEpoch uint32) (SegmentDesc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stream, ok := c.streams[streamID]
	if !ok {
		return SegmentDesc{}, storeerr.NotFound("coordinator: stream not found")
	}
	if segmentEpoch != stream.Epoch {
		return SegmentDesc{}, storeerr.NotFound("coordinator: segment epoch not current")
	}
	return SegmentDesc{
		StreamID:     streamID,
		SegmentEpoch: stream.Epoch,
		CopySet:      append([]string(nil), stream.CopySet...),
	}, nil
}

// SealSegment accepts a seal of a stream's segment. Sealing the current
// epoch records it as the stream's pending epoch, which later re-sync
// Promote commands carry; sealing an older epoch is a no-op success, and
// repeating either is idempotent. An epoch ahead of current is
// InvalidArgument. No per-segment sealed flag is kept: GetSegment always
// reports Sealed as false.
func (c *Coordinator) SealSegment(streamID uint64, segmentEpoch uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stream, ok := c.streams[streamID]
	if !ok {
		return storeerr.NotFound("coordinator: stream not found")
	}
	if segmentEpoch > stream.Epoch {
		return storeerr.InvalidArgument("coordinator: cannot seal an epoch ahead of current")
	}
	// Sealing only has an observable effect on the current epoch; older
	// epochs are already implicitly sealed by the epoch having moved on.
	if segmentEpoch == stream.Epoch {
		stream.pendingEpoch = stream.Epoch
	}
	return nil
}

// Heartbeat is spec.md §4.3's heartbeat(observer_id, stream_id, writer_epoch,
// observer_state, acked_seq, role) -> commands[]. It rejects heartbeats
// whose writer epoch is ahead of the stream (InvalidArgument: an observer
// claiming an epoch the coordinator never issued), replies with an
// idempotent re-sync Promote for stale epochs, records progress for
// current-epoch heartbeats, and asks the switching policy whether this
// heartbeat should trigger a leader switch.
func (c *Coordinator) Heartbeat(streamID uint64, writerEpoch uint32, state ObserverState, now time.Time) ([]Command, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stream, ok := c.streams[streamID]
	if !ok {
		return nil, storeerr.NotFound("coordinator: stream not found")
	}
	if writerEpoch > stream.Epoch {
		return nil, storeerr.InvalidArgument("coordinator: heartbeat epoch ahead of stream epoch")
	}
	if writerEpoch < stream.Epoch {
		return []Command{{Promote: &Promote{
			Epoch:        stream.Epoch,
			Role:         roleFor(stream, state.ObserverID),
			Leader:       stream.Leader,
			PendingEpoch: stream.pendingEpoch,
		}}}, nil
	}

	state.WriterEpoch = writerEpoch
	rec, known := stream.observers[state.ObserverID]
	if !known {
		rec = &observerRecord{}
		stream.observers[state.ObserverID] = rec
	}
	rec.state = state
	rec.lastBeat = now

	if !c.policy.ShouldSwitch(stream, state, now) {
		if stream.Leader == "" {
			// No leader yet and the switching policy isn't ready to call
			// one: seat this observer provisionally without bumping the
			// epoch or announcing anything, the same as a single-replica
			// stream just starting up.
			stream.Leader = state.ObserverID
		}
		return nil, nil
	}
	return c.switchLeader(stream, state.ObserverID, now), nil
}

// switchLeader rolls the stream's epoch and returns the Promote command for
// the observer whose heartbeat triggered the switch: RoleLeader with the
// segment it must recover into if it won, RoleFollower at the new epoch
// otherwise. Every other observer gets its Promote in reply to its next
// heartbeat, whose epoch is then stale. Under a ThresholdSwitching policy,
// observers whose last heartbeat is older than its HeartbeatTimeout are not
// candidates.
func (c *Coordinator) switchLeader(stream *Stream, reporting string, now time.Time) []Command {
	var ttl time.Duration
	if ts, ok := c.policy.(*ThresholdSwitching); ok {
		ttl = ts.HeartbeatTimeout
	}
	candidates := make([]ObserverState, 0, len(stream.observers))
	for _, rec := range stream.observers {
		if ttl > 0 && now.Sub(rec.lastBeat) > ttl {
			continue
		}
		candidates = append(candidates, rec.state)
	}
	leader := c.policy.SelectLeader(candidates)
	if leader == "" {
		return nil
	}

	oldEpoch := stream.Epoch
	stream.Epoch++
	stream.Leader = leader
	stream.pendingEpoch = oldEpoch

	role := RoleFollower
	if reporting == leader {
		role = RoleLeader
	}
	c.log.WithField("stream", stream.ID).Infof("switched leader to %s at epoch %d", leader, stream.Epoch)
	return []Command{{Promote: &Promote{
		Epoch:        stream.Epoch,
		Role:         role,
		Leader:       leader,
		PendingEpoch: oldEpoch,
	}}}
}

func roleFor(stream *Stream, observerID string) Role {
	if observerID != "" && observerID == stream.Leader {
		return RoleLeader
	}
	return RoleFollower
}

// StreamSnapshot returns a defensive copy of a stream's coordinator-side
// state, for tests and diagnostics.
func (c *Coordinator) StreamSnapshot(streamID uint64) (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stream, ok := c.streams[streamID]
	if !ok {
		return Stream{}, storeerr.NotFound("coordinator: stream not found")
	}
	return Stream{
		ID:           stream.ID,
		TenantID:     stream.TenantID,
		Epoch:        stream.Epoch,
		CopySet:      append([]string(nil), stream.CopySet...),
		Leader:       stream.Leader,
		pendingEpoch: stream.pendingEpoch,
	}, nil
}

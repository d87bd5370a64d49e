package streamclient

import (
	"context"
	"sort"

	"github.com/streamhouse-io/streamhouse/internal/storeerr"
	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// Recover runs spec.md §4.2's recovery procedure for a promoted observer:
// seal the previous segment at newEpoch on every replica, learn whatever
// entries a quorum disagrees on, then freeze the tail with a Bridge before
// taking over as Leader of a fresh segment at newEpoch.
func (sm *StateMachine) Recover(ctx context.Context, newEpoch uint32) error {
	st := sm.Snapshot()
	quorum := quorumSize(len(st.CopySet))

	acks := sm.sealAll(ctx, st, newEpoch)
	if len(acks) < quorum {
		return storeerr.Staled("recovery: quorum of replicas did not ack seal")
	}
	sort.Slice(acks, func(i, j int) bool { return acks[i] < acks[j] })
	minAcked := acks[0]
	targetIndex := acks[len(acks)-1]

	sm.learnGap(ctx, st, minAcked, targetIndex)

	bridgeAcks := sm.writeBridge(ctx, st, newEpoch, targetIndex)
	if bridgeAcks < quorum {
		return storeerr.Staled("recovery: quorum did not ack bridge")
	}

	sm.deliverSync(inbound{recovered: &Recovered{NewEpoch: newEpoch, TargetIndex: targetIndex}})
	return nil
}

func (sm *StateMachine) sealAll(ctx context.Context, st State, newEpoch uint32) []uint32 {
	type result struct {
		acked uint32
		err   error
	}
	results := make(chan result, len(st.CopySet))
	for _, replica := range st.CopySet {
		replica := replica
		go func() {
			acked, err := sm.transport.Seal(ctx, SealMutate{
				Replica:      replica,
				WriterEpoch:  newEpoch,
				SegmentEpoch: st.SegmentEpoch,
			})
			if err == nil {
				sm.deliver(inbound{sealed: &Sealed{Replica: replica, AckedIndex: acked}})
			}
			results <- result{acked, err}
		}()
	}
	var acks []uint32
	for range st.CopySet {
		r := <-results
		if r.err == nil {
			acks = append(acks, r.acked)
		}
	}
	return acks
}

// learnGap fills any index between minAcked and targetIndex that this
// replica's own pending window doesn't already have, by asking each replica
// in turn until one answers, per spec.md §4.2 recovery step 3.
func (sm *StateMachine) learnGap(ctx context.Context, st State, minAcked, targetIndex uint32) {
	for idx := minAcked + 1; idx <= targetIndex; idx++ {
		if _, ok := st.PendingWindow[idx]; ok {
			continue
		}
		for _, replica := range st.CopySet {
			entries, err := sm.transport.Learn(ctx, Learn{Replica: replica, SegmentEpoch: st.SegmentEpoch, StartIndex: idx})
			if err == nil && len(entries) > 0 {
				sm.deliverSync(inbound{learned: &Learned{Replica: replica, Entries: entries, Start: idx}})
				break
			}
		}
	}
}

// writeBridge writes a Bridge{epoch=newEpoch} at targetIndex+1 to every
// replica, returning how many replicas acked it reaching that index.
func (sm *StateMachine) writeBridge(ctx context.Context, st State, newEpoch, targetIndex uint32) int {
	type result struct {
		matched uint32
		err     error
	}
	results := make(chan result, len(st.CopySet))
	bridge := wire.Bridge(newEpoch)
	for _, replica := range st.CopySet {
		replica := replica
		go func() {
			matched, _, err := sm.transport.Write(ctx, WriteMutate{
				Replica:      replica,
				WriterEpoch:  newEpoch,
				SegmentEpoch: newEpoch,
				FirstIndex:   targetIndex + 1,
				Entries:      []wire.Entry{bridge},
			})
			results <- result{matched, err}
		}()
	}
	acks := 0
	for range st.CopySet {
		r := <-results
		if r.err == nil && r.matched >= targetIndex+1 {
			acks++
		}
	}
	return acks
}

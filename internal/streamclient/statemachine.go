package streamclient

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/streamhouse-io/streamhouse/internal/logger"
	"github.com/streamhouse-io/streamhouse/internal/storeerr"
	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// Options tunes a StateMachine's batching and retry behavior.
type Options struct {
	// WindowSize caps how many pending entries a single dispatch sends to
	// one replica at a time.
	WindowSize int
	// RetryInterval is how often the actor checks for timed-out in-flight
	// ranges and retries them.
	RetryInterval time.Duration
	// RetryTimeout is how long a range may sit in-flight before it's
	// considered timed out and eligible for retry.
	RetryTimeout time.Duration
	// CommandQueueDepth sizes the actor's command channel.
	CommandQueueDepth int

	Log logger.Logger
}

func (o Options) withDefaults() Options {
	if o.WindowSize <= 0 {
		o.WindowSize = 64
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
	if o.RetryTimeout <= 0 {
		o.RetryTimeout = time.Second
	}
	if o.CommandQueueDepth <= 0 {
		o.CommandQueueDepth = 256
	}
	if o.Log == nil {
		o.Log = logger.Discard()
	}
	return o
}

type ackWaiter struct {
	index  uint32
	result chan error
}

// StateMachine drives replication of one stream's active segment, per
// spec.md §4.2. It runs as a single-threaded actor: all state mutation
// happens inside commands executed serially by run(), so State itself
// never needs its own lock.
type StateMachine struct {
	streamID  uint64
	transport Transport
	opts      Options

	state   *State
	waiters []ackWaiter

	cmds    chan func()
	sigCh   chan inbound
	closeCh chan struct{}
	doneCh  chan struct{}
	closed  atomic.Bool
}

// New starts a StateMachine for streamID as a Follower of segmentEpoch
// across copySet. Promote it to Leader via Recover.
func New(streamID uint64, segmentEpoch uint32, copySet []string, transport Transport, opts Options) *StateMachine {
	opts = opts.withDefaults()
	sm := &StateMachine{
		streamID:  streamID,
		transport: transport,
		opts:      opts,
		state:     newState(segmentEpoch, copySet),
		cmds:      make(chan func(), opts.CommandQueueDepth),
		sigCh:     make(chan inbound, opts.CommandQueueDepth),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go sm.run()
	return sm
}

func (sm *StateMachine) run() {
	defer close(sm.doneCh)
	ticker := time.NewTicker(sm.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.closeCh:
			sm.failAllWaiters(storeerr.DBClosed("stream state machine closed"))
			return
		case cmd := <-sm.cmds:
			cmd()
		case sig := <-sm.sigCh:
			sm.handleSignalLocked(sig)
			if sig.done != nil {
				close(sig.done)
			}
		case <-ticker.C:
			sm.retryTimeoutsLocked()
		}
	}
}

// deliver submits an inbound signal for serial handling by the actor loop.
// External callers (a transport's own deadline logic, a recovering peer)
// use this to report Received/Sealed/Timeout/Learned/Rejected/Recovered
// events alongside the ones the state machine generates for itself in
// sendWrite.
func (sm *StateMachine) deliver(sig inbound) {
	select {
	case sm.sigCh <- sig:
	case <-sm.closeCh:
	}
}

// deliverSync is deliver, but blocks until the actor loop has applied sig
// (or the state machine closes first).
func (sm *StateMachine) deliverSync(sig inbound) {
	sig.done = make(chan struct{})
	select {
	case sm.sigCh <- sig:
	case <-sm.closeCh:
		return
	}
	select {
	case <-sig.done:
	case <-sm.closeCh:
	}
}

// NotifyTimeout reports that a network deadline fired for a range sent to
// a replica, per spec.md §4.2's Timeout signal; the range becomes eligible
// for retransmission on the next dispatch.
func (sm *StateMachine) NotifyTimeout(t Timeout) { sm.deliver(inbound{timeout: &t}) }

func (sm *StateMachine) handleSignalLocked(sig inbound) {
	switch {
	case sig.received != nil:
		sm.handleReceivedLocked(sig.received.Replica, sig.received.MatchedIndex, sig.received.AckedIndex)
	case sig.sealed != nil:
		// Sealed is informational once a seal round-trips through
		// Recover's own sealAll; nothing further to fold in here.
	case sig.timeout != nil:
		if prog, ok := sm.state.Progress[sig.timeout.Replica]; ok {
			prog.InFlight = false
			sm.dispatchLocked()
		}
	case sig.learned != nil:
		for i, e := range sig.learned.Entries {
			sm.state.PendingWindow[sig.learned.Start+uint32(i)] = e
		}
	case sig.rejected != nil:
		sm.handleRejectedLocked(sig.rejected.Replica, sig.rejected.Err)
	case sig.recovered != nil:
		r := sig.recovered
		sm.state.Epoch = r.NewEpoch
		sm.state.SegmentEpoch = r.NewEpoch
		sm.state.Role = Leader
		sm.state.NextIndex = r.TargetIndex + 2
		sm.state.AckedSeq = wire.NewSequence(r.NewEpoch, r.TargetIndex+1)
		sm.state.PendingWindow = make(map[uint32]wire.Entry)
		for _, prog := range sm.state.Progress {
			prog.MatchedIndex = r.TargetIndex + 1
			prog.InFlight = false
		}
	}
}

// submit enqueues cmd for serial execution by the actor loop. It reports
// false if the state machine has already started closing, in which case
// cmd never runs.
func (sm *StateMachine) submit(cmd func()) bool {
	select {
	case sm.cmds <- cmd:
		return true
	case <-sm.closeCh:
		return false
	}
}

// Close cancels all in-flight sends and fails pending waiters with
// DBClosed, per spec.md §4.2's cancellation contract.
func (sm *StateMachine) Close() error {
	if !sm.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(sm.closeCh)
	<-sm.doneCh
	return nil
}

// Snapshot returns a deep copy of the state machine's current State.
func (sm *StateMachine) Snapshot() State {
	resp := make(chan State, 1)
	if !sm.submit(func() { resp <- sm.cloneState() }) {
		return State{}
	}
	select {
	case s := <-resp:
		return s
	case <-sm.closeCh:
		return State{}
	}
}

func (sm *StateMachine) cloneState() State {
	progress := make(map[string]*ReplicaProgress, len(sm.state.Progress))
	for k, v := range sm.state.Progress {
		cp := *v
		progress[k] = &cp
	}
	pending := make(map[uint32]wire.Entry, len(sm.state.PendingWindow))
	for k, v := range sm.state.PendingWindow {
		pending[k] = v
	}
	return State{
		Epoch:         sm.state.Epoch,
		Role:          sm.state.Role,
		SegmentEpoch:  sm.state.SegmentEpoch,
		CopySet:       append([]string(nil), sm.state.CopySet...),
		Progress:      progress,
		PendingWindow: pending,
		AckedSeq:      sm.state.AckedSeq,
		NextIndex:     sm.state.NextIndex,
	}
}

// Append assigns the next dense index to payload, adds it to the pending
// window, and dispatches it toward the copy-set, per spec.md §4.2's writer
// loop step 1-2. It does not wait for acknowledgment; use WaitAcked for
// that.
func (sm *StateMachine) Append(ctx context.Context, payload []byte) (uint32, error) {
	var index uint32
	var err error
	done := make(chan struct{})
	ok := sm.submit(func() {
		defer close(done)
		index, err = sm.appendLocked(payload)
	})
	if !ok {
		return 0, storeerr.DBClosed("stream state machine closed")
	}
	select {
	case <-done:
		return index, err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-sm.closeCh:
		return 0, storeerr.DBClosed("stream state machine closed")
	}
}

func (sm *StateMachine) appendLocked(payload []byte) (uint32, error) {
	if sm.state.Role != Leader {
		return 0, storeerr.NotCommandLeader("stream state machine is not leading this epoch")
	}
	idx := sm.state.NextIndex
	sm.state.PendingWindow[idx] = wire.Event(sm.state.Epoch, payload)
	sm.state.NextIndex++
	sm.dispatchLocked()
	return idx, nil
}

// WaitAcked blocks until the segment's acked index reaches index, the
// context is canceled, or the state machine closes.
func (sm *StateMachine) WaitAcked(ctx context.Context, index uint32) error {
	result := make(chan error, 1)
	ok := sm.submit(func() {
		if sm.state.AckedSeq.Index() >= index {
			result <- nil
			return
		}
		sm.waiters = append(sm.waiters, ackWaiter{index: index, result: result})
	})
	if !ok {
		return storeerr.DBClosed("stream state machine closed")
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-sm.closeCh:
		return storeerr.DBClosed("stream state machine closed")
	}
}

func (sm *StateMachine) failAllWaiters(err error) {
	for _, w := range sm.waiters {
		w.result <- err
	}
	sm.waiters = nil
}

func (sm *StateMachine) notifyWaitersLocked() {
	remaining := sm.waiters[:0]
	for _, w := range sm.waiters {
		if sm.state.AckedSeq.Index() >= w.index {
			w.result <- nil
			continue
		}
		remaining = append(remaining, w)
	}
	sm.waiters = remaining
}

// dispatchLocked sends the next pending range to every replica that isn't
// already waiting on a response, per spec.md §4.2's writer loop step 2.
func (sm *StateMachine) dispatchLocked() {
	for replica, prog := range sm.state.Progress {
		if prog.InFlight {
			continue
		}
		first := prog.MatchedIndex + 1
		if first >= sm.state.NextIndex {
			continue
		}
		last := sm.state.NextIndex - 1
		if last-first+1 > uint32(sm.opts.WindowSize) {
			last = first + uint32(sm.opts.WindowSize) - 1
		}
		entries := make([]wire.Entry, 0, last-first+1)
		for idx := first; idx <= last; idx++ {
			e, ok := sm.state.PendingWindow[idx]
			if !ok {
				break
			}
			entries = append(entries, e)
		}
		if len(entries) == 0 {
			continue
		}
		prog.InFlight = true
		prog.LastActive = time.Now()
		go sm.sendWrite(replica, first, entries)
	}
}

func (sm *StateMachine) sendWrite(replica string, firstIndex uint32, entries []wire.Entry) {
	msg := WriteMutate{
		Replica:      replica,
		WriterEpoch:  sm.state.Epoch,
		SegmentEpoch: sm.state.SegmentEpoch,
		AckedSeq:     sm.state.AckedSeq,
		FirstIndex:   firstIndex,
		Entries:      entries,
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sm.closeCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	matched, acked, err := sm.transport.Write(ctx, msg)
	if err != nil {
		sm.deliver(inbound{rejected: &Rejected{Replica: replica, Err: err}})
		return
	}
	sm.deliver(inbound{received: &Received{Replica: replica, MatchedIndex: matched, AckedIndex: acked}})
}

func (sm *StateMachine) handleReceivedLocked(replica string, matchedIndex, ackedIndex uint32) {
	prog, ok := sm.state.Progress[replica]
	if !ok {
		return
	}
	prog.InFlight = false
	if matchedIndex > prog.MatchedIndex {
		prog.MatchedIndex = matchedIndex
	}
	sm.recomputeAckedLocked()
	sm.dispatchLocked()
}

// recomputeAckedLocked folds per-replica matched indices into a new
// acked_seq: the largest index a quorum of the copy-set has matched, per
// spec.md §4.2's writer loop step 3.
func (sm *StateMachine) recomputeAckedLocked() {
	matched := make([]uint32, 0, len(sm.state.Progress))
	for _, prog := range sm.state.Progress {
		matched = append(matched, prog.MatchedIndex)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] > matched[j] })
	q := quorumSize(len(matched))
	if q == 0 || q > len(matched) {
		return
	}
	candidate := matched[q-1]
	if candidate > sm.state.AckedSeq.Index() {
		sm.state.AckedSeq = wire.NewSequence(sm.state.Epoch, candidate)
		sm.notifyWaitersLocked()
	}
}

func (sm *StateMachine) handleRejectedLocked(replica string, err error) {
	prog, ok := sm.state.Progress[replica]
	if ok {
		prog.InFlight = false
	}
	if storeerr.KindOf(err) == storeerr.KindStaled {
		sm.state.Role = Recovering
		sm.opts.Log.Warnf("stream %d: replica %s rejected write as staled, stepping down", sm.streamID, replica)
	}
}

func (sm *StateMachine) retryTimeoutsLocked() {
	now := time.Now()
	dirty := false
	for _, prog := range sm.state.Progress {
		if prog.InFlight && now.Sub(prog.LastActive) > sm.opts.RetryTimeout {
			prog.InFlight = false
			dirty = true
		}
	}
	if dirty {
		sm.dispatchLocked()
	}
}

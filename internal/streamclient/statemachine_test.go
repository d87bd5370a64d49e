package streamclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse-io/streamhouse/internal/storeerr"
	"github.com/streamhouse-io/streamhouse/internal/wire"
)

// fakeTransport is an in-memory Transport double: each replica's state is
// just the entries it has accepted, keyed by index.
type fakeTransport struct {
	mu       sync.Mutex
	replicas map[string]map[uint32]wire.Entry
	reject   map[string]bool
}

func newFakeTransport(names ...string) *fakeTransport {
	t := &fakeTransport{replicas: make(map[string]map[uint32]wire.Entry), reject: make(map[string]bool)}
	for _, n := range names {
		t.replicas[n] = make(map[uint32]wire.Entry)
	}
	return t
}

func (f *fakeTransport) Write(_ context.Context, msg WriteMutate) (uint32, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject[msg.Replica] {
		return 0, 0, storeerr.Staled("fake: replica rejects writes")
	}
	entries := f.replicas[msg.Replica]
	for i, e := range msg.Entries {
		entries[msg.FirstIndex+uint32(i)] = e
	}
	matched := denseTail(entries)
	return matched, msg.AckedSeq.Index(), nil
}

func (f *fakeTransport) Seal(_ context.Context, msg SealMutate) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return denseTail(f.replicas[msg.Replica]), nil
}

func (f *fakeTransport) Learn(_ context.Context, msg Learn) ([]wire.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.replicas[msg.Replica][msg.StartIndex]
	if !ok {
		return nil, nil
	}
	return []wire.Entry{e}, nil
}

func denseTail(entries map[uint32]wire.Entry) uint32 {
	var tail uint32
	for {
		if _, ok := entries[tail+1]; !ok {
			break
		}
		tail++
	}
	return tail
}

// seedBridge simulates a bridge already having been written and acked at
// index on every replica, the state a successful Recover leaves behind,
// so tests exercising steady-state Append/WaitAcked don't need to run a
// full recovery first.
func seedBridge(f *fakeTransport, epoch uint32, index uint32) {
	for _, entries := range f.replicas {
		entries[index] = wire.Bridge(epoch)
	}
}

func TestStateMachineAppendReachesQuorumAck(t *testing.T) {
	transport := newFakeTransport("r1", "r2", "r3")
	seedBridge(transport, 1, 1)
	sm := New(1, 1, []string{"r1", "r2", "r3"}, transport, Options{RetryInterval: 10 * time.Millisecond})
	defer sm.Close()

	// Force into Leader role directly for this test; Recover is exercised
	// separately.
	sm.deliverSync(inbound{recovered: &Recovered{NewEpoch: 1, TargetIndex: 0}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	idx, err := sm.Append(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), idx)

	require.NoError(t, sm.WaitAcked(ctx, idx))

	snap := sm.Snapshot()
	assert.Equal(t, Leader, snap.Role)
	assert.GreaterOrEqual(t, snap.AckedSeq.Index(), idx)
}

func TestStateMachineRejectedWriteStepsDown(t *testing.T) {
	transport := newFakeTransport("r1", "r2", "r3")
	seedBridge(transport, 1, 1)
	transport.reject["r1"] = true
	transport.reject["r2"] = true
	sm := New(1, 1, []string{"r1", "r2", "r3"}, transport, Options{RetryInterval: 10 * time.Millisecond})
	defer sm.Close()

	sm.deliverSync(inbound{recovered: &Recovered{NewEpoch: 1, TargetIndex: 0}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := sm.Append(ctx, []byte("hello"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return sm.Snapshot().Role == Recovering
	}, time.Second, 10*time.Millisecond)
}

func TestStateMachineRecoverPromotesAndBridges(t *testing.T) {
	transport := newFakeTransport("r1", "r2", "r3")
	// r1 and r2 already have index 1 written from a prior epoch; r3 lags.
	transport.replicas["r1"][1] = wire.Event(1, []byte("a"))
	transport.replicas["r2"][1] = wire.Event(1, []byte("a"))

	sm := New(1, 1, []string{"r1", "r2", "r3"}, transport, Options{RetryInterval: 10 * time.Millisecond})
	defer sm.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sm.Recover(ctx, 2))

	snap := sm.Snapshot()
	assert.Equal(t, Leader, snap.Role)
	assert.Equal(t, uint32(2), snap.Epoch)
	assert.Equal(t, uint32(2), snap.SegmentEpoch)

	transport.mu.Lock()
	for _, r := range []string{"r1", "r2", "r3"} {
		_, ok := transport.replicas[r][2]
		assert.True(t, ok, "replica %s missing bridge entry", r)
	}
	transport.mu.Unlock()
}

func TestStateMachineCloseFailsWaiters(t *testing.T) {
	transport := newFakeTransport("r1", "r2", "r3")
	sm := New(1, 1, []string{"r1", "r2", "r3"}, transport, Options{RetryInterval: 10 * time.Millisecond})
	sm.deliverSync(inbound{recovered: &Recovered{NewEpoch: 1, TargetIndex: 0}})

	errCh := make(chan error, 1)
	go func() { errCh <- sm.WaitAcked(context.Background(), 100) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sm.Close())

	err := <-errCh
	require.Error(t, err)
	assert.Equal(t, storeerr.KindDBClosed, storeerr.KindOf(err))
}

package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse-io/streamhouse/internal/storeerr"
)

func newTestCoordinator(t *testing.T, threshold uint32, heartbeatTimeout time.Duration) (*Coordinator, uint64) {
	t.Helper()
	c := New(NewThresholdSwitching(threshold, heartbeatTimeout), nil)
	require.NoError(t, c.CreateTenant("tenant-a"))
	streamID, err := c.CreateStream("tenant-a", []string{"r1", "r2", "r3"})
	require.NoError(t, err)
	return c, streamID
}

func TestCreateStreamRejectsUnknownTenant(t *testing.T) {
	c := New(nil, nil)
	_, err := c.CreateStream("missing", []string{"r1"})
	assert.Equal(t, storeerr.KindNotFound, storeerr.KindOf(err))
}

func TestCreateStreamRejectsEmptyCopySet(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.CreateTenant("t"))
	_, err := c.CreateStream("t", nil)
	assert.Equal(t, storeerr.KindInvalidArgument, storeerr.KindOf(err))
}

func TestHeartbeatRejectsEpochAheadOfStream(t *testing.T) {
	c, streamID := newTestCoordinator(t, 1024, 10*time.Second)
	_, err := c.Heartbeat(streamID, 5, ObserverState{ObserverID: "r1"}, time.Unix(0, 0))
	assert.Equal(t, storeerr.KindInvalidArgument, storeerr.KindOf(err))
}

func TestHeartbeatSwitchesOnThresholdCrossing(t *testing.T) {
	c, streamID := newTestCoordinator(t, 100, time.Hour)
	now := time.Unix(1000, 0)

	cmds, err := c.Heartbeat(streamID, 0, ObserverState{ObserverID: "r1", AckedIndex: 50}, now)
	require.NoError(t, err)
	assert.Nil(t, cmds)

	cmds, err = c.Heartbeat(streamID, 0, ObserverState{ObserverID: "r1", AckedIndex: 150}, now)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.NotNil(t, cmds[0].Promote)
	assert.Equal(t, RoleLeader, cmds[0].Promote.Role)
	assert.Equal(t, uint32(1), cmds[0].Promote.Epoch)
	assert.Equal(t, "r1", cmds[0].Promote.Leader)

	snap, err := c.StreamSnapshot(streamID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), snap.Epoch)
	assert.Equal(t, "r1", snap.Leader)
}

// TestHeartbeatPromotesOnTimeout implements the "Heartbeat promotes on
// timeout" scenario: once the current leader goes silent past the
// heartbeat timeout, the next heartbeat from a different observer promotes
// it and bumps the epoch.
func TestHeartbeatPromotesOnTimeout(t *testing.T) {
	c, streamID := newTestCoordinator(t, 100000, 5*time.Second)
	t0 := time.Unix(1000, 0)

	_, err := c.Heartbeat(streamID, 0, ObserverState{ObserverID: "r1", AckedIndex: 1}, t0)
	require.NoError(t, err)
	_, err = c.Heartbeat(streamID, 0, ObserverState{ObserverID: "r2", AckedIndex: 1}, t0)
	require.NoError(t, err)

	cmds, err := c.Heartbeat(streamID, 0, ObserverState{ObserverID: "r1", AckedIndex: 2}, t0)
	require.NoError(t, err)
	assert.Nil(t, cmds)
	snap, _ := c.StreamSnapshot(streamID)
	assert.Equal(t, "r1", snap.Leader)

	tLate := t0.Add(10 * time.Second)
	cmds, err = c.Heartbeat(streamID, 0, ObserverState{ObserverID: "r2", AckedIndex: 5}, tLate)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.NotNil(t, cmds[0].Promote)
	assert.Equal(t, RoleLeader, cmds[0].Promote.Role)
	assert.Equal(t, uint32(1), cmds[0].Promote.Epoch)
	assert.Equal(t, "r2", cmds[0].Promote.Leader)

	snap, err = c.StreamSnapshot(streamID)
	require.NoError(t, err)
	assert.Equal(t, "r2", snap.Leader)
	assert.Equal(t, uint32(1), snap.Epoch)
}

func TestHeartbeatStaleEpochGetsResyncPromote(t *testing.T) {
	c, streamID := newTestCoordinator(t, 1, time.Hour)

	_, err := c.Heartbeat(streamID, 0, ObserverState{ObserverID: "r1", AckedIndex: 2}, time.Unix(0, 0))
	require.NoError(t, err)
	snap, _ := c.StreamSnapshot(streamID)
	require.Equal(t, uint32(1), snap.Epoch)

	cmds, err := c.Heartbeat(streamID, 0, ObserverState{ObserverID: "r2", AckedIndex: 0}, time.Unix(1, 0))
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	require.NotNil(t, cmds[0].Promote)
	assert.Equal(t, uint32(1), cmds[0].Promote.Epoch)
	assert.Equal(t, RoleFollower, cmds[0].Promote.Role)
}

func TestSealSegmentIdempotent(t *testing.T) {
	c, streamID := newTestCoordinator(t, 1024, time.Hour)
	require.NoError(t, c.SealSegment(streamID, 0))
	require.NoError(t, c.SealSegment(streamID, 0))
	assert.Equal(t, storeerr.KindInvalidArgument, storeerr.KindOf(c.SealSegment(streamID, 99)))
}

func TestGetSegmentReturnsCopySet(t *testing.T) {
	c, streamID := newTestCoordinator(t, 1024, time.Hour)
	desc, err := c.GetSegment(streamID, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, desc.CopySet)

	_, err = c.GetSegment(streamID, 7)
	assert.Equal(t, storeerr.KindNotFound, storeerr.KindOf(err))
}

func TestDeleteStreamRemovesFromTenant(t *testing.T) {
	c, streamID := newTestCoordinator(t, 1024, time.Hour)
	require.NoError(t, c.DeleteStream(streamID))
	_, err := c.GetSegment(streamID, 0)
	assert.Equal(t, storeerr.KindNotFound, storeerr.KindOf(err))
	assert.Equal(t, storeerr.KindNotFound, storeerr.KindOf(c.DeleteStream(streamID)))
}

package coordinator

import (
	"sort"
	"time"
)

// DefaultNumThreshold is spec.md §4.3's DEFAULT_NUM_THRESHOLD: once the
// acked index on a stream's current segment exceeds this, the switching
// policy rolls the epoch and hands leadership to whichever observer is
// furthest along, the same way the teacher rotates segments on size rather
// than time.
const DefaultNumThreshold uint32 = 1024

// SwitchPolicy decides, given a stream's current bookkeeping, whether a
// heartbeat should trigger an epoch roll and leader switch. Kept as an
// interface so a future time-based or load-based policy can replace
// ThresholdSwitching without touching the registry.
type SwitchPolicy interface {
	// ShouldSwitch reports whether stream should roll its epoch right now,
	// given the observer that just reported in and now.
	ShouldSwitch(stream *Stream, reporting ObserverState, now time.Time) bool
	// SelectLeader picks the new leader from the stream's known observers.
	// When the policy is a *ThresholdSwitching, the registry first drops
	// observers whose last heartbeat is older than its HeartbeatTimeout;
	// other policies receive every known observer.
	SelectLeader(candidates []ObserverState) string
}

// ThresholdSwitching switches on two conditions: the acked index crossing
// Threshold, or the current leader's heartbeat going silent for longer than
// HeartbeatTimeout. Leader selection is deterministic: furthest acked index
// wins, ties broken by observer id so repeated calls with the same inputs
// always agree (mirrors the teacher's selectPartitionLeader ordering
// candidates by load before taking the first).
type ThresholdSwitching struct {
	Threshold       uint32
	HeartbeatTimeout time.Duration
}

// NewThresholdSwitching builds a ThresholdSwitching policy, defaulting any
// zero field to spec.md §4.3's constants.
func NewThresholdSwitching(threshold uint32, heartbeatTimeout time.Duration) *ThresholdSwitching {
	if threshold == 0 {
		threshold = DefaultNumThreshold
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 10 * time.Second
	}
	return &ThresholdSwitching{Threshold: threshold, HeartbeatTimeout: heartbeatTimeout}
}

func (p *ThresholdSwitching) ShouldSwitch(stream *Stream, reporting ObserverState, now time.Time) bool {
	if reporting.AckedIndex > p.Threshold {
		return true
	}
	if stream.Leader == "" {
		return false
	}
	leaderRec, ok := stream.observers[stream.Leader]
	if !ok {
		return true
	}
	return now.Sub(leaderRec.lastBeat) > p.HeartbeatTimeout
}

func (p *ThresholdSwitching) SelectLeader(candidates []ObserverState) string {
	if len(candidates) == 0 {
		return ""
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].AckedIndex != candidates[j].AckedIndex {
			return candidates[i].AckedIndex > candidates[j].AckedIndex
		}
		return candidates[i].ObserverID < candidates[j].ObserverID
	})
	return candidates[0].ObserverID
}

package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhouse-io/streamhouse/internal/wire"
)

func ev(epoch uint32) wire.Entry { return wire.Event(epoch, []byte("x")) }

// Scenario: "Matched index reflects dense prefix" (spec.md §8 scenario 5).
func TestSegmentMatchedIndexDensePrefix(t *testing.T) {
	s := New(1, 1, []string{"a", "b", "c"})

	matched, _, err := s.Write(1, wire.NewSequence(1, 0), 1, []wire.Entry{ev(1), ev(1), ev(1)})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), matched)

	matched, _, err = s.Write(1, wire.NewSequence(1, 0), 5, []wire.Entry{ev(1)})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), matched, "hole at index 4 caps the dense prefix")

	matched, _, err = s.Write(1, wire.NewSequence(1, 0), 4, []wire.Entry{ev(1)})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), matched, "filling the hole extends the dense prefix through index 5")
}

// Scenario: "Bridge truncates tail" (spec.md §8 scenario 4).
func TestSegmentBridgeTruncatesTail(t *testing.T) {
	s := New(1, 1, []string{"a", "b", "c"})

	_, _, err := s.Write(1, wire.NewSequence(1, 0), 1, []wire.Entry{ev(1), ev(1), ev(1)})
	require.NoError(t, err)
	_, _, err = s.Write(1, wire.NewSequence(1, 0), 5, []wire.Entry{ev(1)})
	require.NoError(t, err)

	entries, ok := s.Read(1, 10, false)
	require.True(t, ok)
	require.Len(t, entries, 4, "a non-acked read yields pending entries eagerly, past the hole at index 4")
	assert.Equal(t, wire.KindEvent, entries[3].Kind)

	_, err = s.Seal(1)
	require.NoError(t, err)

	bridge := wire.Bridge(1)
	_, _, err = s.Write(1, wire.NewSequence(1, 0), 4, []wire.Entry{bridge})
	require.NoError(t, err)

	entries, ok = s.Read(1, 10, false)
	require.True(t, ok)
	require.Len(t, entries, 4)
	assert.Equal(t, wire.KindBridge, entries[3].Kind)
	for _, e := range entries[:3] {
		assert.Equal(t, wire.KindEvent, e.Kind)
	}
}

func TestSegmentWriteStaledOnEpochRegression(t *testing.T) {
	s := New(1, 1, nil)
	_, _, err := s.Write(2, wire.NewSequence(1, 0), 1, []wire.Entry{ev(2)})
	require.NoError(t, err)

	_, _, err = s.Write(1, wire.NewSequence(1, 0), 2, []wire.Entry{ev(1)})
	require.Error(t, err)
	assert.IsType(t, &Staled{}, err)
}

func TestSegmentWriteCorruptionOnMismatch(t *testing.T) {
	s := New(1, 1, nil)
	_, _, err := s.Write(1, wire.NewSequence(1, 0), 1, []wire.Entry{ev(1)})
	require.NoError(t, err)

	_, _, err = s.Write(1, wire.NewSequence(1, 0), 1, []wire.Entry{wire.Event(1, []byte("different"))})
	require.Error(t, err)
	assert.IsType(t, &Corruption{}, err)
}

func TestSegmentAckedIndexMonotonic(t *testing.T) {
	s := New(1, 1, nil)
	_, acked, err := s.Write(1, wire.NewSequence(1, 5), 1, []wire.Entry{ev(1)})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), acked)

	_, acked, err = s.Write(1, wire.NewSequence(1, 2), 2, []wire.Entry{ev(1)})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), acked, "acked index never regresses on an out-of-order fold")
}

func TestSegmentTruncateRequiresAckedFloor(t *testing.T) {
	s := New(1, 1, nil)
	_, _, err := s.Write(1, wire.NewSequence(1, 2), 1, []wire.Entry{ev(1), ev(1), ev(1)})
	require.NoError(t, err)

	require.Error(t, s.Truncate(3))
	require.NoError(t, s.Truncate(2))
	require.NoError(t, s.Truncate(2), "truncate is idempotent")
}

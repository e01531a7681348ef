package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratorValidatesIDs(t *testing.T) {
	_, err := NewGenerator(-1, 0)
	assert.Error(t, err)
	_, err = NewGenerator(0, 32)
	assert.Error(t, err)
	_, err = NewGenerator(31, 31)
	assert.NoError(t, err)
}

func TestNextMonotonicAndUnique(t *testing.T) {
	g, err := NewGenerator(1, 2)
	require.NoError(t, err)

	seen := make(map[int64]struct{})
	var prev int64
	for i := 0; i < 10000; i++ {
		id, err := g.Next()
		require.NoError(t, err)
		assert.Greater(t, id, prev, "ids must increase")
		_, dup := seen[id]
		require.False(t, dup, "id %d issued twice", id)
		seen[id] = struct{}{}
		prev = id
	}
}

func TestNextSequenceWithinSameMillisecond(t *testing.T) {
	g, err := NewGenerator(0, 0)
	require.NoError(t, err)

	// Freeze the clock; the sequence field must absorb all issuance.
	millis := int64(1_000_000)
	calls := 0
	g.now = func() int64 {
		calls++
		// Let the overflow spin escape by advancing after many calls.
		if calls > 5000 {
			return millis + 1
		}
		return millis
	}

	first, err := g.Next()
	require.NoError(t, err)
	second, err := g.Next()
	require.NoError(t, err)
	assert.Equal(t, first+1, second, "same-millisecond ids differ only in sequence")
}

func TestNextClockMovedBackwards(t *testing.T) {
	g, err := NewGenerator(0, 0)
	require.NoError(t, err)

	ts := int64(2_000_000)
	g.now = func() int64 { return ts }
	_, err = g.Next()
	require.NoError(t, err)

	ts = 1_999_000
	_, err = g.Next()
	assert.ErrorIs(t, err, ErrClockMovedBackwards)

	// Clock recovered; issuance resumes.
	ts = 2_000_001
	_, err = g.Next()
	assert.NoError(t, err)
}

func TestDatacenterAndWorkerBitsInLayout(t *testing.T) {
	g, err := NewGenerator(3, 7)
	require.NoError(t, err)
	g.now = func() int64 { return epochMillis + 1 }

	id, err := g.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(3), (id>>datacenterShift)&maxDatacenter)
	assert.Equal(t, int64(7), (id>>workerShift)&maxWorker)
	assert.Equal(t, int64(1), id>>timestampShift)
}

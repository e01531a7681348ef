package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
)

func env(msgID int32, seq string) *protocol.Business {
	return &protocol.Business{MsgID: msgID, Sequence: seq, PlayerID: "p1"}
}

func TestStrictPriorityOrdering(t *testing.T) {
	q := New(Options{MaxSize: 100})

	require.NoError(t, q.Enqueue(env(1001, "n1"), Normal))
	require.NoError(t, q.Enqueue(env(3001, "h1"), High))
	require.NoError(t, q.Enqueue(env(1002, "l1"), Low))
	require.NoError(t, q.Enqueue(env(1003, "c1"), Critical))
	require.NoError(t, q.Enqueue(env(3002, "h2"), High))

	var got []string
	for i := 0; i < 5; i++ {
		qm, ok := q.Dequeue(time.Second)
		require.True(t, ok)
		got = append(got, qm.Envelope.Sequence)
	}
	// Critical first, then both High in FIFO order, then Normal, then Low.
	assert.Equal(t, []string{"c1", "h1", "h2", "n1", "l1"}, got)
}

func TestFIFOWithinPriorityClass(t *testing.T) {
	q := New(Options{MaxSize: 100})
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Enqueue(env(1001, fmt.Sprintf("seq-%02d", i)), Normal))
	}
	for i := 0; i < 20; i++ {
		qm, ok := q.Dequeue(time.Second)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("seq-%02d", i), qm.Envelope.Sequence)
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := New(Options{MaxSize: 10})
	start := time.Now()
	qm, ok := q.Dequeue(50 * time.Millisecond)
	assert.False(t, ok)
	assert.Nil(t, qm)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	q := New(Options{MaxSize: 10})
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Enqueue(env(1001, "late"), Normal)
	}()
	qm, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, "late", qm.Envelope.Sequence)
}

func TestBackpressureThresholds(t *testing.T) {
	// MaxSize 10: high watermark at 8, low at 6, drop at 9.5.
	q := New(Options{MaxSize: 10, HighWatermark: 0.8, LowWatermark: 0.6, DropThreshold: 0.95})

	for i := 0; i < 8; i++ {
		require.NoError(t, q.Enqueue(env(1001, fmt.Sprintf("fill-%d", i)), Normal))
	}

	// Depth 8 = high watermark: Normal/Low throttled, High/Critical admitted.
	assert.ErrorIs(t, q.Enqueue(env(1001, "n-rej"), Normal), ErrThrottled)
	assert.ErrorIs(t, q.Enqueue(env(1001, "l-rej"), Low), ErrThrottled)
	require.NoError(t, q.Enqueue(env(3001, "h-ok"), High))

	// Depth 9: still below the drop threshold, High admitted.
	require.NoError(t, q.Enqueue(env(3001, "h-ok2"), High))

	// Depth 10 = full: even Critical is rejected.
	assert.ErrorIs(t, q.Enqueue(env(1003, "c-rej"), Critical), ErrQueueFull)

	// Drain one; depth 9 is above the drop threshold (9.5 rounds against us
	// only at 10, 9/10 = 0.9 < 0.95) so High still passes, Normal does not.
	_, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	assert.ErrorIs(t, q.Enqueue(env(1001, "n-rej2"), Normal), ErrThrottled)

	// Drain to the low watermark. Throttling stays sticky until depth <= 6.
	for q.Size() > 7 {
		_, ok := q.Dequeue(time.Second)
		require.True(t, ok)
	}
	assert.ErrorIs(t, q.Enqueue(env(1001, "n-rej3"), Normal), ErrThrottled)

	_, ok = q.Dequeue(time.Second)
	require.True(t, ok) // depth now 6
	require.NoError(t, q.Enqueue(env(1001, "n-ok"), Normal))
}

func TestCriticalPassesAboveDropThreshold(t *testing.T) {
	q := New(Options{MaxSize: 100, HighWatermark: 0.8, LowWatermark: 0.6, DropThreshold: 0.95})
	for i := 0; i < 95; i++ {
		pri := Normal
		if i >= 80 {
			pri = High
		}
		require.NoError(t, q.Enqueue(env(1001, fmt.Sprintf("s-%d", i)), pri))
	}
	// Depth 95 = drop threshold: only Critical enters.
	assert.ErrorIs(t, q.Enqueue(env(3001, "h-rej"), High), ErrThrottled)
	require.NoError(t, q.Enqueue(env(1003, "c-ok"), Critical))
}

func TestDedupWindow(t *testing.T) {
	q := New(Options{MaxSize: 100, DedupTTL: 40 * time.Millisecond})

	require.NoError(t, q.Enqueue(env(1001, "dup"), Normal))
	assert.ErrorIs(t, q.Enqueue(env(1001, "dup"), Normal), ErrDuplicate)

	// Different sequence, same msg id: not a duplicate.
	require.NoError(t, q.Enqueue(env(1001, "dup2"), Normal))

	// After the TTL the fingerprint is forgotten.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, q.Enqueue(env(1001, "dup"), Normal))
}

func TestRetryBypassesDedup(t *testing.T) {
	q := New(Options{MaxSize: 100, MaxRetries: 2})

	require.NoError(t, q.Enqueue(env(1001, "r1"), Normal))
	qm, ok := q.Dequeue(time.Second)
	require.True(t, ok)

	// The fingerprint is still in the window; a fresh enqueue would be
	// rejected but a retry is not.
	assert.ErrorIs(t, q.Enqueue(env(1001, "r1"), Normal), ErrDuplicate)
	require.NoError(t, q.Retry(qm))
	assert.Equal(t, 1, qm.RetryCount)
}

func TestRetryBudgetExhausted(t *testing.T) {
	q := New(Options{MaxSize: 100, MaxRetries: 2})
	require.NoError(t, q.Enqueue(env(1001, "r2"), Normal))

	qm, _ := q.Dequeue(time.Second)
	require.NoError(t, q.Retry(qm))
	qm, _ = q.Dequeue(time.Second)
	require.NoError(t, q.Retry(qm))
	qm, _ = q.Dequeue(time.Second)
	assert.ErrorIs(t, q.Retry(qm), ErrMaxRetries)
}

func TestRetryLosesOriginalPosition(t *testing.T) {
	q := New(Options{MaxSize: 100})
	require.NoError(t, q.Enqueue(env(1001, "first"), Normal))
	qm, _ := q.Dequeue(time.Second)

	require.NoError(t, q.Enqueue(env(1001, "second"), Normal))
	require.NoError(t, q.Retry(qm))

	next, ok := q.Dequeue(time.Second)
	require.True(t, ok)
	assert.Equal(t, "second", next.Envelope.Sequence)
}

func TestCloseUnblocksReaders(t *testing.T) {
	q := New(Options{MaxSize: 10})
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue(5 * time.Second)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("reader not released by Close")
	}
	assert.ErrorIs(t, q.Enqueue(env(1001, "x"), Normal), ErrClosed)
}

func TestClearResetsDepth(t *testing.T) {
	q := New(Options{MaxSize: 10})
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(env(1001, fmt.Sprintf("c-%d", i)), Normal))
	}
	q.Clear()
	assert.Equal(t, 0, q.Size())
}

func TestStatsCounters(t *testing.T) {
	q := New(Options{MaxSize: 10})
	require.NoError(t, q.Enqueue(env(1001, "s1"), Normal))
	_ = q.Enqueue(env(1001, "s1"), Normal) // duplicate
	_, _ = q.Dequeue(time.Second)

	st := q.Stats()
	assert.Equal(t, int64(1), st["enqueued"])
	assert.Equal(t, int64(1), st["dequeued"])
	assert.Equal(t, int64(1), st["duplicate"])
	assert.Equal(t, 0, st["size"])
}

func TestDedupWindowEvictsOldestWhenFull(t *testing.T) {
	w := newDedupWindow(3, time.Minute)
	now := time.Now()
	w.add(1, now)
	w.add(2, now.Add(time.Millisecond))
	w.add(3, now.Add(2*time.Millisecond))
	w.add(4, now.Add(3*time.Millisecond))

	assert.False(t, w.contains(1, now.Add(4*time.Millisecond)))
	assert.True(t, w.contains(2, now.Add(4*time.Millisecond)))
	assert.True(t, w.contains(4, now.Add(4*time.Millisecond)))
}

func TestFingerprintFields(t *testing.T) {
	a := fingerprint(&protocol.Business{MsgID: 1001, Sequence: "s", PlayerID: "p"})
	b := fingerprint(&protocol.Business{MsgID: 1001, Sequence: "s", PlayerID: "p"})
	c := fingerprint(&protocol.Business{MsgID: 1002, Sequence: "s", PlayerID: "p"})
	d := fingerprint(&protocol.Business{MsgID: 1001, Sequence: "s2", PlayerID: "p"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

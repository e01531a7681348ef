// Package queue implements the 4-level priority message queue that sits
// between the WebSocket handlers and the batch dispatcher, with
// back-pressure thresholds and a deduplication window.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrkingu/knight-hero-server-sub001/internal/metrics"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
)

// Priority levels. Lower value dequeues first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	default:
		return "low"
	}
}

// Rejection and lifecycle errors.
var (
	ErrQueueFull  = errors.New("queue: full")
	ErrThrottled  = errors.New("queue: throttled by back-pressure")
	ErrDuplicate  = errors.New("queue: duplicate message")
	ErrClosed     = errors.New("queue: closed")
	ErrMaxRetries = errors.New("queue: max retries exceeded")
)

// QueuedMessage wraps a business envelope while it waits for dispatch.
type QueuedMessage struct {
	Envelope   *protocol.Business
	Priority   Priority
	EnqueuedAt time.Time
	RetryCount int
	MaxRetries int

	seq uint64 // insertion order, tie-break for equal timestamps
}

// Options configures a Queue. Zero fields take the documented defaults.
type Options struct {
	MaxSize         int
	HighWatermark   float64
	LowWatermark    float64
	DropThreshold   float64
	DedupWindowSize int
	DedupTTL        time.Duration
	MaxRetries      int

	// Metrics is optional; nil disables Prometheus instrumentation.
	Metrics *metrics.Registry
}

func (o *Options) applyDefaults() {
	if o.MaxSize <= 0 {
		o.MaxSize = 10000
	}
	if o.HighWatermark <= 0 {
		o.HighWatermark = 0.8
	}
	if o.LowWatermark <= 0 {
		o.LowWatermark = 0.6
	}
	if o.DropThreshold <= 0 {
		o.DropThreshold = 0.95
	}
	if o.DedupWindowSize <= 0 {
		o.DedupWindowSize = 4096
	}
	if o.DedupTTL <= 0 {
		o.DedupTTL = 60 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
}

// Queue is a mutex-guarded priority heap with a notification channel for
// blocked readers. Strict priority across classes, FIFO within a class.
type Queue struct {
	mu      sync.Mutex
	items   qheap
	bp      *backpressure
	dedup   *dedupWindow
	opts    Options
	nextSeq uint64
	closed  bool

	// Fires (capacity 1) whenever an item is inserted.
	notify chan struct{}

	enqueued  atomic.Int64
	dequeued  atomic.Int64
	retried   atomic.Int64
	duplicate atomic.Int64
}

// New builds a queue with the given options.
func New(opts Options) *Queue {
	opts.applyDefaults()
	return &Queue{
		bp:     newBackpressure(opts.MaxSize, opts.HighWatermark, opts.LowWatermark, opts.DropThreshold),
		dedup:  newDedupWindow(opts.DedupWindowSize, opts.DedupTTL),
		opts:   opts,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue offers a fresh envelope at the given priority. The back-pressure
// controller and the dedup window may reject it; the returned error names
// the reason (ErrQueueFull, ErrThrottled, ErrDuplicate).
func (q *Queue) Enqueue(env *protocol.Business, pri Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	fp := fingerprint(env)
	if q.dedup.contains(fp, time.Now()) {
		q.duplicate.Add(1)
		q.reject("duplicate")
		return ErrDuplicate
	}
	if err := q.bp.admit(pri, q.items.Len()); err != nil {
		if errors.Is(err, ErrQueueFull) {
			q.reject("full")
		} else {
			q.reject("throttled")
		}
		return err
	}

	now := time.Now()
	q.push(&QueuedMessage{
		Envelope:   env,
		Priority:   pri,
		EnqueuedAt: now,
		MaxRetries: q.opts.MaxRetries,
	})
	q.dedup.add(fp, now)
	q.enqueued.Add(1)
	if m := q.opts.Metrics; m != nil {
		m.QueueEnqueued.WithLabelValues(pri.String()).Inc()
		m.QueueDepth.Set(float64(q.items.Len()))
	}
	return nil
}

func (q *Queue) reject(reason string) {
	if m := q.opts.Metrics; m != nil {
		m.QueueRejected.WithLabelValues(reason).Inc()
	}
}

// Retry re-enqueues a previously dequeued message with a fresh timestamp,
// losing its original position. Fails with ErrMaxRetries once the budget is
// spent. Retries bypass the dedup window (the fingerprint is already in it)
// but still honor capacity and back-pressure.
func (q *Queue) Retry(qm *QueuedMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if qm.RetryCount+1 > qm.MaxRetries {
		return ErrMaxRetries
	}
	if err := q.bp.admit(qm.Priority, q.items.Len()); err != nil {
		return err
	}

	qm.RetryCount++
	qm.EnqueuedAt = time.Now()
	q.push(qm)
	q.retried.Add(1)
	if m := q.opts.Metrics; m != nil {
		m.QueueRetries.Inc()
		m.QueueDepth.Set(float64(q.items.Len()))
	}
	return nil
}

// push inserts under q.mu and wakes one waiting reader.
func (q *Queue) push(qm *QueuedMessage) {
	qm.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.items, qm)
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue pops the highest-priority message, waiting up to timeout for one
// to arrive. Returns (nil, false) on timeout or close.
func (q *Queue) Dequeue(timeout time.Duration) (*QueuedMessage, bool) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			qm := heap.Pop(&q.items).(*QueuedMessage)
			q.bp.observe(q.items.Len())
			if m := q.opts.Metrics; m != nil {
				m.QueueDequeued.Inc()
				m.QueueDepth.Set(float64(q.items.Len()))
			}
			q.mu.Unlock()
			q.dequeued.Add(1)
			return qm, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
			return nil, false
		}
	}
}

// Size returns the current depth.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Clear drops all queued messages and resets back-pressure state.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	q.bp.observe(0)
}

// Close wakes all readers; further enqueues fail with ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.notify)
}

// Stats reports counters for the observability surface.
func (q *Queue) Stats() map[string]any {
	q.mu.Lock()
	size := q.items.Len()
	throttling := q.bp.throttling
	q.mu.Unlock()
	return map[string]any{
		"size":       size,
		"max_size":   q.opts.MaxSize,
		"throttling": throttling,
		"enqueued":   q.enqueued.Load(),
		"dequeued":   q.dequeued.Load(),
		"retried":    q.retried.Load(),
		"duplicate":  q.duplicate.Load(),
		"throttled":  q.bp.throttled.Load(),
		"dropped":    q.bp.dropped.Load(),
	}
}

// qheap orders by priority, then enqueue time, then insertion sequence.
type qheap []*QueuedMessage

func (h qheap) Len() int { return len(h) }

func (h qheap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h qheap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *qheap) Push(x any) { *h = append(*h, x.(*QueuedMessage)) }

func (h *qheap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

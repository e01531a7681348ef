package queue

import "sync/atomic"

// backpressure gates enqueues against queue depth. Above the high
// watermark only Critical/High are admitted; above the drop threshold only
// Critical. Throttling is sticky until depth falls back to the low
// watermark so the queue does not flap around one threshold.
// All methods are called with the owning Queue's mutex held.
type backpressure struct {
	maxSize int
	high    float64
	low     float64
	drop    float64

	throttling bool

	throttled atomic.Int64
	dropped   atomic.Int64
}

func newBackpressure(maxSize int, high, low, drop float64) *backpressure {
	return &backpressure{maxSize: maxSize, high: high, low: low, drop: drop}
}

// admit decides whether a message of the given priority may enter a queue
// currently holding size messages.
func (b *backpressure) admit(p Priority, size int) error {
	if size >= b.maxSize {
		b.dropped.Add(1)
		return ErrQueueFull
	}

	ratio := float64(size) / float64(b.maxSize)
	b.update(ratio)

	if !b.throttling {
		return nil
	}
	if ratio >= b.drop {
		if p != Critical {
			b.dropped.Add(1)
			return ErrThrottled
		}
		return nil
	}
	if p > High {
		b.throttled.Add(1)
		return ErrThrottled
	}
	return nil
}

// observe re-evaluates the throttling state after depth changes that are
// not enqueues (dequeue, clear).
func (b *backpressure) observe(size int) {
	b.update(float64(size) / float64(b.maxSize))
}

func (b *backpressure) update(ratio float64) {
	if b.throttling {
		if ratio <= b.low {
			b.throttling = false
		}
	} else if ratio >= b.high {
		b.throttling = true
	}
}

package rpc

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerOptions configures the per-target circuit breakers.
type BreakerOptions struct {
	FailureThreshold int           // consecutive failures to trip (default 5)
	RecoveryTimeout  time.Duration // open -> half-open delay (default 30s)
	SuccessThreshold int           // half-open successes to close (default 3)
	WindowSize       int           // result window for rate observation (default 100)
}

func (o *BreakerOptions) applyDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 30 * time.Second
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 3
	}
	if o.WindowSize <= 0 {
		o.WindowSize = 100
	}
}

// Breaker wraps one target's circuit breaker plus a sliding window of call
// results kept for the stats surface.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	window *resultWindow
}

// Execute runs fn under the breaker. Fast-fail rejections surface as
// ErrCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	b.window.record(err == nil)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns closed | half-open | open.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// SuccessRate returns the fraction of successful calls in the window.
func (b *Breaker) SuccessRate() float64 {
	return b.window.successRate()
}

// BreakerGroup lazily creates one Breaker per target.
type BreakerGroup struct {
	opts BreakerOptions

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerGroup builds the group.
func NewBreakerGroup(opts BreakerOptions) *BreakerGroup {
	opts.applyDefaults()
	return &BreakerGroup{opts: opts, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for a target, creating it on first use.
func (g *BreakerGroup) For(target string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[target]; ok {
		return b
	}
	threshold := uint32(g.opts.FailureThreshold)
	b := &Breaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: target,
			// Half-open admits SuccessThreshold probes; that many
			// consecutive successes closes the breaker again.
			MaxRequests: uint32(g.opts.SuccessThreshold),
			Timeout:     g.opts.RecoveryTimeout,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= threshold
			},
		}),
		window: newResultWindow(g.opts.WindowSize),
	}
	g.breakers[target] = b
	return b
}

// States snapshots every known breaker for the stats surface.
func (g *BreakerGroup) States() map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]any, len(g.breakers))
	for target, b := range g.breakers {
		out[target] = map[string]any{
			"state":        b.State(),
			"success_rate": b.SuccessRate(),
		}
	}
	return out
}

// resultWindow is a fixed-size ring of call outcomes.
type resultWindow struct {
	mu      sync.Mutex
	results []bool
	next    int
	filled  int
}

func newResultWindow(size int) *resultWindow {
	return &resultWindow{results: make([]bool, size)}
}

func (w *resultWindow) record(ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[w.next] = ok
	w.next = (w.next + 1) % len(w.results)
	if w.filled < len(w.results) {
		w.filled++
	}
}

func (w *resultWindow) successRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 1.0
	}
	ok := 0
	for i := 0; i < w.filled; i++ {
		if w.results[i] {
			ok++
		}
	}
	return float64(ok) / float64(w.filled)
}

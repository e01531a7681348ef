package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AcceptLimiterOptions bounds the WS accept rate per client IP and
// globally.
type AcceptLimiterOptions struct {
	Enabled     bool
	PerIPRate   float64 // upgrades per second per IP (default 5)
	PerIPBurst  int     // default 10
	GlobalRate  float64 // upgrades per second overall (default 500)
	GlobalBurst int     // default 1000
}

func (o *AcceptLimiterOptions) applyDefaults() {
	if o.PerIPRate <= 0 {
		o.PerIPRate = 5
	}
	if o.PerIPBurst <= 0 {
		o.PerIPBurst = 10
	}
	if o.GlobalRate <= 0 {
		o.GlobalRate = 500
	}
	if o.GlobalBurst <= 0 {
		o.GlobalBurst = 1000
	}
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AcceptLimiter throttles connection upgrades. Idle per-IP limiters are
// evicted after ten minutes.
type AcceptLimiter struct {
	opts   AcceptLimiterOptions
	global *rate.Limiter

	mu    sync.Mutex
	byIP  map[string]*ipLimiter
	sweep time.Time
}

// NewAcceptLimiter builds the limiter.
func NewAcceptLimiter(opts AcceptLimiterOptions) *AcceptLimiter {
	opts.applyDefaults()
	return &AcceptLimiter{
		opts:   opts,
		global: rate.NewLimiter(rate.Limit(opts.GlobalRate), opts.GlobalBurst),
		byIP:   make(map[string]*ipLimiter),
		sweep:  time.Now(),
	}
}

// Allow reports whether an upgrade from ip may proceed.
func (l *AcceptLimiter) Allow(ip string) bool {
	if !l.opts.Enabled {
		return true
	}
	if !l.global.Allow() {
		return false
	}

	l.mu.Lock()
	entry, ok := l.byIP[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(l.opts.PerIPRate), l.opts.PerIPBurst)}
		l.byIP[ip] = entry
	}
	entry.lastSeen = time.Now()
	if time.Since(l.sweep) > 10*time.Minute {
		for k, v := range l.byIP {
			if time.Since(v.lastSeen) > 10*time.Minute {
				delete(l.byIP, k)
			}
		}
		l.sweep = time.Now()
	}
	l.mu.Unlock()

	return entry.limiter.Allow()
}

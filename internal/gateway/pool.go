package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
)

// PoolState summarizes load against max_concurrent.
type PoolState int32

const (
	PoolReady      PoolState = iota // below 70% of capacity
	PoolDegraded                    // 70-90%
	PoolOverloaded                  // above 90%
)

func (s PoolState) String() string {
	switch s {
	case PoolReady:
		return "ready"
	case PoolDegraded:
		return "degraded"
	default:
		return "overloaded"
	}
}

// ErrPoolFull rejects accepts beyond max_concurrent.
var ErrPoolFull = errors.New("gateway: connection pool full")

// PoolOptions configures capacity and recycling.
type PoolOptions struct {
	MaxConcurrent   int           // active connection cap (default 8000)
	PreAllocateSize int           // shells built at init (default 1000)
	MaxIdleShells   int           // idle shell cap, defaults to PreAllocateSize
	MaxIdleTime     time.Duration // inactivity bound before cleanup (default 300s)
	CleanupInterval time.Duration // cleanup loop period (default 60s)
	StatsInterval   time.Duration // pool state refresh period (default 10s)

	Conn ConnOptions // forwarded to every shell, including its Metrics
}

func (o *PoolOptions) applyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 8000
	}
	if o.PreAllocateSize < 0 {
		o.PreAllocateSize = 0
	}
	if o.PreAllocateSize == 0 {
		o.PreAllocateSize = 1000
	}
	if o.MaxIdleShells <= 0 {
		o.MaxIdleShells = o.PreAllocateSize
	}
	if o.MaxIdleTime <= 0 {
		o.MaxIdleTime = 300 * time.Second
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 60 * time.Second
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = 10 * time.Second
	}
}

// Pool owns every Connection: active ones by id plus a deque of idle
// reusable shells.
type Pool struct {
	opts   PoolOptions
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*Connection
	idle   []*Connection

	state atomic.Int32

	cancel context.CancelFunc
	wg     sync.WaitGroup

	created     atomic.Int64
	reuseHits   atomic.Int64
	reuseMisses atomic.Int64
	rejected    atomic.Int64
	released    atomic.Int64
	recycled    atomic.Int64
	destroyed   atomic.Int64
}

// NewPool pre-allocates the shell deque.
func NewPool(opts PoolOptions, logger zerolog.Logger) *Pool {
	opts.applyDefaults()
	p := &Pool{
		opts:   opts,
		logger: logger.With().Str("component", "conn_pool").Logger(),
		active: make(map[string]*Connection),
		idle:   make([]*Connection, 0, opts.PreAllocateSize),
	}
	for i := 0; i < opts.PreAllocateSize; i++ {
		p.idle = append(p.idle, newConnection(opts.Conn, p.logger))
	}
	p.state.Store(int32(PoolReady))
	return p
}

// Start launches the cleanup and stats loops.
func (p *Pool) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.wg.Add(2)
	go p.cleanupLoop(ctx)
	go p.statsLoop(ctx)
}

// Create binds an upgraded socket to a shell and activates it. Rejects
// with ErrPoolFull at the concurrency cap.
func (p *Pool) Create(conn net.Conn, remoteAddr string) (*Connection, error) {
	p.mu.Lock()
	if len(p.active) >= p.opts.MaxConcurrent {
		p.mu.Unlock()
		p.rejected.Add(1)
		return nil, ErrPoolFull
	}

	var c *Connection
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.reuseHits.Add(1)
		if m := p.opts.Conn.Metrics; m != nil {
			m.PoolReuseHits.Inc()
		}
	} else {
		c = newConnection(p.opts.Conn, p.logger)
		p.reuseMisses.Add(1)
		p.created.Add(1)
		if m := p.opts.Conn.Metrics; m != nil {
			m.PoolReuseMisses.Inc()
		}
	}
	p.mu.Unlock()

	if err := c.Bind(conn, remoteAddr); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.active[c.ID] = c
	p.mu.Unlock()
	return c, nil
}

// Release closes a connection, removes it from the active map and recycles
// the shell when there is room, destroying it otherwise. Releasing a
// connection that already left the pool is a no-op, so the connection loop
// and CloseAll may both call it.
func (p *Pool) Release(c *Connection) {
	c.Close(protocol.CloseNormal, "released")
	c.Wait()

	p.mu.Lock()
	_, owned := p.active[c.ID]
	if owned {
		delete(p.active, c.ID)
	}
	p.mu.Unlock()
	if !owned {
		return
	}
	p.released.Add(1)

	c.Reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) < p.opts.MaxIdleShells {
		p.idle = append(p.idle, c)
		p.recycled.Add(1)
	} else {
		p.destroyed.Add(1)
	}
}

// Get resolves an active connection by id.
func (p *Pool) Get(id string) (*Connection, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.active[id]
	return c, ok
}

// ActiveCount returns the number of live connections.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// State returns the load classification.
func (p *Pool) State() PoolState {
	return PoolState(p.state.Load())
}

// CloseAll shuts every active connection; used on gateway shutdown.
func (p *Pool) CloseAll(code int, reason string) {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.active))
	for _, c := range p.active {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		// Close first so the client sees the intended code; the Release
		// close below is then a no-op.
		c.Close(code, reason)
		p.Release(c)
	}
}

// Stop halts the loops and closes everything.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.CloseAll(protocol.CloseNormal, "gateway shutdown")
}

// cleanupLoop releases connections idle past MaxIdleTime or no longer
// alive.
func (p *Pool) cleanupLoop(ctx context.Context) {
	defer p.wg.Done()
	defer logging.RecoverPanic(p.logger, "pool_cleanup")

	ticker := time.NewTicker(p.opts.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	stale := make([]*Connection, 0)
	for _, c := range p.active {
		if time.Since(c.LastActivity()) > p.opts.MaxIdleTime || !c.Alive() {
			stale = append(stale, c)
		}
	}
	p.mu.Unlock()

	for _, c := range stale {
		p.logger.Info().
			Str("conn_id", c.ID).
			Time("last_activity", c.LastActivity()).
			Msg("Releasing idle connection")
		p.Release(c)
	}
}

// statsLoop refreshes the Ready/Degraded/Overloaded classification.
func (p *Pool) statsLoop(ctx context.Context) {
	defer p.wg.Done()
	defer logging.RecoverPanic(p.logger, "pool_stats")

	ticker := time.NewTicker(p.opts.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m := p.opts.Conn.Metrics; m != nil {
				p.mu.Lock()
				m.ConnectionsActive.Set(float64(len(p.active)))
				m.ConnectionsIdle.Set(float64(len(p.idle)))
				p.mu.Unlock()
			}
			ratio := float64(p.ActiveCount()) / float64(p.opts.MaxConcurrent)
			next := PoolReady
			switch {
			case ratio >= 0.9:
				next = PoolOverloaded
			case ratio >= 0.7:
				next = PoolDegraded
			}
			prev := PoolState(p.state.Swap(int32(next)))
			if prev != next {
				p.logger.Warn().
					Str("from", prev.String()).
					Str("to", next.String()).
					Float64("load", ratio).
					Msg("Pool state changed")
			}
		}
	}
}

// Stats reports pool counters for the observability surface.
func (p *Pool) Stats() map[string]any {
	p.mu.Lock()
	active := len(p.active)
	idle := len(p.idle)
	p.mu.Unlock()
	return map[string]any{
		"state":          p.State().String(),
		"active":         active,
		"idle_shells":    idle,
		"max_concurrent": p.opts.MaxConcurrent,
		"created":        p.created.Load(),
		"reuse_hits":     p.reuseHits.Load(),
		"reuse_misses":   p.reuseMisses.Load(),
		"rejected":       p.rejected.Load(),
		"released":       p.released.Load(),
		"recycled":       p.recycled.Load(),
		"destroyed":      p.destroyed.Load(),
	}
}

package rpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
)

// PoolOptions configures the per-target channel pool.
type PoolOptions struct {
	MinChannels    int           // channels opened on first demand (default 10)
	MaxChannels    int           // upper bound per target (default 20)
	HealthInterval time.Duration // probe period (default 10s)
	MaxFailures    int           // consecutive bad probes before recycle (default 3)
	DialTimeout    time.Duration // wait-for-ready budget on create (default 5s)
}

func (o *PoolOptions) applyDefaults() {
	if o.MinChannels <= 0 {
		o.MinChannels = 10
	}
	if o.MaxChannels < o.MinChannels {
		o.MaxChannels = o.MinChannels * 2
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.MaxFailures <= 0 {
		o.MaxFailures = 3
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
}

// channel is one pooled ClientConn with probe bookkeeping.
type channel struct {
	cc        *grpc.ClientConn
	createdAt time.Time
	lastUsed  atomic.Int64 // unix nanos
	failures  int          // consecutive failed probes, health loop only
}

type targetPool struct {
	target string
	mu     sync.Mutex
	conns  []*channel
	rr     atomic.Uint64
}

// ChannelPool maintains a ready set of gRPC channels per backend target
// with round-robin selection, a periodic connectivity probe, and recycling
// of channels stuck in transient failure.
type ChannelPool struct {
	opts   PoolOptions
	logger zerolog.Logger

	mu      sync.Mutex
	targets map[string]*targetPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	created  atomic.Int64
	recycled atomic.Int64
}

// NewChannelPool builds the pool and starts its health loop.
func NewChannelPool(opts PoolOptions, logger zerolog.Logger) *ChannelPool {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &ChannelPool{
		opts:    opts,
		logger:  logger.With().Str("component", "channel_pool").Logger(),
		targets: make(map[string]*targetPool),
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.healthLoop()
	return p
}

// GetChannel returns a usable channel for the target by round-robin, or
// ErrNoChannel when every channel is down. The target's pool is created on
// first demand.
func (p *ChannelPool) GetChannel(target string) (*grpc.ClientConn, error) {
	tp := p.targetPool(target)

	tp.mu.Lock()
	defer tp.mu.Unlock()

	n := len(tp.conns)
	if n == 0 {
		return nil, ErrNoChannel
	}
	start := int(tp.rr.Add(1))
	for i := 0; i < n; i++ {
		ch := tp.conns[(start+i)%n]
		switch ch.cc.GetState() {
		case connectivity.Ready:
			ch.lastUsed.Store(time.Now().UnixNano())
			return ch.cc, nil
		case connectivity.Idle:
			// Kick the channel; it becomes usable once the transport is up.
			ch.cc.Connect()
		}
	}
	// Second pass: accept a connecting channel rather than failing outright;
	// the call's own deadline bounds the wait.
	for i := 0; i < n; i++ {
		ch := tp.conns[(start+i)%n]
		s := ch.cc.GetState()
		if s == connectivity.Connecting || s == connectivity.Idle {
			ch.lastUsed.Store(time.Now().UnixNano())
			return ch.cc, nil
		}
	}
	return nil, ErrNoChannel
}

// targetPool returns the pool for a target, warming MinChannels on first use.
func (p *ChannelPool) targetPool(target string) *targetPool {
	p.mu.Lock()
	tp, ok := p.targets[target]
	if !ok {
		tp = &targetPool{target: target}
		p.targets[target] = tp
	}
	p.mu.Unlock()

	if !ok {
		tp.mu.Lock()
		for i := 0; i < p.opts.MinChannels; i++ {
			if ch := p.dial(target); ch != nil {
				tp.conns = append(tp.conns, ch)
			}
		}
		tp.mu.Unlock()
	}
	return tp
}

// dial opens one channel and waits up to DialTimeout for it to become
// ready. A channel that is still connecting is kept; only hard dial errors
// return nil.
func (p *ChannelPool) dial(target string) *channel {
	cc, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		p.logger.Warn().Str("target", target).Err(err).Msg("Failed to create channel")
		return nil
	}
	cc.Connect()

	ctx, cancel := context.WithTimeout(p.ctx, p.opts.DialTimeout)
	defer cancel()
	for {
		s := cc.GetState()
		if s == connectivity.Ready {
			break
		}
		if !cc.WaitForStateChange(ctx, s) {
			// Timed out waiting; keep the channel, the health loop will
			// recycle it if it never comes up.
			break
		}
	}

	p.created.Add(1)
	return &channel{cc: cc, createdAt: time.Now()}
}

// healthLoop probes connectivity and recycles channels stuck in transient
// failure for MaxFailures consecutive probes.
func (p *ChannelPool) healthLoop() {
	defer p.wg.Done()
	defer logging.RecoverPanic(p.logger, "channel_pool_health")

	ticker := time.NewTicker(p.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *ChannelPool) probeAll() {
	p.mu.Lock()
	pools := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		pools = append(pools, tp)
	}
	p.mu.Unlock()

	for _, tp := range pools {
		tp.mu.Lock()
		for i, ch := range tp.conns {
			switch ch.cc.GetState() {
			case connectivity.TransientFailure, connectivity.Shutdown:
				ch.failures++
			default:
				ch.failures = 0
			}
			if ch.failures >= p.opts.MaxFailures {
				p.logger.Warn().
					Str("target", tp.target).
					Int("failures", ch.failures).
					Msg("Recycling unhealthy channel")
				_ = ch.cc.Close()
				p.recycled.Add(1)
				if fresh := p.dial(tp.target); fresh != nil {
					tp.conns[i] = fresh
				}
			}
		}
		tp.mu.Unlock()
	}
}

// TargetStats describes one target's channel states.
type TargetStats struct {
	Target string         `json:"target"`
	States map[string]int `json:"states"`
}

// Stats reports the state distribution per target.
func (p *ChannelPool) Stats() map[string]any {
	p.mu.Lock()
	pools := make([]*targetPool, 0, len(p.targets))
	for _, tp := range p.targets {
		pools = append(pools, tp)
	}
	p.mu.Unlock()

	targets := make([]TargetStats, 0, len(pools))
	for _, tp := range pools {
		st := TargetStats{Target: tp.target, States: map[string]int{}}
		tp.mu.Lock()
		for _, ch := range tp.conns {
			st.States[ch.cc.GetState().String()]++
		}
		tp.mu.Unlock()
		targets = append(targets, st)
	}
	return map[string]any{
		"created":  p.created.Load(),
		"recycled": p.recycled.Load(),
		"targets":  targets,
	}
}

// Shutdown cancels the health loop and closes every channel.
func (p *ChannelPool) Shutdown() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, tp := range p.targets {
		tp.mu.Lock()
		for _, ch := range tp.conns {
			_ = ch.cc.Close()
		}
		tp.conns = nil
		tp.mu.Unlock()
	}
	p.targets = map[string]*targetPool{}
}

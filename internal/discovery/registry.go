// Package discovery tracks backend service instances, keeps one consistent
// hash ring per service, and maintains healthy flags through periodic
// probes. Instance sets come from a pluggable Source (environment,
// static file, or NATS announcements).
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrkingu/knight-hero-server-sub001/internal/hashring"
	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
)

// ServiceInstance is one backend process address.
type ServiceInstance struct {
	ServiceName     string    `json:"service_name"`
	InstanceID      string    `json:"instance_id"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Weight          int       `json:"weight"`
	Healthy         bool      `json:"healthy"`
	LastHealthCheck time.Time `json:"last_health_check"`
}

// Key returns host:port, the identity used on rings and in channel pools.
func (i *ServiceInstance) Key() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// Source supplies the instance list for a service type.
type Source interface {
	ListInstances(ctx context.Context, serviceType string) ([]*ServiceInstance, error)
}

// WatchSource additionally pushes changes; ListInstances remains the
// fallback for the periodic refresh.
type WatchSource interface {
	Source
	Watch(ctx context.Context, serviceType string, apply func([]*ServiceInstance)) error
}

// Prober checks one instance; nil error means healthy.
type Prober func(ctx context.Context, target string) error

// Options configures the registry loops.
type Options struct {
	Services        []string      // service types to track (logic, chat, fight)
	RefreshInterval time.Duration // source re-fetch period (default 30s)
	HealthInterval  time.Duration // probe period (default 10s)
	ProbeTimeout    time.Duration // per-probe deadline (default 2s)
}

func (o *Options) applyDefaults() {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = 30 * time.Second
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
}

// Registry is the service-type -> instances map plus one hash ring per
// service. Mutations take the write lock; the rings themselves are
// copy-on-write and safe for lock-free readers.
type Registry struct {
	source Source
	prober Prober
	opts   Options
	logger zerolog.Logger

	mu        sync.RWMutex
	instances map[string]map[string]*ServiceInstance // service -> key -> instance
	rings     map[string]*hashring.Ring

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry builds a registry; call Start to begin the loops.
func NewRegistry(source Source, prober Prober, opts Options, logger zerolog.Logger) *Registry {
	opts.applyDefaults()
	r := &Registry{
		source:    source,
		prober:    prober,
		opts:      opts,
		logger:    logger.With().Str("component", "discovery").Logger(),
		instances: make(map[string]map[string]*ServiceInstance),
		rings:     make(map[string]*hashring.Ring),
	}
	for _, svc := range opts.Services {
		r.instances[svc] = make(map[string]*ServiceInstance)
		r.rings[svc] = hashring.New()
	}
	return r
}

// Start performs an initial refresh and launches the refresh and health
// loops. If the source supports watching, a watcher per service is also
// started.
func (r *Registry) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel

	r.refreshAll(ctx)

	r.wg.Add(2)
	go r.refreshLoop(ctx)
	go r.healthLoop(ctx)

	if ws, ok := r.source.(WatchSource); ok {
		for _, svc := range r.opts.Services {
			svc := svc
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer logging.RecoverPanic(r.logger, "discovery_watch")
				if err := ws.Watch(ctx, svc, func(list []*ServiceInstance) {
					r.apply(svc, list)
				}); err != nil && ctx.Err() == nil {
					r.logger.Warn().Str("service", svc).Err(err).Msg("Discovery watch ended")
				}
			}()
		}
	}
}

// Stop cancels all loops and waits for them.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Register adds or replaces an instance manually.
func (r *Registry) Register(inst *ServiceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc := inst.ServiceName
	if _, ok := r.instances[svc]; !ok {
		r.instances[svc] = make(map[string]*ServiceInstance)
		r.rings[svc] = hashring.New()
	}
	key := inst.Key()
	if _, existed := r.instances[svc][key]; !existed {
		r.rings[svc].Add(key)
	}
	r.instances[svc][key] = inst
}

// Unregister removes an instance manually.
func (r *Registry) Unregister(service, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.instances[service]; ok {
		if _, existed := m[key]; existed {
			delete(m, key)
			r.rings[service].Remove(key)
		}
	}
}

// Instances returns a snapshot of a service's instances.
func (r *Registry) Instances(service string) []*ServiceInstance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m := r.instances[service]
	out := make([]*ServiceInstance, 0, len(m))
	for _, inst := range m {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// Instance resolves one instance by service and host:port key.
func (r *Registry) Instance(service, key string) (*ServiceInstance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[service][key]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// IsHealthy reports the current healthy flag of an instance.
func (r *Registry) IsHealthy(service, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[service][key]
	return ok && inst.Healthy
}

// SetHealthy overrides the healthy flag (used by operators and tests; the
// health loop will re-evaluate on its next pass).
func (r *Registry) SetHealthy(service, key string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[service][key]; ok {
		inst.Healthy = healthy
	}
}

// Ring returns the ring for a service; lookups on it never block.
func (r *Registry) Ring(service string) (*hashring.Ring, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ring, ok := r.rings[service]
	return ring, ok
}

// Stats reports per-service instance health for the observability surface.
func (r *Registry) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.instances))
	for svc, m := range r.instances {
		healthy := 0
		for _, inst := range m {
			if inst.Healthy {
				healthy++
			}
		}
		out[svc] = map[string]any{"total": len(m), "healthy": healthy}
	}
	return out
}

func (r *Registry) refreshLoop(ctx context.Context) {
	defer r.wg.Done()
	defer logging.RecoverPanic(r.logger, "discovery_refresh")

	ticker := time.NewTicker(r.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *Registry) refreshAll(ctx context.Context) {
	for _, svc := range r.opts.Services {
		list, err := r.source.ListInstances(ctx, svc)
		if err != nil {
			r.logger.Warn().Str("service", svc).Err(err).Msg("Discovery refresh failed")
			continue
		}
		r.apply(svc, list)
	}
}

// apply reconciles a service's instance set: new instances join the ring,
// vanished instances leave it, surviving instances keep their health state.
func (r *Registry) apply(service string, list []*ServiceInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.instances[service]
	if !ok {
		current = make(map[string]*ServiceInstance)
		r.instances[service] = current
		r.rings[service] = hashring.New()
	}
	ring := r.rings[service]

	incoming := make(map[string]*ServiceInstance, len(list))
	for _, inst := range list {
		inst.ServiceName = service
		if inst.Weight <= 0 {
			inst.Weight = 1
		}
		incoming[inst.Key()] = inst
	}

	for key, inst := range incoming {
		if existing, found := current[key]; found {
			existing.Weight = inst.Weight
			if inst.InstanceID != "" {
				existing.InstanceID = inst.InstanceID
			}
			continue
		}
		// New instances start healthy; the next probe corrects that if
		// needed.
		inst.Healthy = true
		current[key] = inst
		ring.Add(key)
		r.logger.Info().Str("service", service).Str("instance", key).Msg("Instance added")
	}
	for key := range current {
		if _, still := incoming[key]; !still {
			delete(current, key)
			ring.Remove(key)
			r.logger.Info().Str("service", service).Str("instance", key).Msg("Instance removed")
		}
	}
}

func (r *Registry) healthLoop(ctx context.Context) {
	defer r.wg.Done()
	defer logging.RecoverPanic(r.logger, "discovery_health")

	ticker := time.NewTicker(r.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context) {
	if r.prober == nil {
		return
	}

	type probeTarget struct {
		service string
		key     string
	}
	r.mu.RLock()
	targets := make([]probeTarget, 0)
	for svc, m := range r.instances {
		for key := range m {
			targets = append(targets, probeTarget{service: svc, key: key})
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		probeCtx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
		err := r.prober(probeCtx, t.key)
		cancel()

		r.mu.Lock()
		if inst, ok := r.instances[t.service][t.key]; ok {
			wasHealthy := inst.Healthy
			inst.Healthy = err == nil
			inst.LastHealthCheck = time.Now()
			if wasHealthy != inst.Healthy {
				r.logger.Warn().
					Str("service", t.service).
					Str("instance", t.key).
					Bool("healthy", inst.Healthy).
					Msg("Instance health changed")
			}
		}
		r.mu.Unlock()
	}
}

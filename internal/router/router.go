// Package router resolves business envelopes to backend instances: msg-id
// range -> service type, then route cache, then consistent-hash lookup
// keyed by player id, skipping unhealthy instances.
package router

import (
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mrkingu/knight-hero-server-sub001/internal/discovery"
	"github.com/mrkingu/knight-hero-server-sub001/internal/metrics"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
	"github.com/mrkingu/knight-hero-server-sub001/internal/routecache"
)

var (
	// ErrUnknownMessageID means the msg id falls outside every routable range.
	ErrUnknownMessageID = errors.New("router: unknown message id")
	// ErrNoHealthyInstance means the target service has no usable instance.
	ErrNoHealthyInstance = errors.New("router: no healthy instance")
)

// Route is a resolved destination.
type Route struct {
	Service string
	Target  string // host:port
}

// Router resolves destinations and remembers them in the route cache.
type Router struct {
	registry *discovery.Registry
	cache    *routecache.Cache
	metrics  *metrics.Registry
	logger   zerolog.Logger

	resolved   atomic.Int64
	cacheHits  atomic.Int64
	failovers  atomic.Int64
	unroutable atomic.Int64
}

// New builds a router over the registry and cache. The metrics registry is
// optional.
func New(registry *discovery.Registry, cache *routecache.Cache, m *metrics.Registry, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		cache:    cache,
		metrics:  m,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// Resolve picks the backend instance for an envelope. Cached routes are
// reused while the instance stays healthy and still owns the key on the
// ring; otherwise the service ring is consulted, walking past unhealthy
// owners.
func (r *Router) Resolve(msg *protocol.Business) (Route, error) {
	if r.metrics != nil {
		r.metrics.RouteLookups.Inc()
	}
	service, ok := protocol.ServiceForMsgID(msg.MsgID)
	if !ok {
		r.fail("unknown_msg_id")
		return Route{}, fmt.Errorf("%w: %d", ErrUnknownMessageID, msg.MsgID)
	}

	key := routecache.Key{MsgID: msg.MsgID, PlayerID: msg.PlayerID}
	if target, ok := r.cache.Get(key); ok {
		if r.registry.IsHealthy(service, target) && !r.ownerRecovered(service, msg.PlayerID, target) {
			r.cacheHits.Add(1)
			r.resolved.Add(1)
			if r.metrics != nil {
				r.metrics.RouteCacheHits.Inc()
			}
			return Route{Service: service, Target: target}, nil
		}
		// Stale entry: the instance died, or it was a failover route and
		// the ring's owner came back.
		r.cache.Invalidate(key)
	}

	target, err := r.lookup(service, msg.PlayerID)
	if err != nil {
		r.fail("no_instance")
		return Route{}, err
	}

	r.cache.Put(key, target)
	r.resolved.Add(1)
	return Route{Service: service, Target: target}, nil
}

// ownerRecovered reports whether the ring assigns the key to a different
// instance than the cached one and that owner is healthy again. Placement
// follows the ring, so a failover route lasts only while the owner is down.
// Anonymous envelopes have no stable owner and always keep their cache
// entry.
func (r *Router) ownerRecovered(service, playerID, cached string) bool {
	if playerID == "" {
		return false
	}
	ring, ok := r.registry.Ring(service)
	if !ok {
		return false
	}
	owner, ok := ring.Lookup(playerID)
	return ok && owner != cached && r.registry.IsHealthy(service, owner)
}

func (r *Router) fail(reason string) {
	r.unroutable.Add(1)
	if r.metrics != nil {
		r.metrics.RouteErrors.WithLabelValues(reason).Inc()
	}
}

// ResolveExcluding re-resolves after a delivery failure, skipping the
// targets already tried. The cache entry for the envelope is replaced with
// the failover target.
func (r *Router) ResolveExcluding(msg *protocol.Business, failed map[string]bool) (Route, error) {
	service, ok := protocol.ServiceForMsgID(msg.MsgID)
	if !ok {
		r.fail("unknown_msg_id")
		return Route{}, fmt.Errorf("%w: %d", ErrUnknownMessageID, msg.MsgID)
	}

	ring, ok := r.registry.Ring(service)
	if !ok || ring.Len() == 0 {
		r.fail("no_instance")
		return Route{}, fmt.Errorf("%w: %s", ErrNoHealthyInstance, service)
	}

	target, ok := ring.LookupExcluding(r.hashKey(msg.PlayerID), func(member string) bool {
		return failed[member] || !r.registry.IsHealthy(service, member)
	})
	if !ok {
		r.fail("no_instance")
		return Route{}, fmt.Errorf("%w: %s", ErrNoHealthyInstance, service)
	}

	r.failovers.Add(1)
	if r.metrics != nil {
		r.metrics.RouteFailovers.Inc()
	}
	r.cache.Put(routecache.Key{MsgID: msg.MsgID, PlayerID: msg.PlayerID}, target)
	r.logger.Debug().
		Str("service", service).
		Str("target", target).
		Str("player_id", msg.PlayerID).
		Msg("Failover route")
	return Route{Service: service, Target: target}, nil
}

// Invalidate drops the cached route for an envelope, forcing the next
// resolve to hit the ring.
func (r *Router) Invalidate(msg *protocol.Business) {
	r.cache.Invalidate(routecache.Key{MsgID: msg.MsgID, PlayerID: msg.PlayerID})
}

func (r *Router) lookup(service, playerID string) (string, error) {
	ring, ok := r.registry.Ring(service)
	if !ok || ring.Len() == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoHealthyInstance, service)
	}
	target, ok := ring.LookupExcluding(r.hashKey(playerID), func(member string) bool {
		return !r.registry.IsHealthy(service, member)
	})
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoHealthyInstance, service)
	}
	return target, nil
}

// hashKey is the ring key: the player id when present, otherwise a
// timestamp-derived key so anonymous traffic still spreads.
func (r *Router) hashKey(playerID string) string {
	if playerID != "" {
		return playerID
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}

// Stats reports routing counters plus the cache's hit ratio.
func (r *Router) Stats() map[string]any {
	return map[string]any{
		"resolved":    r.resolved.Load(),
		"cache_hits":  r.cacheHits.Load(),
		"failovers":   r.failovers.Load(),
		"unroutable":  r.unroutable.Load(),
		"route_cache": r.cache.Stats(),
		"discovery":   r.registry.Stats(),
	}
}

// Package metrics exposes Prometheus instrumentation for every gateway
// component. One Registry is created at startup and threaded through the
// composition root.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles all gateway metrics on a dedicated Prometheus registry.
type Registry struct {
	reg *prometheus.Registry

	// Connection metrics
	ConnectionsTotal   prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ConnectionsIdle    prometheus.Gauge
	ConnectionsFailed  prometheus.Counter
	PoolReuseHits      prometheus.Counter
	PoolReuseMisses    prometheus.Counter
	DisconnectsTotal   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Message metrics
	MessagesReceived prometheus.Counter
	MessagesSent     prometheus.Counter
	BytesReceived    prometheus.Counter
	BytesSent        prometheus.Counter
	DecodeErrors     prometheus.Counter
	ReadQueueDrops   prometheus.Counter
	WriteQueueDrops  prometheus.Counter

	// Queue metrics
	QueueDepth     prometheus.Gauge
	QueueEnqueued  *prometheus.CounterVec
	QueueRejected  *prometheus.CounterVec
	QueueDequeued  prometheus.Counter
	QueueRetries   prometheus.Counter

	// Routing / dispatch metrics
	RouteLookups     prometheus.Counter
	RouteCacheHits   prometheus.Counter
	RouteFailovers   prometheus.Counter
	RouteErrors      *prometheus.CounterVec
	DispatchSent     *prometheus.CounterVec
	DispatchFailed   *prometheus.CounterVec
	DispatchDropped  prometheus.Counter
	BatchFlushSize   prometheus.Histogram

	// RPC metrics
	RPCCalls     *prometheus.CounterVec
	RPCLatency   prometheus.Histogram
	RPCRetries   prometheus.Counter
	BreakerState *prometheus.GaugeVec
	ChannelsOpen *prometheus.GaugeVec

	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionsExpired prometheus.Counter
	SessionRenewals prometheus.Counter
}

// New builds the registry with the standard Go/process collectors attached.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Registry{reg: reg}

	m.ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_connections_total",
		Help: "Total WebSocket connections accepted",
	})
	m.ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_connections_active",
		Help: "Current active WebSocket connections",
	})
	m.ConnectionsIdle = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_connections_idle",
		Help: "Connection shells parked in the idle pool",
	})
	m.ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_connections_failed_total",
		Help: "Connection attempts rejected or failed during accept",
	})
	m.PoolReuseHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_pool_reuse_hits_total",
		Help: "Accepts served from a recycled connection shell",
	})
	m.PoolReuseMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_pool_reuse_misses_total",
		Help: "Accepts that had to allocate a fresh connection shell",
	})
	m.DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_disconnects_total",
		Help: "Disconnections by reason",
	}, []string{"reason"})
	m.ConnectionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gw_connection_duration_seconds",
		Help:    "Connection lifetime before disconnect",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	})

	m.MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_messages_received_total",
		Help: "Messages received from clients",
	})
	m.MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_messages_sent_total",
		Help: "Messages sent to clients",
	})
	m.BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_bytes_received_total",
		Help: "Bytes received from clients",
	})
	m.BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_bytes_sent_total",
		Help: "Bytes sent to clients",
	})
	m.DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_decode_errors_total",
		Help: "Inbound frames dropped due to decode errors",
	})
	m.ReadQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_read_queue_drops_total",
		Help: "Decoded messages dropped on read queue overflow",
	})
	m.WriteQueueDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_write_queue_drops_total",
		Help: "Outbound messages dropped on write queue overflow",
	})

	m.QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_queue_depth",
		Help: "Current priority queue depth",
	})
	m.QueueEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_queue_enqueued_total",
		Help: "Messages accepted into the priority queue by priority",
	}, []string{"priority"})
	m.QueueRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_queue_rejected_total",
		Help: "Messages rejected by the priority queue by reason",
	}, []string{"reason"})
	m.QueueDequeued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_queue_dequeued_total",
		Help: "Messages pulled from the priority queue",
	})
	m.QueueRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_queue_retries_total",
		Help: "Messages re-enqueued for retry",
	})

	m.RouteLookups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_route_lookups_total",
		Help: "Routing decisions requested",
	})
	m.RouteCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_route_cache_hits_total",
		Help: "Routing decisions served from the route cache",
	})
	m.RouteFailovers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_route_failovers_total",
		Help: "Instance selections that required failover",
	})
	m.RouteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_route_errors_total",
		Help: "Routing failures by reason",
	}, []string{"reason"})
	m.DispatchSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_dispatch_sent_total",
		Help: "Messages forwarded to backends by service",
	}, []string{"service"})
	m.DispatchFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_dispatch_failed_total",
		Help: "Forwarding failures by reason",
	}, []string{"reason"})
	m.DispatchDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_dispatch_dropped_total",
		Help: "Messages dropped after exhausting retries",
	})
	m.BatchFlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gw_batch_flush_size",
		Help:    "Messages per batch flush",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
	})

	m.RPCCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gw_rpc_calls_total",
		Help: "RPC calls by service and outcome",
	}, []string{"service", "outcome"})
	m.RPCLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gw_rpc_latency_seconds",
		Help:    "RPC call latency",
		Buckets: prometheus.DefBuckets,
	})
	m.RPCRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_rpc_retries_total",
		Help: "RPC attempts beyond the first",
	})
	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gw_breaker_state",
		Help: "Circuit breaker state per target (0=closed 1=half-open 2=open)",
	}, []string{"target"})
	m.ChannelsOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gw_rpc_channels_open",
		Help: "Open channels per backend target",
	}, []string{"target"})

	m.SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gw_sessions_active",
		Help: "Sessions currently tracked in the local store",
	})
	m.SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_sessions_created_total",
		Help: "Sessions created",
	})
	m.SessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_sessions_expired_total",
		Help: "Sessions removed by the expiry sweep",
	})
	m.SessionRenewals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gw_session_renewals_total",
		Help: "Hot-session auto renewals",
	})

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsIdle,
		m.ConnectionsFailed, m.PoolReuseHits, m.PoolReuseMisses,
		m.DisconnectsTotal, m.ConnectionDuration,
		m.MessagesReceived, m.MessagesSent, m.BytesReceived, m.BytesSent,
		m.DecodeErrors, m.ReadQueueDrops, m.WriteQueueDrops,
		m.QueueDepth, m.QueueEnqueued, m.QueueRejected, m.QueueDequeued,
		m.QueueRetries,
		m.RouteLookups, m.RouteCacheHits, m.RouteFailovers, m.RouteErrors,
		m.DispatchSent, m.DispatchFailed, m.DispatchDropped, m.BatchFlushSize,
		m.RPCCalls, m.RPCLatency, m.RPCRetries, m.BreakerState, m.ChannelsOpen,
		m.SessionsActive, m.SessionsCreated, m.SessionsExpired, m.SessionRenewals,
	)

	return m
}

// Handler serves the registry for Prometheus scrapes.
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mrkingu/knight-hero-server-sub001/internal/discovery"
	"github.com/mrkingu/knight-hero-server-sub001/internal/dispatch"
	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
	"github.com/mrkingu/knight-hero-server-sub001/internal/metrics"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
	"github.com/mrkingu/knight-hero-server-sub001/internal/queue"
	"github.com/mrkingu/knight-hero-server-sub001/internal/router"
	"github.com/mrkingu/knight-hero-server-sub001/internal/rpc"
	"github.com/mrkingu/knight-hero-server-sub001/internal/session"
)

// ServerOptions configures the HTTP/WS front.
type ServerOptions struct {
	Addr           string        // listen address (default :3100)
	ReceiveTimeout time.Duration // per-iteration receive wait (default 1s)
	DrainGrace     time.Duration // shutdown budget (default 10s)
	Limiter        AcceptLimiterOptions
}

func (o *ServerOptions) applyDefaults() {
	if o.Addr == "" {
		o.Addr = ":3100"
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = time.Second
	}
	if o.DrainGrace <= 0 {
		o.DrainGrace = 10 * time.Second
	}
}

// Deps are the composed components the server orchestrates.
type Deps struct {
	Pool        *Pool
	Store       *session.Store
	Queue       *queue.Queue
	Handler     *Handler
	Dispatcher  *dispatch.Dispatcher
	Router      *router.Router
	Registry    *discovery.Registry
	ChannelPool *rpc.ChannelPool
	Breakers    *rpc.BreakerGroup
	Client      *rpc.Client
	Metrics     *metrics.Registry
}

// Server is the gateway's composition root: it accepts WebSocket upgrades,
// runs one message loop per connection, serves the observability endpoints
// and owns the ordered graceful shutdown.
type Server struct {
	opts    ServerOptions
	deps    Deps
	limiter *AcceptLimiter
	logger  zerolog.Logger

	httpServer *http.Server
	listener   net.Listener

	rootCtx    context.Context
	rootCancel context.CancelFunc
	closing    atomic.Bool
	shutdownCh chan struct{}
	shutdownMu sync.Once
	connWG     sync.WaitGroup
	loopWG     sync.WaitGroup

	accepted atomic.Int64
	refused  atomic.Int64
}

// NewServer wires the server; Start brings everything up.
func NewServer(opts ServerOptions, deps Deps, logger zerolog.Logger) *Server {
	opts.applyDefaults()
	return &Server{
		opts:       opts,
		deps:       deps,
		limiter:    NewAcceptLimiter(opts.Limiter),
		logger:     logger.With().Str("component", "server").Logger(),
		shutdownCh: make(chan struct{}),
	}
}

// ShutdownSignal fires when POST /admin/shutdown is received.
func (s *Server) ShutdownSignal() <-chan struct{} {
	return s.shutdownCh
}

// Start launches the component loops and the HTTP listener.
func (s *Server) Start() error {
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())

	s.deps.Registry.Start(s.rootCtx)
	s.deps.Pool.Start(s.rootCtx)
	s.deps.Store.Start(s.rootCtx)
	s.deps.Dispatcher.Start(s.rootCtx)

	s.loopWG.Add(1)
	go s.metricsLoop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/routing/stats", s.handleRoutingStats)
	mux.HandleFunc("/admin/shutdown", s.handleShutdown)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{Handler: mux}

	go func() {
		defer logging.RecoverPanic(s.logger, "http_serve")
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	s.logger.Info().Str("addr", s.opts.Addr).Msg("Gateway listening")
	return nil
}

// Stop performs the ordered graceful shutdown: stop accepting, close
// client connections, drain the dispatcher, then tear down discovery,
// sessions and the RPC transport.
func (s *Server) Stop() {
	if !s.closing.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info().Msg("Gateway shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.DrainGrace)
	defer cancel()
	if s.httpServer != nil {
		_ = s.httpServer.Shutdown(shutdownCtx)
	}

	s.deps.Pool.CloseAll(protocol.CloseNormal, "gateway shutdown")
	s.connWG.Wait()

	s.deps.Dispatcher.Stop()
	s.deps.Queue.Close()
	s.deps.Registry.Stop()
	s.deps.Pool.Stop()
	s.deps.Store.Stop()
	s.deps.ChannelPool.Shutdown()

	if s.rootCancel != nil {
		s.rootCancel()
	}
	s.loopWG.Wait()
	s.logger.Info().Msg("Gateway stopped")
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ip := clientIP(r.RemoteAddr)
	if !s.limiter.Allow(ip) {
		s.refused.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.refused.Add(1)
		if m := s.deps.Metrics; m != nil {
			m.ConnectionsFailed.Inc()
		}
		s.logger.Debug().Str("ip", ip).Err(err).Msg("Upgrade failed")
		return
	}

	c, err := s.deps.Pool.Create(conn, r.RemoteAddr)
	if err != nil {
		// At capacity; tell the client the service is unavailable.
		closeRaw(conn, protocol.CloseServiceUnavailable, "gateway at capacity")
		if m := s.deps.Metrics; m != nil {
			m.ConnectionsFailed.Inc()
		}
		return
	}

	sess, err := s.deps.Store.Create(c.ID)
	if err != nil {
		s.logger.Error().Err(err).Msg("Session create failed")
		c.Close(protocol.CloseSessionFailure, "session create failed")
		s.deps.Pool.Release(c)
		if m := s.deps.Metrics; m != nil {
			m.ConnectionsFailed.Inc()
		}
		return
	}
	c.BindSession(sess)

	s.accepted.Add(1)
	if m := s.deps.Metrics; m != nil {
		m.ConnectionsTotal.Inc()
	}
	s.logger.Info().
		Str("conn_id", c.ID).
		Int64("session_id", sess.ID).
		Str("remote", r.RemoteAddr).
		Msg("Connection accepted")

	s.connWG.Add(1)
	go s.connectionLoop(c, sess)
}

// connectionLoop is the per-connection message pump: receive with a short
// timeout, dispatch to the handler, watch for session expiry.
func (s *Server) connectionLoop(c *Connection, sess *session.Session) {
	defer s.connWG.Done()
	defer logging.RecoverPanic(s.logger, "connection_loop")

	start := time.Now()
	reason := "client_disconnect"
	defer func() {
		s.deps.Store.Remove(sess.ID)
		s.deps.Pool.Release(c)
		if m := s.deps.Metrics; m != nil {
			m.DisconnectsTotal.WithLabelValues(reason).Inc()
			m.ConnectionDuration.Observe(time.Since(start).Seconds())
		}
		s.logger.Info().
			Str("conn_id", c.ID).
			Str("reason", reason).
			Dur("lifetime", time.Since(start)).
			Msg("Connection closed")
	}()

	for {
		if s.closing.Load() {
			reason = "server_shutdown"
			c.Close(protocol.CloseNormal, "gateway shutdown")
			return
		}
		if c.State() != StateConnected {
			if !c.Alive() && c.Pongs.Load() > 0 {
				reason = "heartbeat_timeout"
			}
			return
		}
		if sess.Expired() {
			reason = "session_expired"
			c.Close(protocol.CloseNormal, "session expired")
			return
		}

		msg, err := c.Receive(s.opts.ReceiveTimeout)
		if err != nil {
			if errors.Is(err, ErrReceiveTimeout) {
				continue
			}
			return
		}
		s.deps.Handler.Handle(c, sess, msg)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("healthy"))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.Stats()
	writeJSON(w, stats)
}

func (s *Server) handleRoutingStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"router":     s.deps.Router.Stats(),
		"queue":      s.deps.Queue.Stats(),
		"dispatcher": s.deps.Dispatcher.Stats(),
		"handler":    s.deps.Handler.Stats(),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.logger.Warn().Str("remote", r.RemoteAddr).Msg("Shutdown requested over admin endpoint")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("shutting down"))
	s.shutdownMu.Do(func() { close(s.shutdownCh) })
}

// Stats composes the full observability snapshot served on GET /stats.
func (s *Server) Stats() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"accepted": s.accepted.Load(),
			"refused":  s.refused.Load(),
			"closing":  s.closing.Load(),
		},
		"pool":         s.deps.Pool.Stats(),
		"sessions":     s.deps.Store.Stats(),
		"queue":        s.deps.Queue.Stats(),
		"router":       s.deps.Router.Stats(),
		"dispatcher":   s.deps.Dispatcher.Stats(),
		"handler":      s.deps.Handler.Stats(),
		"rpc_client":   s.deps.Client.Stats(),
		"channel_pool": s.deps.ChannelPool.Stats(),
		"breakers":     s.deps.Breakers.States(),
		"system":       systemStats(),
	}
}

// metricsLoop refreshes gauges derived from component snapshots.
func (s *Server) metricsLoop() {
	defer s.loopWG.Done()
	defer logging.RecoverPanic(s.logger, "metrics_sync")

	if s.deps.Metrics == nil {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.rootCtx.Done():
			return
		case <-ticker.C:
			for target, v := range s.deps.Breakers.States() {
				st, ok := v.(map[string]any)
				if !ok {
					continue
				}
				var val float64
				switch st["state"] {
				case "half-open":
					val = 1
				case "open":
					val = 2
				}
				s.deps.Metrics.BreakerState.WithLabelValues(target).Set(val)
			}
			if targets, ok := s.deps.ChannelPool.Stats()["targets"].([]rpc.TargetStats); ok {
				for _, t := range targets {
					open := 0
					for _, n := range t.States {
						open += n
					}
					s.deps.Metrics.ChannelsOpen.WithLabelValues(t.Target).Set(float64(open))
				}
			}
		}
	}
}

// systemStats reports process resource usage for GET /stats.
func systemStats() map[string]any {
	out := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return out
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		out["cpu_percent"] = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		out["rss_bytes"] = mem.RSS
	}
	return out
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// closeRaw sends a close frame on a socket that never became a pooled
// connection.
func closeRaw(conn net.Conn, code int, reason string) {
	frame := ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusCode(code), reason))
	_ = ws.WriteFrame(conn, frame)
	_ = conn.Close()
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

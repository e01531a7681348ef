// Command gateway runs the WebSocket gateway: it terminates client
// connections, authenticates sessions and forwards business messages to
// the backend services.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/mrkingu/knight-hero-server-sub001/internal/config"
	"github.com/mrkingu/knight-hero-server-sub001/internal/discovery"
	"github.com/mrkingu/knight-hero-server-sub001/internal/dispatch"
	"github.com/mrkingu/knight-hero-server-sub001/internal/gateway"
	"github.com/mrkingu/knight-hero-server-sub001/internal/ident"
	"github.com/mrkingu/knight-hero-server-sub001/internal/logging"
	"github.com/mrkingu/knight-hero-server-sub001/internal/metrics"
	"github.com/mrkingu/knight-hero-server-sub001/internal/protocol"
	"github.com/mrkingu/knight-hero-server-sub001/internal/queue"
	"github.com/mrkingu/knight-hero-server-sub001/internal/routecache"
	"github.com/mrkingu/knight-hero-server-sub001/internal/router"
	"github.com/mrkingu/knight-hero-server-sub001/internal/rpc"
	"github.com/mrkingu/knight-hero-server-sub001/internal/session"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json", Service: "knight-gateway"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Configuration load failed")
	}
	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "knight-gateway",
	})
	cfg.LogConfig(logger)

	m := metrics.New()

	idgen, err := ident.NewGenerator(cfg.DatacenterID, cfg.WorkerID)
	if err != nil {
		logger.Fatal().Err(err).Msg("ID generator init failed")
	}

	var kv session.KV
	if cfg.RedisAddr != "" {
		kv = session.NewRedisKV(redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}))
		logger.Info().Str("addr", cfg.RedisAddr).Msg("Session mirror on Redis")
	} else {
		kv = session.NewMemoryKV()
		logger.Info().Msg("Session mirror in memory (no REDIS_ADDR)")
	}

	store, err := session.NewStore(idgen, kv, session.Options{
		DefaultTTL:      cfg.SessionTTL,
		RenewalWindow:   cfg.SessionRenewalWindow,
		RenewalInterval: cfg.SessionRenewalEvery,
		CleanupInterval: cfg.SessionCleanupEvery,
		LocalCacheSize:  cfg.SessionCacheSize,
		HotThreshold:    cfg.SessionHotThreshold,
		Metrics:         m,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Session store init failed")
	}

	q := queue.New(queue.Options{
		MaxSize:         cfg.QueueMaxSize,
		HighWatermark:   cfg.QueueHighWatermark,
		LowWatermark:    cfg.QueueLowWatermark,
		DropThreshold:   cfg.QueueDropThreshold,
		DedupWindowSize: cfg.DedupWindowSize,
		DedupTTL:        cfg.DedupTTL,
		MaxRetries:      cfg.DispatchMaxRetries,
		Metrics:         m,
	})

	channelPool := rpc.NewChannelPool(rpc.PoolOptions{
		MinChannels:    cfg.ChannelPoolMin,
		MaxChannels:    cfg.ChannelPoolMax,
		HealthInterval: cfg.ChannelHealthEvery,
		MaxFailures:    cfg.ChannelMaxFailures,
		DialTimeout:    cfg.ChannelDialTimeout,
	}, logger)
	breakers := rpc.NewBreakerGroup(rpc.BreakerOptions{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		WindowSize:       cfg.BreakerWindowSize,
	})
	client := rpc.NewClient(channelPool, breakers, rpc.ClientOptions{
		DefaultTimeout: cfg.RPCTimeout,
		MaxRetries:     cfg.RPCMaxRetries,
		RetryDelay:     cfg.RPCRetryDelay,
		Metrics:        m,
	}, logger)

	source := buildSource(cfg, logger)
	registry := discovery.NewRegistry(source, rpc.HealthProber(channelPool), discovery.Options{
		Services:        []string{protocol.ServiceLogic, protocol.ServiceChat, protocol.ServiceFight},
		RefreshInterval: cfg.DiscoveryRefreshEvery,
		HealthInterval:  cfg.DiscoveryHealthEvery,
	}, logger)

	cache := routecache.New(cfg.RouteCacheSize, cfg.RouteCacheTTL)
	rt := router.New(registry, cache, m, logger)

	dispatcher := dispatch.New(q, rt, client, dispatch.Options{
		BatchSize:      cfg.DispatchBatchSize,
		BatchTimeout:   cfg.DispatchBatchWindow,
		DequeueTimeout: 100 * time.Millisecond,
		RetryDelay:     cfg.DispatchRetryDelay,
		Metrics:        m,
	}, logger)

	pool := gateway.NewPool(gateway.PoolOptions{
		MaxConcurrent:   cfg.MaxConcurrent,
		PreAllocateSize: cfg.PreAllocateSize,
		MaxIdleTime:     cfg.MaxIdleTime,
		CleanupInterval: cfg.CleanupInterval,
		Conn: gateway.ConnOptions{
			ReadQueueSize:     cfg.ReadQueueSize,
			WriteQueueSize:    cfg.WriteQueueSize,
			WriteBatchSize:    cfg.WriteBatchSize,
			WriteBatchTimeout: cfg.WriteBatchTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			Metrics:           m,
		},
	}, logger)

	var server *gateway.Server
	handler := gateway.NewHandler(store, q, gateway.DevAuthenticator{}, gateway.NoOfflineMessages{},
		func() map[string]any { return server.Stats() }, logger)

	server = gateway.NewServer(gateway.ServerOptions{
		Addr: cfg.Addr,
		Limiter: gateway.AcceptLimiterOptions{
			Enabled:     cfg.AcceptRateEnabled,
			PerIPRate:   cfg.AcceptRatePerIP,
			PerIPBurst:  cfg.AcceptBurstPerIP,
			GlobalRate:  cfg.AcceptRateGlobal,
			GlobalBurst: cfg.AcceptBurstGlobal,
		},
	}, gateway.Deps{
		Pool:        pool,
		Store:       store,
		Queue:       q,
		Handler:     handler,
		Dispatcher:  dispatcher,
		Router:      rt,
		Registry:    registry,
		ChannelPool: channelPool,
		Breakers:    breakers,
		Client:      client,
		Metrics:     m,
	}, logger)

	if err := server.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Gateway start failed")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("Signal received")
	case <-server.ShutdownSignal():
	}
	server.Stop()
}

// buildSource picks the discovery source: NATS announcements layered over
// the static file or environment variables.
func buildSource(cfg *config.Config, logger zerolog.Logger) discovery.Source {
	var base discovery.Source = discovery.NewEnvSource()
	if cfg.DiscoveryFile != "" {
		base = discovery.NewFileSource(cfg.DiscoveryFile)
		logger.Info().Str("file", cfg.DiscoveryFile).Msg("Discovery from static file")
	}
	if cfg.NATSURL != "" {
		src, err := discovery.NewNATSSource(cfg.NATSURL, base, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("NATS discovery unavailable, polling only")
			return base
		}
		logger.Info().Str("url", cfg.NATSURL).Msg("Discovery announcements over NATS")
		return src
	}
	return base
}

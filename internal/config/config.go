// Package config loads gateway configuration from the environment,
// with an optional .env file for development convenience.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every tunable of the gateway process.
// Priority: ENV vars > .env file > defaults.
type Config struct {
	// Server basics
	Addr        string `env:"GW_ADDR" envDefault:":3100"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Connection pool (WS-facing)
	MaxConcurrent   int           `env:"GW_MAX_CONCURRENT" envDefault:"8000"`
	PreAllocateSize int           `env:"GW_PRE_ALLOCATE_SIZE" envDefault:"1000"`
	MaxIdleTime     time.Duration `env:"GW_MAX_IDLE_TIME" envDefault:"300s"`
	CleanupInterval time.Duration `env:"GW_POOL_CLEANUP_INTERVAL" envDefault:"60s"`

	// Per-connection queues and heartbeat
	ReadQueueSize     int           `env:"GW_READ_QUEUE_SIZE" envDefault:"1000"`
	WriteQueueSize    int           `env:"GW_WRITE_QUEUE_SIZE" envDefault:"1000"`
	WriteBatchSize    int           `env:"GW_WRITE_BATCH_SIZE" envDefault:"100"`
	WriteBatchTimeout time.Duration `env:"GW_WRITE_BATCH_TIMEOUT" envDefault:"10ms"`
	HeartbeatInterval time.Duration `env:"GW_HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"GW_HEARTBEAT_TIMEOUT" envDefault:"60s"`

	// Accept rate limiting
	AcceptRateEnabled bool    `env:"GW_ACCEPT_RATE_ENABLED" envDefault:"true"`
	AcceptRatePerIP   float64 `env:"GW_ACCEPT_RATE_PER_IP" envDefault:"5"`
	AcceptBurstPerIP  int     `env:"GW_ACCEPT_BURST_PER_IP" envDefault:"10"`
	AcceptRateGlobal  float64 `env:"GW_ACCEPT_RATE_GLOBAL" envDefault:"500"`
	AcceptBurstGlobal int     `env:"GW_ACCEPT_BURST_GLOBAL" envDefault:"1000"`

	// Session store
	SessionTTL           time.Duration `env:"SESSION_DEFAULT_TTL" envDefault:"30m"`
	SessionRenewalWindow time.Duration `env:"SESSION_RENEWAL_THRESHOLD" envDefault:"300s"`
	SessionRenewalEvery  time.Duration `env:"SESSION_RENEWAL_INTERVAL" envDefault:"30s"`
	SessionCacheSize     int           `env:"SESSION_LOCAL_CACHE_SIZE" envDefault:"5000"`
	SessionHotThreshold  int           `env:"SESSION_HOT_THRESHOLD" envDefault:"10"`
	SessionCleanupEvery  time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"60s"`

	// Shared KV mirror (empty address disables the mirror)
	RedisAddr     string `env:"REDIS_ADDR" envDefault:""`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Priority queue
	QueueMaxSize        int           `env:"QUEUE_MAX_SIZE" envDefault:"10000"`
	QueueHighWatermark  float64       `env:"QUEUE_HIGH_WATERMARK" envDefault:"0.8"`
	QueueLowWatermark   float64       `env:"QUEUE_LOW_WATERMARK" envDefault:"0.6"`
	QueueDropThreshold  float64       `env:"QUEUE_DROP_THRESHOLD" envDefault:"0.95"`
	DedupWindowSize     int           `env:"QUEUE_DEDUP_WINDOW_SIZE" envDefault:"4096"`
	DedupTTL            time.Duration `env:"QUEUE_DEDUP_TTL" envDefault:"60s"`
	DispatchMaxRetries  int           `env:"DISPATCH_MAX_RETRIES" envDefault:"3"`
	DispatchRetryDelay  time.Duration `env:"DISPATCH_RETRY_DELAY" envDefault:"1s"`
	DispatchBatchSize   int           `env:"DISPATCH_BATCH_SIZE" envDefault:"100"`
	DispatchBatchWindow time.Duration `env:"DISPATCH_BATCH_TIMEOUT" envDefault:"10ms"`

	// Route cache
	RouteCacheSize int           `env:"ROUTE_CACHE_SIZE" envDefault:"10000"`
	RouteCacheTTL  time.Duration `env:"ROUTE_CACHE_TTL" envDefault:"300s"`

	// RPC client
	RPCTimeout    time.Duration `env:"RPC_DEFAULT_TIMEOUT" envDefault:"3s"`
	RPCMaxRetries int           `env:"RPC_MAX_RETRIES" envDefault:"3"`
	RPCRetryDelay time.Duration `env:"RPC_RETRY_DELAY" envDefault:"1s"`

	// RPC channel pool
	ChannelPoolMin     int           `env:"CHANNEL_POOL_MIN" envDefault:"10"`
	ChannelPoolMax     int           `env:"CHANNEL_POOL_MAX" envDefault:"20"`
	ChannelHealthEvery time.Duration `env:"CHANNEL_HEALTH_INTERVAL" envDefault:"10s"`
	ChannelMaxFailures int           `env:"CHANNEL_MAX_FAILURES" envDefault:"3"`
	ChannelDialTimeout time.Duration `env:"CHANNEL_CONNECT_TIMEOUT" envDefault:"5s"`

	// Circuit breaker
	BreakerFailureThreshold int           `env:"CIRCUIT_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerRecoveryTimeout  time.Duration `env:"CIRCUIT_RECOVERY_TIMEOUT" envDefault:"30s"`
	BreakerSuccessThreshold int           `env:"CIRCUIT_SUCCESS_THRESHOLD" envDefault:"3"`
	BreakerWindowSize       int           `env:"CIRCUIT_WINDOW_SIZE" envDefault:"100"`

	// Service discovery
	DiscoveryRefreshEvery time.Duration `env:"DISCOVERY_REFRESH_INTERVAL" envDefault:"30s"`
	DiscoveryHealthEvery  time.Duration `env:"DISCOVERY_HEALTH_INTERVAL" envDefault:"10s"`
	DiscoveryFile         string        `env:"DISCOVERY_FILE" envDefault:""`
	NATSURL               string        `env:"NATS_URL" envDefault:""`

	// ID generator
	DatacenterID int64 `env:"GW_DATACENTER_ID" envDefault:"0"`
	WorkerID     int64 `env:"GW_WORKER_ID" envDefault:"0"`
}

// Load reads configuration from .env and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and cross-field consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("GW_ADDR is required")
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("GW_MAX_CONCURRENT must be > 0, got %d", c.MaxConcurrent)
	}
	if c.PreAllocateSize < 0 || c.PreAllocateSize > c.MaxConcurrent {
		return fmt.Errorf("GW_PRE_ALLOCATE_SIZE must be in [0, %d], got %d", c.MaxConcurrent, c.PreAllocateSize)
	}
	if c.HeartbeatInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("GW_HEARTBEAT_INTERVAL (%s) must be < GW_HEARTBEAT_TIMEOUT (%s)",
			c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	if c.QueueMaxSize < 1 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be > 0, got %d", c.QueueMaxSize)
	}
	if !(c.QueueLowWatermark < c.QueueHighWatermark && c.QueueHighWatermark < c.QueueDropThreshold) {
		return fmt.Errorf("queue thresholds must satisfy low < high < drop, got %.2f/%.2f/%.2f",
			c.QueueLowWatermark, c.QueueHighWatermark, c.QueueDropThreshold)
	}
	if c.QueueDropThreshold > 1 {
		return fmt.Errorf("QUEUE_DROP_THRESHOLD must be <= 1, got %.2f", c.QueueDropThreshold)
	}
	if c.ChannelPoolMin < 1 || c.ChannelPoolMax < c.ChannelPoolMin {
		return fmt.Errorf("channel pool bounds invalid: min=%d max=%d", c.ChannelPoolMin, c.ChannelPoolMax)
	}
	if c.DatacenterID < 0 || c.DatacenterID > 31 {
		return fmt.Errorf("GW_DATACENTER_ID must be in [0,31], got %d", c.DatacenterID)
	}
	if c.WorkerID < 0 || c.WorkerID > 31 {
		return fmt.Errorf("GW_WORKER_ID must be in [0,31], got %d", c.WorkerID)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the effective configuration as one structured event.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_concurrent", c.MaxConcurrent).
		Int("pre_allocate", c.PreAllocateSize).
		Int("queue_max_size", c.QueueMaxSize).
		Dur("session_ttl", c.SessionTTL).
		Dur("rpc_timeout", c.RPCTimeout).
		Int("channel_pool_min", c.ChannelPoolMin).
		Int("channel_pool_max", c.ChannelPoolMax).
		Str("redis_addr", c.RedisAddr).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Msg("Gateway configuration loaded")
}

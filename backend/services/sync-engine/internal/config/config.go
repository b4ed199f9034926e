package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "fleetsync/backend/libs/config"
	"fleetsync/backend/services/sync-engine/internal/models"
)

const (
	BridgeModeExec      = "exec"
	BridgeModeWebSocket = "websocket"
)

// HTTPConfig configures the admin and monitoring listener.
type HTTPConfig struct {
	Port        string `yaml:"port" env:"SYNC_HTTP_PORT"`
	MetricsPath string `yaml:"metricsPath" env:"SYNC_METRICS_PATH"`
	HealthPath  string `yaml:"healthPath" env:"SYNC_HEALTH_PATH"`
	AdminSecret string `yaml:"adminSecret" env:"SYNC_ADMIN_SECRET"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn" env:"SYNC_POSTGRES_DSN"`
	MaxOpenConns int    `yaml:"maxOpenConns" env:"SYNC_POSTGRES_MAX_OPEN_CONNS"`
}

// RedisConfig is optional; an empty Addr disables the snapshot cache.
type RedisConfig struct {
	Addr               string `yaml:"addr" env:"SYNC_REDIS_ADDR"`
	Password           string `yaml:"password" env:"SYNC_REDIS_PASSWORD"`
	DB                 int    `yaml:"db" env:"SYNC_REDIS_DB"`
	SnapshotTTLSeconds int    `yaml:"snapshotTtlSeconds" env:"SYNC_REDIS_SNAPSHOT_TTL"`
}

// BridgeConfig selects how device bridges are reached. StreamIntervalMs and
// StreamCount enable pushed monitor readings after each connect; zero disables.
type BridgeConfig struct {
	Mode             string   `yaml:"mode" env:"SYNC_BRIDGE_MODE"`
	Command          string   `yaml:"command" env:"SYNC_BRIDGE_COMMAND"`
	Args             []string `yaml:"args" env:"SYNC_BRIDGE_ARGS"`
	GatewayURL       string   `yaml:"gatewayUrl" env:"SYNC_BRIDGE_GATEWAY_URL"`
	TokenSecret      string   `yaml:"tokenSecret" env:"SYNC_BRIDGE_TOKEN_SECRET"`
	StartupTimeoutMs int      `yaml:"startupTimeoutMs" env:"SYNC_BRIDGE_STARTUP_TIMEOUT_MS"`
	CommandTimeoutMs int      `yaml:"commandTimeoutMs" env:"SYNC_BRIDGE_COMMAND_TIMEOUT_MS"`
	StopGraceMs      int      `yaml:"stopGraceMs" env:"SYNC_BRIDGE_STOP_GRACE_MS"`
	StreamIntervalMs int      `yaml:"streamIntervalMs" env:"SYNC_BRIDGE_STREAM_INTERVAL_MS"`
	StreamCount      int      `yaml:"streamCount" env:"SYNC_BRIDGE_STREAM_COUNT"`
}

type SchedulerConfig struct {
	PollIntervalMs     int     `yaml:"pollIntervalMs" env:"SYNC_POLL_INTERVAL_MS"`
	PollTimeoutMs      int     `yaml:"pollTimeoutMs" env:"SYNC_POLL_TIMEOUT_MS"`
	MaxConcurrentPolls int     `yaml:"maxConcurrentPolls" env:"SYNC_MAX_CONCURRENT_POLLS"`
	EMAWeight          float64 `yaml:"emaWeight" env:"SYNC_POLL_EMA_WEIGHT"`
}

type WriterConfig struct {
	FlushIntervalMs   int     `yaml:"flushIntervalMs" env:"SYNC_FLUSH_INTERVAL_MS"`
	MaxBatchSize      int     `yaml:"maxBatchSize" env:"SYNC_MAX_BATCH_SIZE"`
	MaxQueueSize      int     `yaml:"maxQueueSize" env:"SYNC_MAX_QUEUE_SIZE"`
	OverflowDropCount int     `yaml:"overflowDropCount" env:"SYNC_OVERFLOW_DROP_COUNT"`
	EMAWeight         float64 `yaml:"emaWeight" env:"SYNC_FLUSH_EMA_WEIGHT"`
	WriteTimeoutMs    int     `yaml:"writeTimeoutMs" env:"SYNC_WRITE_TIMEOUT_MS"`
}

type BackfillConfig struct {
	IntervalMinutes int   `yaml:"intervalMinutes" env:"SYNC_BACKFILL_INTERVAL_MINUTES"`
	Cohorts         int   `yaml:"cohorts" env:"SYNC_BACKFILL_COHORTS"`
	MaxConcurrent   int   `yaml:"maxConcurrent" env:"SYNC_BACKFILL_MAX_CONCURRENT"`
	ChunkSize       int64 `yaml:"chunkSize" env:"SYNC_BACKFILL_CHUNK_SIZE"`
}

// Config defines sync engine configuration.
type Config struct {
	LogLevel  string          `yaml:"logLevel" env:"SYNC_LOG_LEVEL"`
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Writer    WriterConfig    `yaml:"writer"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Devices   []models.Device `yaml:"devices" env:"-"`
}

// Default returns a config with every default applied.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:        "8090",
			MetricsPath: "/metrics",
			HealthPath:  "/health",
		},
		Redis: RedisConfig{SnapshotTTLSeconds: 3600},
		Bridge: BridgeConfig{
			Mode:             BridgeModeExec,
			StartupTimeoutMs: 10000,
			CommandTimeoutMs: 30000,
			StopGraceMs:      1000,
		},
		Scheduler: SchedulerConfig{
			PollIntervalMs:     30000,
			PollTimeoutMs:      10000,
			MaxConcurrentPolls: 10,
			EMAWeight:          0.9,
		},
		Writer: WriterConfig{
			FlushIntervalMs:   5000,
			MaxBatchSize:      500,
			MaxQueueSize:      10000,
			OverflowDropCount: 100,
			EMAWeight:         0.9,
			WriteTimeoutMs:    10000,
		},
		Backfill: BackfillConfig{
			IntervalMinutes: 60,
			Cohorts:         1,
			MaxConcurrent:   2,
			ChunkSize:       64 * 1024,
		},
	}
}

// Load reads the YAML file at path (optional) and environment overrides on
// top of the defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := libconfig.LoadConfigFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database dsn required")
	}

	switch c.Bridge.Mode {
	case BridgeModeExec:
		if strings.TrimSpace(c.Bridge.Command) == "" {
			return errors.New("config: bridge command required in exec mode")
		}
	case BridgeModeWebSocket:
		if strings.TrimSpace(c.Bridge.GatewayURL) == "" {
			return errors.New("config: bridge gateway url required in websocket mode")
		}
	default:
		return fmt.Errorf("config: unknown bridge mode %q", c.Bridge.Mode)
	}

	if c.Bridge.StreamIntervalMs < 0 || c.Bridge.StreamCount < 0 {
		return errors.New("config: bridge stream settings must not be negative")
	}

	if c.Scheduler.PollIntervalMs <= 0 || c.Scheduler.PollTimeoutMs <= 0 {
		return errors.New("config: poll interval and timeout must be positive")
	}
	if c.Scheduler.MaxConcurrentPolls <= 0 {
		return errors.New("config: maxConcurrentPolls must be positive")
	}
	if c.Writer.MaxBatchSize <= 0 || c.Writer.MaxQueueSize <= 0 {
		return errors.New("config: writer batch and queue sizes must be positive")
	}
	if c.Writer.OverflowDropCount <= 0 || c.Writer.OverflowDropCount > c.Writer.MaxQueueSize {
		return errors.New("config: overflowDropCount must be in (0, maxQueueSize]")
	}
	for _, w := range []float64{c.Scheduler.EMAWeight, c.Writer.EMAWeight} {
		if w <= 0 || w >= 1 {
			return errors.New("config: ema weight must be in (0, 1)")
		}
	}
	if c.Backfill.IntervalMinutes < 0 {
		return errors.New("config: backfill interval must not be negative")
	}
	if c.Backfill.Cohorts <= 0 {
		return errors.New("config: backfill cohorts must be positive")
	}

	seen := make(map[string]bool, len(c.Devices))
	for _, d := range c.Devices {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if seen[d.ID] {
			return fmt.Errorf("config: duplicate device %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8090"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// SnapshotTTL returns the cache ttl as duration.
func (c *Config) SnapshotTTL() time.Duration {
	if c.Redis.SnapshotTTLSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.Redis.SnapshotTTLSeconds) * time.Second
}

// BackfillInterval is zero when the schedule is disabled.
func (c *Config) BackfillInterval() time.Duration {
	return time.Duration(c.Backfill.IntervalMinutes) * time.Minute
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) PollInterval() time.Duration   { return ms(c.Scheduler.PollIntervalMs) }
func (c *Config) PollTimeout() time.Duration    { return ms(c.Scheduler.PollTimeoutMs) }
func (c *Config) FlushInterval() time.Duration  { return ms(c.Writer.FlushIntervalMs) }
func (c *Config) WriteTimeout() time.Duration   { return ms(c.Writer.WriteTimeoutMs) }
func (c *Config) StartupTimeout() time.Duration { return ms(c.Bridge.StartupTimeoutMs) }
func (c *Config) CommandTimeout() time.Duration { return ms(c.Bridge.CommandTimeoutMs) }
func (c *Config) StopGrace() time.Duration      { return ms(c.Bridge.StopGraceMs) }
func (c *Config) StreamInterval() time.Duration { return ms(c.Bridge.StreamIntervalMs) }

package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	libdb "fleetsync/backend/libs/db"
	libredis "fleetsync/backend/libs/redis"
	"fleetsync/backend/services/sync-engine/internal/backfill"
	"fleetsync/backend/services/sync-engine/internal/bridge"
	"fleetsync/backend/services/sync-engine/internal/config"
	httpserver "fleetsync/backend/services/sync-engine/internal/http"
	"fleetsync/backend/services/sync-engine/internal/http/handlers"
	"fleetsync/backend/services/sync-engine/internal/http/middleware"
	"fleetsync/backend/services/sync-engine/internal/logdecode"
	"fleetsync/backend/services/sync-engine/internal/metrics"
	"fleetsync/backend/services/sync-engine/internal/models"
	"fleetsync/backend/services/sync-engine/internal/pool"
	redisstore "fleetsync/backend/services/sync-engine/internal/redis"
	"fleetsync/backend/services/sync-engine/internal/repository"
	"fleetsync/backend/services/sync-engine/internal/scheduler"
	"fleetsync/backend/services/sync-engine/internal/service"
	"fleetsync/backend/services/sync-engine/internal/token"
	"fleetsync/backend/services/sync-engine/internal/writer"
)

const (
	schemaTimeout   = 30 * time.Second
	shutdownTimeout = 30 * time.Second
	gatewayTokenTTL = 5 * time.Minute
)

// App wires sync-engine dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client

	writer    *writer.Writer
	pool      *pool.Pool
	scheduler *scheduler.Scheduler
	backfill  *backfill.Service
	cron      *backfill.Cron
	exporter  *metrics.Exporter
	server    *httpserver.Server
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := libdb.NewPostgresDB(cfg.Database.DSN, libdb.PoolOptions{MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("app: connect postgres: %w", err)
	}

	schemaCtx, cancel := context.WithTimeout(ctx, schemaTimeout)
	defer cancel()
	if err := repository.EnsureSchema(schemaCtx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	a := &App{cfg: cfg, logger: logger, db: sqlDB}

	// A nil *SnapshotCache must not reach the store as a non-nil interface.
	var cache service.SnapshotCache
	if cfg.Redis.Addr != "" {
		client, err := libredis.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("app: connect redis: %w", err)
		}
		a.redisClient = client
		cache = redisstore.NewSnapshotCache(client, cfg.SnapshotTTL())
	} else {
		logger.Info("redis not configured; snapshot cache disabled")
	}

	store := service.NewTelemetryStore(repository.NewMeasurementRepository(sqlDB), cache, logger.Named("store"))

	a.writer = writer.New(store, writer.Options{
		FlushInterval:     cfg.FlushInterval(),
		MaxBatchSize:      cfg.Writer.MaxBatchSize,
		MaxQueueSize:      cfg.Writer.MaxQueueSize,
		OverflowDropCount: cfg.Writer.OverflowDropCount,
		EMAWeight:         cfg.Writer.EMAWeight,
		WriteTimeout:      cfg.WriteTimeout(),
		Logger:            logger.Named("writer"),
	})

	a.pool = pool.New(a.clientFactory(), pool.Options{
		ConnectTimeout: cfg.StartupTimeout() + cfg.CommandTimeout(),
		OnMonitor:      a.onMonitor,
		StreamInterval: cfg.StreamInterval(),
		StreamCount:    cfg.Bridge.StreamCount,
		Logger:         logger.Named("pool"),
	})

	a.scheduler = scheduler.New(a.pool, a.writer, scheduler.Options{
		Interval:      cfg.PollInterval(),
		PollTimeout:   cfg.PollTimeout(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrentPolls,
		EMAWeight:     cfg.Scheduler.EMAWeight,
		Logger:        logger.Named("scheduler"),
	})

	a.backfill = backfill.NewService(
		repository.NewSyncStateRepository(sqlDB),
		logdecode.Decoder{},
		a.writer,
		a.pool,
		backfill.Options{
			ChunkSize:     cfg.Backfill.ChunkSize,
			MaxConcurrent: cfg.Backfill.MaxConcurrent,
			Cohorts:       cfg.Backfill.Cohorts,
			Logger:        logger.Named("backfill"),
		},
	)
	if interval := cfg.BackfillInterval(); interval > 0 {
		a.cron = backfill.NewCron(a.backfill, interval, logger.Named("backfill"))
	}

	a.exporter = metrics.NewExporter(a.pool, a.scheduler, a.writer, a.backfill)

	var adminAuth func(http.Handler) http.Handler
	if cfg.HTTP.AdminSecret != "" {
		adminAuth = middleware.AdminAuth(token.NewService(cfg.HTTP.AdminSecret, 0))
	} else {
		logger.Warn("admin api has no authentication; set http.adminSecret to enable it")
	}

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Devices:     handlers.NewDevicesHandlers(a.pool, a.backfill, store, logger.Named("http")),
		Metrics:     a.exporter.MetricsHandler(),
		Health:      a.exporter.HealthHandler(),
		MetricsPath: cfg.HTTP.MetricsPath,
		HealthPath:  cfg.HTTP.HealthPath,
	}, adminAuth)
	a.server = httpserver.NewServer(cfg.HTTPAddress(), router, logger.Named("http"))

	return a, nil
}

func (a *App) clientFactory() pool.ClientFactory {
	var tokens *token.Service
	if a.cfg.Bridge.TokenSecret != "" {
		tokens = token.NewService(a.cfg.Bridge.TokenSecret, gatewayTokenTTL)
	}

	return func(device models.Device, hooks bridge.Hooks) pool.DeviceClient {
		var transport bridge.Transport
		switch a.cfg.Bridge.Mode {
		case config.BridgeModeWebSocket:
			transport = &bridge.WebSocketTransport{
				GatewayURL:   a.cfg.Bridge.GatewayURL,
				DeviceSerial: device.Serial,
				Tokens:       tokens,
			}
		default:
			transport = bridge.NewExecTransport(a.cfg.Bridge.Command, a.cfg.Bridge.Args...)
		}
		return bridge.NewClient(device.Serial, transport, bridge.Options{
			StartupTimeout: a.cfg.StartupTimeout(),
			CommandTimeout: a.cfg.CommandTimeout(),
			StopGrace:      a.cfg.StopGrace(),
			Hooks:          hooks,
			Logger:         a.logger.Named("bridge").With(zap.String("device_id", device.ID)),
		})
	}
}

// onMonitor feeds readings pushed in stream mode into the writer.
func (a *App) onMonitor(deviceID string, data bridge.MonitorData) {
	m := data.Measurement(deviceID, time.Now().UTC())
	a.writer.Enqueue(m)
	a.writer.EnqueueSnapshot(models.NewSnapshot(m))
}

// Run starts every component and blocks until ctx ends, then shuts them down
// in dependency order.
func (a *App) Run(ctx context.Context) error {
	if err := a.writer.Start(); err != nil {
		return err
	}
	a.seedDevices(ctx)

	if err := a.scheduler.Start(ctx); err != nil {
		a.shutdown()
		return err
	}
	if a.cron != nil {
		if err := a.cron.Start(ctx); err != nil {
			a.shutdown()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

// seedDevices registers configured devices concurrently. Connection failures
// leave a device registered for the scheduler to retry.
func (a *App) seedDevices(ctx context.Context) {
	if len(a.cfg.Devices) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(a.cfg.Scheduler.MaxConcurrentPolls)
	for _, d := range a.cfg.Devices {
		g.Go(func() error {
			if _, err := a.pool.Register(ctx, d); err != nil {
				a.logger.Warn("failed to register configured device", zap.String("device_id", d.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	stats := a.pool.Stats()
	a.logger.Info("configured devices registered",
		zap.Int("total", stats.Total),
		zap.Int("connected", stats.Connected),
	)
}

func (a *App) shutdown() {
	a.scheduler.Stop()
	a.scheduler.Wait()

	if a.cron != nil {
		if err := a.cron.Stop(); err != nil {
			a.logger.Warn("failed to stop backfill schedule", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.writer.Stop(ctx); err != nil {
		a.logger.Warn("final flush failed", zap.Error(err), zap.Int("queue_size", a.writer.QueueSize()))
	}

	a.pool.Close()
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}

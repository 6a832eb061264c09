package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pscheid92/shardcast/internal/adapter/httpserver"
	"github.com/pscheid92/shardcast/internal/adapter/memory"
	"github.com/pscheid92/shardcast/internal/adapter/metrics"
	"github.com/pscheid92/shardcast/internal/adapter/postgres"
	"github.com/pscheid92/shardcast/internal/adapter/redis"
	"github.com/pscheid92/shardcast/internal/adapter/websocket"
	"github.com/pscheid92/shardcast/internal/app"
	"github.com/pscheid92/shardcast/internal/domain"
	"github.com/pscheid92/shardcast/internal/listener"
	"github.com/pscheid92/shardcast/internal/platform/config"
	"github.com/pscheid92/shardcast/internal/platform/logging"
	"github.com/pscheid92/shardcast/internal/platform/retry"
	"github.com/pscheid92/shardcast/internal/registry"
	"github.com/pscheid92/shardcast/internal/shard"
)

const connectTimeout = 10 * time.Second

var connectPolicy = retry.Policy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     10 * time.Second,
	OnRetry: func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Connection attempt failed, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	},
}

// backend is the durable store selected by configuration plus the resources behind it.
type backend struct {
	stores       domain.StoreFactory
	healthChecks []httpserver.HealthCheck
	closers      []func()
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupDB(cfg *config.Config, clock clockwork.Clock, reg prometheus.Registerer) *pgxpool.Pool {
	ctx, cancel := context.WithTimeout(context.Background(), connectPolicy.MaxBackoff*time.Duration(connectPolicy.MaxAttempts))
	defer cancel()

	tracer := postgres.NewMetricsTracer(clock, metrics.NewDBMetrics(reg))
	pool, err := retry.Do(ctx, connectPolicy, retry.Always, func(ctx context.Context) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return postgres.Connect(ctx, cfg.DatabaseURL, tracer)
	})
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}

	if err := postgres.RunMigrationsWithLock(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	return pool
}

func setupRedis(cfg *config.Config, clock clockwork.Clock, m *metrics.RedisMetrics) *goredis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), connectPolicy.MaxBackoff*time.Duration(connectPolicy.MaxAttempts))
	defer cancel()

	hooks := []goredis.Hook{redis.NewMetricsHook(clock, m), redis.NewCircuitBreakerHook(m)}
	client, err := retry.Do(ctx, connectPolicy, retry.Always, func(ctx context.Context) (*goredis.Client, error) {
		ctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		return redis.NewClient(ctx, cfg.RedisURL, hooks...)
	})
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupBackend(cfg *config.Config, clock clockwork.Clock, reg prometheus.Registerer, rdb *goredis.Client) *backend {
	b := &backend{}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool := setupDB(cfg, clock, reg)
		b.stores = postgres.NewStore(pool)
		b.closers = append(b.closers, pool.Close)
		b.healthChecks = append(b.healthChecks, httpserver.HealthCheck{Name: "postgres", Check: pool.Ping})
	case config.BackendRedis:
		b.stores = redis.NewStore(rdb, cfg.RedisKeyPrefix)
	default:
		b.stores = memory.New()
	}

	if rdb != nil {
		b.healthChecks = append(b.healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	slog.Info("Store backend selected", "backend", cfg.StoreBackend)
	return b
}

func runGracefulShutdown(srv *httpserver.Server, broker *app.Broker[string], sweeper *app.RecoverySweeper, cancelBackground context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sweeper.Stop()
		cancelBackground()
		broker.Stop()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "backend", cfg.StoreBackend)

	reg := metrics.NewRegistry()

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb = setupRedis(cfg, clock, metrics.NewRedisMetrics(reg))
		defer func() { _ = rdb.Close() }()
	}

	b := setupBackend(cfg, clock, reg, rdb)
	defer b.close()

	host := registry.New(registry.Config[string]{
		Shard: shard.Config[string]{
			MaxConnections:    cfg.ShardMaxConnections,
			KeepaliveInterval: cfg.KeepaliveInterval,
			KeepalivePayload:  domain.KeepaliveContent,
			DeliveryTimeout:   cfg.DeliveryTimeout,
		},
		Listener: listener.Config{
			MaxShards:   cfg.ShardCount,
			ShardPrefix: cfg.ShardNamePrefix,
		},
	}, b.stores, clock, metrics.NewShardMetrics(reg), metrics.NewListenerMetrics(reg))
	broker := app.NewBroker(host, b.stores, cfg.ShardCount, cfg.ShardNamePrefix)

	bgCtx, cancelBackground := context.WithCancel(context.Background())
	defer cancelBackground()

	if n, err := broker.Recover(bgCtx); err != nil {
		slog.Error("Shard recovery incomplete", "recovered", n, "error", err)
	}

	sweeper := app.NewRecoverySweeper(broker, cfg.RecoveryInterval, clock)
	go sweeper.Start(bgCtx)

	if cfg.RedisIngestChannel != "" {
		go redis.NewIngestor(rdb, cfg.RedisIngestChannel, broker).Start(bgCtx)
	}

	srv := httpserver.NewServer(cfg, httpserver.Deps{
		Broker:   broker,
		Upgrader: websocket.NewUpgrader(websocket.NewCheckOrigin(cfg.AppURL, !cfg.IsProduction())),
		Limits: websocket.NewConnectionLimits(clock,
			int64(cfg.MaxWebSocketConnections), cfg.MaxConnectionsPerIP, cfg.WSRateLimit, cfg.WSRateBurst),
		Clock:          clock,
		WSMetrics:      metrics.NewWebSocketMetrics(reg),
		HTTPMetrics:    metrics.NewHTTPMetrics(reg),
		MetricsHandler: metrics.Handler(reg),
		HealthChecks:   b.healthChecks,
	})

	done := runGracefulShutdown(srv, broker, sweeper, cancelBackground)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

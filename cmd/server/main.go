package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/votetally/internal/adapter/httpserver"
	"github.com/pscheid92/votetally/internal/adapter/metrics"
	"github.com/pscheid92/votetally/internal/adapter/postgres"
	"github.com/pscheid92/votetally/internal/adapter/redis"
	"github.com/pscheid92/votetally/internal/adapter/telegram"
	"github.com/pscheid92/votetally/internal/app"
	"github.com/pscheid92/votetally/internal/domain"
	"github.com/pscheid92/votetally/internal/platform/config"
	"github.com/pscheid92/votetally/internal/platform/logging"
	"github.com/pscheid92/votetally/internal/platform/version"
	goredis "github.com/redis/go-redis/v9"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// backend is the storage the process runs on plus what it needs to close.
type backend struct {
	store  domain.Store
	pool   *pgxpool.Pool
	client *goredis.Client
}

func (b *backend) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
	if b.client != nil {
		_ = b.client.Close()
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

func setupPostgres(ctx context.Context, cfg *config.Config, m *metrics.StorageMetrics) *pgxpool.Pool {
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m)
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

func setupRedis(ctx context.Context, cfg *config.Config, m *metrics.StorageMetrics) *goredis.Client {
	client, err := redis.NewClient(ctx, cfg.RedisURL, redis.NewMetricsHook(m), redis.NewCircuitBreakerHook(m))
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func setupBackend(ctx context.Context, cfg *config.Config, m *metrics.StorageMetrics) *backend {
	var b backend

	// Redis also carries the sweep leader lease, so it is connected whenever configured.
	if cfg.RedisURL != "" {
		b.client = setupRedis(ctx, cfg, m)
	}

	switch cfg.StorageBackend {
	case config.BackendRedis:
		b.store = redis.NewStore(b.client)
	default:
		b.pool = setupPostgres(ctx, cfg, m)
		b.store = postgres.NewStore(b.pool)
	}

	slog.Info("Storage backend ready", "backend", cfg.StorageBackend)
	return &b
}

func runGracefulShutdown(srv *httpserver.Server, stopSweep context.CancelFunc, sweepDone *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopSweep()
		sweepDone.Wait()

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	registry := metrics.NewRegistry()
	httpMetrics := metrics.NewHTTPMetrics(registry)
	voteMetrics := metrics.NewVoteMetrics(registry)
	sweepMetrics := metrics.NewSweepMetrics(registry)
	storageMetrics := metrics.NewStorageMetrics(registry)

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), startupTimeout)
	store := setupBackend(startupCtx, cfg, storageMetrics)
	cancelStartup()
	defer store.Close()

	verifier := telegram.NewVerifier(cfg.TelegramBotToken, cfg.InitDataMaxAge)
	bot, err := telegram.NewBot(cfg.TelegramBotToken, cfg.TelegramAPIEndpoint)
	if err != nil {
		slog.Error("Failed to create Telegram bot", "error", err)
		os.Exit(1)
	}

	// Pass nil explicitly to avoid a typed-nil interface when Redis is absent.
	var leader domain.LeaderLock
	if store.client != nil {
		leader = redis.NewLeaderLock(store.client, uuid.NewString(), redis.DefaultLeaseTTL)
	} else {
		slog.Warn("REDIS_URL not set, closing sweep runs without a leader lease")
	}

	chain := app.NewAuditChain(store.store, clock, cfg.AuditAppendAttempts, voteMetrics)
	pollRegistry := app.NewRegistry(store.store, bot, chain, clock, voteMetrics)
	sweep := app.NewClosingSweep(store.store, bot, leader, clock, cfg.SweepInterval, sweepMetrics)
	reconciler := app.NewReconciler(store.store, sweepMetrics)

	healthChecks := []httpserver.HealthCheck{
		{Name: "storage", Check: store.store.Ping},
	}
	if store.client != nil && cfg.StorageBackend != config.BackendRedis {
		healthChecks = append(healthChecks, httpserver.HealthCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return store.client.Ping(ctx).Err() },
		})
	}

	srv := httpserver.NewServer(cfg, pollRegistry, verifier, sweep, reconciler, httpMetrics, metrics.Handler(registry), healthChecks)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	var sweepDone sync.WaitGroup
	sweepDone.Add(1)
	go func() {
		defer sweepDone.Done()
		sweep.Run(sweepCtx)
	}()

	done := runGracefulShutdown(srv, stopSweep, &sweepDone)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}

package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	api "backup-orchestrator/internal/api"
	"backup-orchestrator/internal/auth"
	"backup-orchestrator/internal/config"
	"backup-orchestrator/internal/configbackup"
	"backup-orchestrator/internal/events"
	"backup-orchestrator/internal/executor"
	"backup-orchestrator/internal/lock"
	"backup-orchestrator/internal/logging"
	"backup-orchestrator/internal/monitor"
	"backup-orchestrator/internal/ratelimit"
	"backup-orchestrator/internal/runner"
	"backup-orchestrator/internal/runs"
	"backup-orchestrator/internal/scheduler"
	"backup-orchestrator/internal/store"
	"backup-orchestrator/internal/supervisor"
	"backup-orchestrator/internal/telemetry"
)

const drainTimeout = 30 * time.Second

type backend interface {
	scheduler.JobStore
	runs.RunStore
	Ping(ctx context.Context) error
	Close()
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) (backend, error) {
	if cfg.StoreBackend != "postgres" {
		logger.Infow("Using in-memory store; jobs and runs are lost on restart")
		return store.NewMemory(), nil
	}
	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	if err := st.RunMigrations(ctx); err != nil {
		st.Close()
		return nil, errors.Wrap(err, "migrations")
	}
	return st, nil
}

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	proc := runner.New(cfg.CommandTimeout, cfg.MaxOutputBytes, logger)
	binPath, err := proc.Available(ctx, cfg.BorgmaticBin)
	if err != nil {
		logger.Fatalw("Backup tool is not available", "binary", cfg.BorgmaticBin, "error", err, "hint", errors.FlattenHints(err))
	}
	logger.Infow("Backup tool found", "path", binPath)

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("Failed to open store", "backend", cfg.StoreBackend, "error", err)
	}
	defer st.Close()

	var redisClient *redis.Client
	if cfg.LockBackend == "redis" || cfg.RateLimitBackend == "redis" {
		redisClient = lock.NewRedisClient(cfg)
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalw("Redis unreachable", "addr", cfg.RedisAddr, "error", err)
		}
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if cfg.LockBackend == "redis" {
		locker = lock.NewRedisLocker(redisClient, cfg.BackupTimeout+time.Hour)
	}
	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimitCapacity, cfg.RateLimitRefill)
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, 0)
	}

	exec := executor.New(cfg, proc, locker, logger)
	bus := events.NewBus(cfg.EventQueueSize, logger)
	tracker := runs.NewTracker(st, exec, bus, logger)
	sched := scheduler.New(st, tracker, bus, cfg.SchedulerPollInterval, logger)
	jobs := scheduler.NewManager(st, sched, logger)

	snapshots, err := configbackup.New(ctx, cfg, exec, logger)
	if err != nil {
		logger.Fatalw("Failed to init config snapshots", "error", err)
	}

	if cfg.JWTSecret == "" {
		logger.Warnw("JWT_SECRET is empty; trusting X-User-ID headers")
		if cfg.IsProduction() {
			logger.Fatalw("JWT_SECRET is required in production")
		}
	}

	server := api.New(api.Deps{
		Config:    cfg,
		Executor:  exec,
		Runs:      tracker,
		Jobs:      jobs,
		Bus:       bus,
		Snapshots: snapshots,
		Limiter:   limiter,
		Auth:      auth.NewAuthenticator(cfg.JWTSecret, 0),
		Store:     st,
		Log:       logger,
	})

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddWorker(sched)
	tree.AddWorker(monitor.NewStatusBroadcaster(exec, bus, cfg.StatusInterval, logger))
	tree.AddAPI(supervisor.NewHTTPService("http", &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}, 10*time.Second))
	if cfg.MetricsAddr != "" {
		tree.AddAPI(supervisor.NewHTTPService("metrics", &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           telemetry.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}, 5*time.Second))
	}

	logger.Infow("API listening", "port", cfg.HTTPPort, "metrics", cfg.MetricsAddr, "store", cfg.StoreBackend, "lock", cfg.LockBackend)
	done := tree.ServeBackground(ctx)
	<-ctx.Done()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorw("Supervisor stopped", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		tracker.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		logger.Warnw("Backups still running at shutdown; their outcome will not be recorded")
	}
	logger.Infow("Shutdown complete")
}

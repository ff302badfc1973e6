package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/authensi/authz/internal/app"
	"github.com/authensi/authz/internal/platform/cache"
	"github.com/authensi/authz/internal/platform/db"
	"github.com/authensi/authz/internal/rbac"
	"github.com/authensi/authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("connect redis, warmup will recompute without caching", slog.Any("error", err))
		redisClient = nil
	}

	repo := rbac.NewRepository(pool)
	permCache := rbac.NewPermissionCache(redisClient, cfg.CacheTTL)
	engine := rbac.NewEngine(rbac.EngineConfig{
		Store:  repo,
		Cache:  permCache,
		Logger: logger,
	})

	sweepJob := jobs.NewAssignmentSweepJob(repo, logger)
	warmupJob := jobs.NewCacheWarmupJob(repo, engine, logger)

	sweepTask, err := jobs.NewAssignmentSweepTask(false)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewCacheWarmupTask(0)
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAssignmentSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskCacheWarmup, Handler: warmupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.WarmupCron, Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}

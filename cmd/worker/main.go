package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/forge-erp/forge-erp/internal/app"
	jobmetrics "github.com/forge-erp/forge-erp/internal/jobs"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/masterdata/items"
	"github.com/forge-erp/forge-erp/internal/platform/cache"
	"github.com/forge-erp/forge-erp/internal/platform/db"
	"github.com/forge-erp/forge-erp/internal/replay"
	"github.com/forge-erp/forge-erp/internal/shared"
	"github.com/forge-erp/forge-erp/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	catalog := items.NewRepository(pool)
	repo := ledger.NewRepository(pool)
	engine := replay.NewEngine(repo, replay.NewRedisSnapshotStore(redisClient, cfg.LedgerSnapshotTTL), nil)

	metrics := jobmetrics.NewMetrics(nil)
	snapshotJob := jobs.NewLedgerSnapshotJob(engine, catalog, logger, metrics)

	snapshotTask, err := jobs.NewLedgerSnapshotTask(jobs.LedgerSnapshotPayload{})
	if err != nil {
		logger.Error("build snapshot task", slog.Any("error", err))
		os.Exit(1)
	}
	purgeTask, err := jobs.NewIdempotencyPurgeTask(jobs.IdempotencyPurgePayload{})
	if err != nil {
		logger.Error("build purge task", slog.Any("error", err))
		os.Exit(1)
	}

	cron := []jobs.CronRegistration{
		{Spec: "30 3 * * 0", Task: purgeTask},
	}
	if cfg.LedgerSnapshots {
		cron = append(cron, jobs.CronRegistration{Spec: cfg.SnapshotCron, Task: snapshotTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerSnapshot, Handler: snapshotJob.Handle},
			{Type: jobs.TaskIdempotencyPurge, Handler: jobs.HandleIdempotencyPurge(shared.NewIdempotencyStore(pool))},
		},
		Cron: cron,
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

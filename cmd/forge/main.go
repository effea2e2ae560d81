package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/forge-erp/forge-erp/cmd/forge/cli"
	"github.com/forge-erp/forge-erp/internal/app"
	"github.com/forge-erp/forge-erp/internal/costing"
	"github.com/forge-erp/forge-erp/internal/ledger"
	"github.com/forge-erp/forge-erp/internal/masterdata/items"
	"github.com/forge-erp/forge-erp/internal/observability"
	"github.com/forge-erp/forge-erp/internal/platform/cache"
	"github.com/forge-erp/forge-erp/internal/platform/db"
	"github.com/forge-erp/forge-erp/internal/platform/lock"
	"github.com/forge-erp/forge-erp/internal/production"
	"github.com/forge-erp/forge-erp/internal/replay"
	"github.com/forge-erp/forge-erp/internal/shared"
	"github.com/forge-erp/forge-erp/internal/stockreport"
	"github.com/forge-erp/forge-erp/internal/valuation"
	"github.com/forge-erp/forge-erp/jobs"
)

const usage = `usage: forge [command]

commands:
  serve                         run the HTTP server (default)
  ledger verify [flags]         replay every item and report flagged statement rows
  jobs trigger <task> [flags]   enqueue ledger:snapshot or maintenance:idempotency_purge
  jobs stats                    print default queue counters
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	args := os.Args[1:]
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "serve":
		if err := serve(ctx, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
	case "ledger":
		os.Exit(ledgerCommand(ctx, cfg, logger, args))
	case "jobs":
		os.Exit(jobsCommand(ctx, cfg, args))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// stack holds the ledger components shared by every command.
type stack struct {
	pool        *pgxpool.Pool
	redis       *redis.Client
	catalog     ledger.ItemCatalog
	repo        *ledger.Repository
	engine      *replay.Engine
	ledger      *ledger.Service
	valuation   *valuation.Service
	facade      *stockreport.Facade
	ledgerStats *observability.LedgerMetrics
}

func (s *stack) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildStack(ctx context.Context, cfg *app.Config, logger *slog.Logger, metrics *observability.Metrics) (*stack, error) {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return nil, err
	}
	s := &stack{pool: pool}

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Redis only accelerates reads; the ledger stays correct without it.
		logger.Warn("redis unavailable, running without snapshots and item cache", slog.Any("error", err))
		redisClient = nil
	}
	s.redis = redisClient

	var catalog ledger.ItemCatalog = items.NewRepository(pool)
	if redisClient != nil && cfg.ItemCacheTTL > 0 {
		catalog = items.NewCachedCatalog(catalog, cache.NewVersioned(redisClient, "items", cfg.ItemCacheTTL))
	}
	s.catalog = catalog

	if metrics != nil {
		s.ledgerStats = observability.NewLedgerMetrics(metrics.Registerer())
	}

	var snapshots replay.SnapshotStore
	if redisClient != nil && cfg.LedgerSnapshots {
		snapshots = replay.NewRedisSnapshotStore(redisClient, cfg.LedgerSnapshotTTL)
	}
	s.repo = ledger.NewRepository(pool)
	s.engine = replay.NewEngine(s.repo, snapshots, s.ledgerStats)
	s.ledger = ledger.NewService(s.repo, catalog, s.engine, s.ledgerStats, logger)
	s.valuation = valuation.NewService(s.engine, s.repo, catalog, cfg.ReportConcurrency, s.ledgerStats, logger)
	s.facade = stockreport.NewFacade(s.valuation, catalog, s.repo, s.engine, cfg.ReportConcurrency)
	return s, nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	s, err := buildStack(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer s.Close()

	var locker costing.Locker = lock.NewLocal()
	if s.redis != nil {
		locker = lock.NewRedis(s.redis, cfg.LedgerLockTTL, cfg.LedgerLockWait)
	}
	allocator := costing.NewAllocator(s.ledger, s.engine, locker, s.ledgerStats, logger)
	productionService := production.NewService(
		s.ledger,
		allocator,
		s.engine,
		s.catalog,
		locker,
		shared.NewAuditLogger(s.pool),
		shared.NewIdempotencyStore(s.pool),
		s.ledgerStats,
		logger,
	)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		Metrics:           metrics,
		ProductionHandler: production.NewHandler(logger, productionService),
		ReportHandler:     stockreport.NewHandler(s.facade, logger),
		JobHandler:        jobs.NewHandler(inspector, jobClient, logger),
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func ledgerCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	if len(args) == 0 || args[0] != "verify" {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	fs := flag.NewFlagSet("ledger verify", flag.ContinueOnError)
	opts := cli.LedgerVerifyOptions{}
	fs.StringVar(&opts.From, "from", "", "range start (YYYY-MM-DD)")
	fs.StringVar(&opts.To, "to", "", "range end (YYYY-MM-DD)")
	fs.StringVar(&opts.Category, "category", "", "restrict to one item category")
	fs.BoolVar(&opts.JSONOutput, "json", false, "print JSON")
	if err := fs.Parse(args[1:]); err != nil {
		return 2
	}
	s, err := buildStack(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("ledger verify", slog.Any("error", err))
		return 1
	}
	defer s.Close()
	return cli.NewLedgerCLI(s.facade).VerifyCommand(ctx, opts)
}

func jobsCommand(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	jc, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer func() { _ = jc.Close() }()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprint(os.Stderr, usage)
			return 2
		}
		fs := flag.NewFlagSet("jobs trigger", flag.ContinueOnError)
		opts := cli.TriggerOptions{}
		fs.Int64Var(&opts.ItemID, "item", 0, "single item id (snapshot)")
		fs.StringVar(&opts.AsOf, "as-of", "", "snapshot date (YYYY-MM-DD)")
		fs.IntVar(&opts.RetentionHours, "retention-hours", 0, "claim retention (purge)")
		if err := fs.Parse(args[2:]); err != nil {
			return 2
		}
		info, err := jc.Trigger(ctx, args[1], opts)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("enqueued %s on %s as %s\n", info.Type, info.Queue, info.ID)
		return 0
	case "stats":
		stats, err := jc.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		fmt.Printf("%s: pending=%d active=%d scheduled=%d retry=%d\n", stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
		return 0
	default:
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
}

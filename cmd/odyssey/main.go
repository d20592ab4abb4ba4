package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-recon/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-recon/internal/app"
	"github.com/odyssey-erp/odyssey-recon/internal/estimates"
	"github.com/odyssey-erp/odyssey-recon/internal/observability"
	"github.com/odyssey-erp/odyssey-recon/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-recon/internal/platform/db"
	"github.com/odyssey-erp/odyssey-recon/jobs"
)

const usage = `usage: odyssey [command] [flags]

commands:
  serve              run the HTTP API (default)
  match-estimates    persist invoice estimates for open purchase orders
  sync-nfe           pull invoices from the fiscal API
  ingest-erp <file>  load an ERP purchase order export
  jobs               trigger <task> | inspect | scheduled
`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	command, args := "serve", []string(nil)
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}

	switch command {
	case "serve":
		serve(ctx, stop, cfg, logger)
	case "jobs":
		jobsCLI := cli.NewJobsCLI(cfg.Redis().AsynqOpt())
		code := jobsCLI.JobsCommand(ctx, cli.JobsOptions{Args: args})
		if err := jobsCLI.Close(); err != nil {
			logger.Warn("jobs cli close", slog.Any("error", err))
		}
		exit(stop, code)
	case "match-estimates", "sync-nfe", "ingest-erp":
		exit(stop, runBatch(ctx, command, args, cfg, logger))
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", command, usage)
		exit(stop, 2)
	}
}

// exit runs the deferred signal cleanup before leaving with code.
func exit(stop context.CancelFunc, code int) {
	stop()
	os.Exit(code)
}

func runBatch(ctx context.Context, command string, args []string, cfg *app.Config, logger *slog.Logger) int {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	switch command {
	case "match-estimates":
		redisClient, err := cache.New(ctx, cfg.Redis())
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			return 1
		}
		defer closeRedis(redisClient, logger)
		estimatesCLI, err := cli.NewEstimatesCLI(app.NewPersistor(cfg, pool, redisClient, logger))
		if err != nil {
			logger.Error("init estimates cli", slog.Any("error", err))
			return 1
		}
		return estimatesCLI.MatchCommand(ctx, cli.MatchOptions{Args: args, Defaults: cfg.MatchDefaults()})
	case "sync-nfe":
		redisClient, err := cache.New(ctx, cfg.Redis())
		if err != nil {
			logger.Error("connect redis", slog.Any("error", err))
			return 1
		}
		defer closeRedis(redisClient, logger)
		syncer, err := app.NewSynchronizer(cfg, pool, redisClient, logger)
		if err != nil {
			logger.Error("init nfe synchronizer", slog.Any("error", err))
			return 1
		}
		nfeCLI, err := cli.NewNFeCLI(syncer)
		if err != nil {
			logger.Error("init nfe cli", slog.Any("error", err))
			return 1
		}
		return nfeCLI.SyncCommand(ctx, cli.SyncOptions{
			Args:         args,
			Destinations: cfg.NFEDestCNPJs,
			LookbackDays: cfg.NFESyncLookbackDays,
		})
	default:
		erpCLI, err := cli.NewERPCLI(app.NewIngester(pool, logger))
		if err != nil {
			logger.Error("init erp cli", slog.Any("error", err))
			return 1
		}
		return erpCLI.IngestCommand(ctx, cli.IngestOptions{Args: args})
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) {
	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	estimatesRepo := estimates.NewRepository(dbpool)
	estimatesService := estimates.NewService(estimatesRepo)
	estimatesHandler := estimates.NewHandler(logger, estimatesService)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(cfg.Redis().AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		EstimatesHandler: estimatesHandler,
		JobHandler:       jobHandler,
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func closeRedis(client *redis.Client, logger *slog.Logger) {
	if err := client.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
}

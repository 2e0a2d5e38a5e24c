package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/config"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/logging"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/scheduler"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/scraper"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/services"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/storage"
	"github.com/Seany5691/smart-cost-calculator-hosted-sub012/workers"
)

var (
	sweepNow = flag.Bool("sweep", false, "Run one sweep of the configured targets and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Init(cfg.LogLevel, cfg.LogFormat, cfg.LogPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting scraper daemon",
		zap.Int("towns", len(cfg.Targets.Towns)),
		zap.Int("industries", len(cfg.Targets.Industries)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st storage.Store
	if cfg.Postgres.URL != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Postgres.URL)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		st = pg
		logger.Info("connected to postgres", zap.String("url", maskDSN(cfg.Postgres.URL)))
	} else {
		lite, err := storage.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			logger.Fatal("failed to open sqlite database", zap.Error(err))
		}
		st = lite
		logger.Info("opened sqlite database", zap.String("path", cfg.DBPath))
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Fatal("failed to migrate schema", zap.Error(err))
	}

	var uploader storage.Uploader = storage.NoOpUploader{}
	if cfg.Export.Bucket != "" {
		s3up, err := storage.NewS3Uploader(ctx, storage.S3Config{
			Bucket:          cfg.Export.Bucket,
			Region:          cfg.Export.Region,
			Endpoint:        cfg.Export.Endpoint,
			AccessKeyID:     cfg.Export.AccessKeyID,
			SecretAccessKey: cfg.Export.SecretAccessKey,
		})
		if err != nil {
			logger.Fatal("failed to configure s3 uploader", zap.Error(err))
		}
		uploader = s3up
		logger.Info("session exports enabled", zap.String("bucket", cfg.Export.Bucket))
	} else {
		logger.Info("no export bucket configured, session exports disabled")
	}

	metrics := services.NewMetricsService(st)
	retry := services.NewRetryService(st, metrics)
	cache := services.NewCacheService(st)
	sessions := services.NewSessionService(st)
	queue := services.NewQueueService(st)

	engine := scraper.NewEngine(st, sessions, queue, retry, cache, metrics, &cfg.Scraper)

	if *sweepNow {
		runOnce(ctx, logger, engine, queue, st, cfg)
		return
	}

	reaper := workers.NewReaperWorker(st, cfg.Reaper)
	exporter := workers.NewExportWorker(st, uploader)

	sched := scheduler.New(cfg, engine, queue, st)
	sched.SetWorkers(reaper, exporter)

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("failed to start scheduler", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		exporter.Run(gctx, time.Minute) // re-check for unexported sessions every minute
		return nil
	})

	logger.Info("daemon running")
	<-ctx.Done()

	logger.Info("shutting down")
	sched.Stop()
	if err := g.Wait(); err != nil {
		logger.Error("worker shutdown", zap.Error(err))
	}
	logger.Info("goodbye")
}

// runOnce queues a sweep of the configured targets and runs it in the
// foreground. A sweep interrupted by a signal stays resumable by the daemon.
func runOnce(ctx context.Context, logger *zap.Logger, engine *scraper.Engine, queue *services.QueueService, st storage.Store, cfg *config.Config) {
	sched := scheduler.New(cfg, engine, queue, st)
	if _, err := sched.TriggerNow(ctx); err != nil {
		logger.Fatal("failed to queue sweep", zap.Error(err))
	}

	entry, err := queue.DequeueNext(ctx)
	if err != nil {
		logger.Fatal("failed to claim sweep", zap.Error(err))
	}
	if entry == nil {
		logger.Fatal("another session is already processing, not claiming")
	}

	if err := engine.Run(ctx, entry); err != nil {
		logger.Fatal("sweep failed", zap.Error(err))
	}
	logger.Info("sweep complete")
}

// maskDSN hides credentials in a connection string for logging.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

// Command dispatcher seeds pipeline jobs from image statuses and requeues
// stale leases. It runs one pass with --once or loops until signalled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/mongodb"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

func main() {
	once := flag.Bool("once", false, "run a single dispatch pass and exit")
	stats := flag.Bool("stats", false, "print the pipeline stats report and exit")
	batchSize := flag.Int("batch-size", 0, "override WORKER_BATCH_SIZE")
	pollInterval := flag.Duration("poll-interval", 0, "override WORKER_POLL_INTERVAL")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config invalid", slog.Any("error", err))
		os.Exit(1)
	}
	if *batchSize > 0 {
		cfg.WorkerBatchSize = *batchSize
	}
	if *pollInterval > 0 {
		cfg.WorkerPollInterval = *pollInterval
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := mongodb.Connect(ctx, cfg)
	if err != nil {
		slog.Error("mongodb connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = client.Disconnect(context.Background()) }()
	db := mongodb.Database(client, cfg)
	if err := mongodb.EnsureIndexes(ctx, db); err != nil {
		slog.Error("index setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	images := mongodb.NewImageRepo(db)

	if *stats {
		svc := &usecase.StatsService{Images: images}
		report, err := svc.Report(ctx, "")
		if err != nil {
			slog.Error("stats failed", slog.Any("error", err))
			os.Exit(1)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
		return
	}

	d := &usecase.Dispatcher{
		Images: images,
		Queue:  mongodb.NewJobQueue(db),
		Opts: usecase.DispatcherOptions{
			BatchSize:        cfg.WorkerBatchSize,
			PollInterval:     cfg.WorkerPollInterval,
			MaxRetries:       cfg.WorkerMaxRetries,
			FailedRetryDelay: cfg.FailedRetryDelay,
			RetryPriority:    -1,
		},
		Logger: logger,
	}

	if *once {
		report, err := d.RunOnce(ctx)
		if err != nil {
			slog.Error("dispatch pass failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("dispatch pass done",
			slog.Int("reaped", report.Reaped),
			slog.Int("preprocess", report.Preprocess),
			slog.Int("primary", report.Primary),
			slog.Int("fallback", report.Fallback),
			slog.Int("retries", report.Retries))
		return
	}

	if err := d.Run(ctx); err != nil {
		slog.Error("dispatcher stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

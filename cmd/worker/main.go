// Command worker leases jobs of one stage type and executes the matching
// handler. Run one process per stage; --type selects the stage.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/ai/gemini"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/decoder/zxing"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/preprocess"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/mongodb"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/service/ratelimiter"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

func main() {
	jobType := flag.String("type", "", "stage to run: preprocess, decode_primary, decode_fallback or cleanup")
	once := flag.Bool("once", false, "drain at most one batch and exit")
	continuous := flag.Bool("continuous", false, "keep polling after the queue drains")
	batchSize := flag.Int("batch-size", 0, "override WORKER_BATCH_SIZE")
	pollInterval := flag.Duration("poll-interval", 0, "override WORKER_POLL_INTERVAL")
	metricsAddr := flag.String("metrics-addr", ":9090", "prometheus scrape address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
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
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	validate := cfg.Validate
	if domain.JobType(*jobType) == domain.JobDecodeFallback {
		validate = cfg.ValidateGemini
	}
	if err := validate(); err != nil {
		slog.Error("config invalid", slog.Any("error", err))
		os.Exit(1)
	}

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
	detections := mongodb.NewDetectionRepo(db)
	products := mongodb.NewProductRepo(db)
	queue := mongodb.NewJobQueue(db)

	blobs, err := blob.NewAzureStore(cfg)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	handler, err := buildHandler(ctx, cfg, *jobType, images, detections, products, queue, blobs, logger)
	if err != nil {
		slog.Error("handler init failed", slog.Any("error", err))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	w := &usecase.Worker{
		Queue:   queue,
		Handler: handler,
		Opts: usecase.WorkerOptions{
			WorkerID:     fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
			PollInterval: cfg.WorkerPollInterval,
			BatchSize:    cfg.WorkerBatchSize,
			LeaseFor:     cfg.WorkerLeaseDuration,
			SafetyMargin: cfg.WorkerSafetyMargin,
			Continuous:   *continuous,
		},
		Logger: logger,
	}
	if *once {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			slog.Error("worker pass failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("worker pass done", slog.Int("processed", processed))
		return
	}
	if err := w.Run(ctx); err != nil {
		slog.Error("worker stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func buildHandler(ctx context.Context, cfg config.Config, jobType string,
	images *mongodb.ImageRepo, detections *mongodb.DetectionRepo, products *mongodb.ProductRepo,
	queue *mongodb.JobQueue, blobs *blob.AzureStore, logger *slog.Logger) (usecase.StageHandler, error) {

	switch domain.JobType(jobType) {
	case domain.JobPreprocess:
		return &usecase.PreprocessHandler{
			Images:     images,
			Blobs:      blobs,
			Normalizer: preprocess.NewNormalizer(cfg),
			Logger:     logger,
		}, nil

	case domain.JobDecodePrimary:
		return &usecase.DecodePrimaryHandler{
			Images:     images,
			Detections: detections,
			Products:   products,
			Blobs:      blobs,
			Decoder:    zxing.NewDecoder(),
			Logger:     logger,
		}, nil

	case domain.JobDecodeFallback:
		fallback, err := gemini.NewClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h := &usecase.DecodeFallbackHandler{
			Images:     images,
			Detections: detections,
			Products:   products,
			Blobs:      blobs,
			Fallback:   fallback,
			Logger:     logger,
		}
		if cfg.RedisURL != "" && cfg.GeminiRatePerMin > 0 {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, fmt.Errorf("op=worker.redis: %w", err)
			}
			h.Limiter = ratelimiter.NewRedisLuaLimiter(redis.NewClient(opts), map[string]ratelimiter.BucketConfig{
				"gemini": ratelimiter.NewBucketConfigFromPerMinute(cfg.GeminiRatePerMin),
			})
		}
		return h, nil

	case domain.JobCleanup:
		return &usecase.CleanupHandler{
			Queue:         queue,
			RetentionDays: cfg.RetentionDays,
			Logger:        logger,
		}, nil

	default:
		return nil, fmt.Errorf("unknown job type %q", jobType)
	}
}

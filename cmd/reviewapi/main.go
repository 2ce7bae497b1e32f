// Command reviewapi serves the manual-review REST API and the operator
// stats endpoint.
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

	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/httpserver"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/mongodb"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

func main() {
	port := flag.Int("port", 0, "override REVIEW_PORT")
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
	if *port > 0 {
		cfg.ReviewPort = *port
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

	ctx := context.Background()
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

	blobs, err := blob.NewAzureStore(cfg)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	images := mongodb.NewImageRepo(db)
	review := &usecase.ReviewService{
		Images:     images,
		Detections: mongodb.NewDetectionRepo(db),
		Blobs:      blobs,
		Logger:     logger,
	}
	stats := &usecase.StatsService{Images: images}

	dbCheck := func(ctx context.Context) error { return client.Ping(ctx, readpref.Primary()) }
	blobCheck := func(ctx context.Context) error {
		_, err := blobs.Exists(ctx, "healthz-probe")
		return err
	}

	srv := httpserver.NewServer(cfg, review, stats, blobs, dbCheck, blobCheck)
	handler := httpserver.BuildRouter(srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ReviewPort),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("review api starting", slog.Int("port", cfg.ReviewPort))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}

package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// The bundled decoder is deterministic; rerunning it on the same artifact
// only recovers from I/O faults, so primary decode jobs get one attempt.
const primaryDecodeMaxRetries = 1

// DispatcherOptions tune the seeding loop.
type DispatcherOptions struct {
	BatchSize        int
	PollInterval     time.Duration
	MaxRetries       int
	FailedRetryDelay time.Duration
	// RetryPriority deprioritizes failed-image retries below fresh work.
	RetryPriority int
}

// Dispatcher drives the pipeline: it reaps expired leases, scans image
// statuses and enqueues the matching jobs. Enqueue idempotence makes every
// pass safe to repeat.
type Dispatcher struct {
	Images domain.ImageRepository
	Queue  domain.JobQueue
	Opts   DispatcherOptions
	Logger *slog.Logger
}

// CycleReport summarizes one dispatch pass.
type CycleReport struct {
	Reaped     int
	Preprocess int
	Primary    int
	Fallback   int
	Retries    int
}

// RunOnce executes a single dispatch pass.
func (d *Dispatcher) RunOnce(ctx context.Context) (CycleReport, error) {
	var report CycleReport

	reaped, err := d.Queue.Reap(ctx, time.Now().UTC())
	if err != nil {
		return report, err
	}
	report.Reaped = reaped
	if reaped > 0 {
		d.Logger.Warn("requeued stale leases", slog.Int("count", reaped))
	}

	pendingFinder := func(ctx context.Context, limit int) ([]domain.Image, error) {
		return d.Images.FindByStatus(ctx, domain.ImagePending, "", limit)
	}
	report.Preprocess, err = d.seedFrom(ctx, pendingFinder, domain.JobPreprocess, 0, d.Opts.MaxRetries)
	if err != nil {
		return report, err
	}

	report.Primary, err = d.seedFrom(ctx, d.Images.FindPrimaryReady, domain.JobDecodePrimary, 0, primaryDecodeMaxRetries)
	if err != nil {
		return report, err
	}

	report.Fallback, err = d.seedFrom(ctx, d.Images.FindNeedingFallback, domain.JobDecodeFallback, 0, d.Opts.MaxRetries)
	if err != nil {
		return report, err
	}

	retryFinder := func(ctx context.Context, limit int) ([]domain.Image, error) {
		return d.Images.FindFailedForRetry(ctx, limit, MaxFallbackAttempts, d.Opts.FailedRetryDelay)
	}
	report.Retries, err = d.seedFrom(ctx, retryFinder, domain.JobDecodeFallback, d.Opts.RetryPriority, d.Opts.MaxRetries)
	if err != nil {
		return report, err
	}

	if _, err := d.Queue.Enqueue(ctx, domain.JobCleanup, CleanupImageID, "", domain.EnqueueOptions{}); err != nil {
		d.Logger.Warn("cleanup enqueue failed", slog.Any("error", err))
	}

	return report, nil
}

func (d *Dispatcher) seedFrom(ctx context.Context, find func(context.Context, int) ([]domain.Image, error), jobType domain.JobType, priority, maxRetries int) (int, error) {
	images, err := find(ctx, d.Opts.BatchSize)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, img := range images {
		active, err := d.Queue.HasActive(ctx, jobType, img.ImageID)
		if err != nil {
			return enqueued, err
		}
		if active {
			continue
		}
		_, err = d.Queue.Enqueue(ctx, jobType, img.ImageID, img.BatchID, domain.EnqueueOptions{
			Priority:   priority,
			MaxRetries: maxRetries,
		})
		if err != nil {
			return enqueued, err
		}
		observability.EnqueueJob(string(jobType))
		enqueued++
	}
	return enqueued, nil
}

// Run loops RunOnce until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.Logger.Info("dispatcher started",
		slog.Int("batch_size", d.Opts.BatchSize),
		slog.Duration("poll_interval", d.Opts.PollInterval))
	for {
		report, err := d.RunOnce(ctx)
		if err != nil {
			d.Logger.Error("dispatch pass failed", slog.Any("error", err))
		} else if report.Preprocess+report.Primary+report.Fallback+report.Retries > 0 {
			d.Logger.Info("dispatch pass",
				slog.Int("reaped", report.Reaped),
				slog.Int("preprocess", report.Preprocess),
				slog.Int("primary", report.Primary),
				slog.Int("fallback", report.Fallback),
				slog.Int("retries", report.Retries))
		}
		select {
		case <-ctx.Done():
			d.Logger.Info("dispatcher stopping")
			return nil
		case <-time.After(d.Opts.PollInterval):
		}
	}
}

package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// WorkerOptions tune one worker process.
type WorkerOptions struct {
	WorkerID     string
	PollInterval time.Duration
	BatchSize    int
	LeaseFor     time.Duration
	SafetyMargin time.Duration
	// Continuous keeps polling forever; otherwise the worker exits cleanly
	// after two consecutive empty polls.
	Continuous bool
}

// Worker leases jobs of one type and runs them through a stage handler.
// Execution is bounded by the lease deadline minus the safety margin, and
// the lease is renewed in the background while the handler runs.
type Worker struct {
	Queue   domain.JobQueue
	Handler StageHandler
	Opts    WorkerOptions
	Logger  *slog.Logger
}

const emptyPollsBeforeExit = 2

// Run polls until the context is cancelled or, in batch mode, until the
// queue stays empty for two polls.
func (w *Worker) Run(ctx context.Context) error {
	w.Logger.Info("worker started",
		slog.String("worker_id", w.Opts.WorkerID),
		slog.String("job_type", string(w.Handler.JobType())),
		slog.Bool("continuous", w.Opts.Continuous))

	consecutiveEmpty := 0
	for {
		processed, err := w.drainBatch(ctx)
		if err != nil {
			return err
		}
		if processed == 0 {
			consecutiveEmpty++
		} else {
			consecutiveEmpty = 0
		}
		if !w.Opts.Continuous && consecutiveEmpty >= emptyPollsBeforeExit {
			w.Logger.Info("queue drained, exiting", slog.String("worker_id", w.Opts.WorkerID))
			return nil
		}
		select {
		case <-ctx.Done():
			w.Logger.Info("worker stopping", slog.String("worker_id", w.Opts.WorkerID))
			return nil
		case <-time.After(w.Opts.PollInterval):
		}
	}
}

// RunOnce drains at most one batch and returns the number of jobs handled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	return w.drainBatch(ctx)
}

func (w *Worker) drainBatch(ctx context.Context) (int, error) {
	processed := 0
	for i := 0; i < w.Opts.BatchSize; i++ {
		if ctx.Err() != nil {
			return processed, nil
		}
		job, err := w.Queue.Lease(ctx, w.Handler.JobType(), w.Opts.WorkerID, w.Opts.LeaseFor)
		if err != nil {
			w.Logger.Error("lease failed", slog.Any("error", err))
			return processed, nil
		}
		if job == nil {
			return processed, nil
		}
		w.execute(ctx, *job)
		processed++
	}
	return processed, nil
}

// execute runs one leased job to completion or failure. The handler gets a
// context that expires at the lease deadline; commits after that point are
// unsafe because the reaper may already have requeued the job.
func (w *Worker) execute(ctx context.Context, job domain.Job) {
	observability.StartProcessingJob(string(job.JobType))
	logger := w.Logger.With(
		slog.String("job_id", job.JobID),
		slog.String("job_type", string(job.JobType)),
		slog.String("image_id", job.ImageID),
		slog.Int("attempt", job.Attempt))

	hctx, cancel := context.WithDeadline(ctx, job.Deadline(w.Opts.SafetyMargin))
	stopRenewal := w.renewInBackground(hctx, cancel, job)

	start := time.Now()
	res, err := w.Handler.Handle(hctx, job)
	stopRenewal()
	cancel()

	if err != nil {
		retriable := Retriable(err)
		outcome, ferr := w.Queue.Fail(ctx, job.JobID, err.Error(), retriable, nil)
		if ferr != nil {
			logger.Error("job fail disposition failed", slog.Any("error", ferr))
		}
		observability.FailJob(string(job.JobType), outcome.Requeued)
		logger.Warn("job failed",
			slog.Bool("requeued", outcome.Requeued),
			slog.Duration("took", time.Since(start)),
			slog.Any("error", err))
		return
	}

	result := res.Result
	if result == nil {
		result = map[string]any{}
	}
	if err := w.Queue.Complete(ctx, job.JobID, result); err != nil {
		// Lease lost after the handler committed; the image state is already
		// correct and re-execution will be a no-op skip.
		logger.Warn("job complete lost lease", slog.Any("error", err))
	}
	observability.CompleteJob(string(job.JobType))
	logger.Info("job done",
		slog.Bool("skipped", res.Skipped),
		slog.Duration("took", time.Since(start)))
}

// renewInBackground extends the lease at a third of its duration. Losing
// the lease cancels the handler context.
func (w *Worker) renewInBackground(ctx context.Context, cancel context.CancelFunc, job domain.Job) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		interval := w.Opts.LeaseFor / 3
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.Queue.Renew(ctx, job.JobID, w.Opts.WorkerID, w.Opts.LeaseFor); err != nil {
					if errors.Is(err, domain.ErrConflict) {
						w.Logger.Warn("lease lost, aborting handler",
							slog.String("job_id", job.JobID))
						cancel()
						return
					}
					w.Logger.Warn("lease renewal failed",
						slog.String("job_id", job.JobID),
						slog.Any("error", err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

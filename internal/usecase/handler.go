// Package usecase contains the pipeline stage handlers, the worker runtime
// that executes them under a queue lease, the dispatcher that seeds jobs,
// and the review and stats services.
package usecase

import (
	"context"
	"errors"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// HandlerResult is what a stage handler reports on success. Skipped means
// another worker already moved the image past the expected state; the job
// still completes.
type HandlerResult struct {
	Skipped bool
	Result  map[string]any
}

// StageHandler processes one leased job. The context carries the lease
// deadline; handlers must not commit a transition after it expires.
type StageHandler interface {
	JobType() domain.JobType
	Handle(ctx context.Context, job domain.Job) (HandlerResult, error)
}

// Retriable classifies a handler error for queue disposal. Transient I/O,
// upstream timeouts and rate limits requeue with backoff; everything else
// is terminal for the job.
func Retriable(err error) bool {
	return errors.Is(err, domain.ErrTransient) ||
		errors.Is(err, domain.ErrUpstreamTimeout) ||
		errors.Is(err, domain.ErrUpstreamRateLimit) ||
		errors.Is(err, context.DeadlineExceeded)
}

func skipped() HandlerResult {
	return HandlerResult{Skipped: true, Result: map[string]any{"skipped": true}}
}

package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// CleanupImageID is the singleton key cleanup jobs enqueue under, so the
// queue's per-image idempotence keeps at most one active cleanup job.
const CleanupImageID = "retention"

// CleanupHandler purges finished queue entries past the retention window.
type CleanupHandler struct {
	Queue         domain.JobQueue
	RetentionDays int
	Logger        *slog.Logger
}

func (h *CleanupHandler) JobType() domain.JobType { return domain.JobCleanup }

func (h *CleanupHandler) Handle(ctx context.Context, job domain.Job) (HandlerResult, error) {
	start := time.Now()
	defer func() { observability.ObserveStage("cleanup", time.Since(start)) }()

	cutoff := time.Now().UTC().AddDate(0, 0, -h.RetentionDays)
	deleted, err := h.Queue.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return HandlerResult{}, err
	}
	h.Logger.Info("queue retention pass",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff))
	return HandlerResult{Result: map[string]any{"deleted": deleted}}, nil
}

var _ StageHandler = (*CleanupHandler)(nil)

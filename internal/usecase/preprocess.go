package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// PreprocessHandler normalizes an incoming image, publishes the rotation
// set and archives the source blob.
type PreprocessHandler struct {
	Images     domain.ImageRepository
	Blobs      domain.BlobStore
	Normalizer domain.Preprocessor
	Logger     *slog.Logger
}

func (h *PreprocessHandler) JobType() domain.JobType { return domain.JobPreprocess }

func (h *PreprocessHandler) Handle(ctx context.Context, job domain.Job) (HandlerResult, error) {
	start := time.Now()
	defer func() { observability.ObserveStage("preprocess", time.Since(start)) }()

	img, err := h.Images.Get(ctx, job.ImageID)
	if err != nil {
		return HandlerResult{}, err
	}

	switch img.Status {
	case domain.ImagePending:
		err := h.Images.Transition(ctx, img.ImageID, domain.ImagePending, domain.ImagePreprocessing, domain.ImageUpdate{})
		if errors.Is(err, domain.ErrConflict) {
			return skipped(), nil
		}
		if err != nil {
			return HandlerResult{}, err
		}
		observability.ObserveTransition(string(domain.ImagePreprocessing))
	case domain.ImagePreprocessing:
		// A prior attempt crashed mid-stage; the lease guarantees we are the
		// only worker holding this image now.
	default:
		return skipped(), nil
	}

	srcPath := img.SourcePath
	if srcPath == "" {
		srcPath = blob.Incoming(img.BatchID, img.SourceFilename)
	}
	src, err := h.Blobs.Download(ctx, srcPath)
	if errors.Is(err, domain.ErrNotFound) {
		// A crashed prior attempt may have archived the source already.
		archived := blob.Original(img.BatchID, img.SourceFilename)
		src, err = h.Blobs.Download(ctx, archived)
		if errors.Is(err, domain.ErrNotFound) {
			return HandlerResult{}, h.failImage(ctx, img, "preprocess", fmt.Sprintf("source blob missing: %s", srcPath), err)
		}
	}
	if err != nil {
		return HandlerResult{}, err
	}

	res, err := h.Normalizer.Normalize(ctx, src)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			return HandlerResult{}, h.failImage(ctx, img, "preprocess", "unreadable image", err)
		}
		return HandlerResult{}, err
	}

	normPath := blob.Preprocessed(img.BatchID, img.ImageID)
	rotationPaths := make(map[string]string, len(res.Rotations))
	for angle, data := range res.Rotations {
		path := blob.PreprocessedRotation(img.BatchID, img.ImageID, angle)
		if err := h.Blobs.Upload(ctx, path, data, "image/jpeg"); err != nil {
			return HandlerResult{}, err
		}
		rotationPaths[strconv.Itoa(angle)] = path
	}

	// Archive the source. Copy-then-delete means a leftover incoming blob is
	// the worst case here, so a failure is logged and never blocks the stage.
	archivePath := blob.Original(img.BatchID, img.SourceFilename)
	if err := h.Blobs.Move(ctx, srcPath, archivePath); err != nil {
		h.Logger.Warn("archive move failed",
			slog.String("image_id", img.ImageID),
			slog.String("src", srcPath),
			slog.Any("error", err))
	}

	now := time.Now().UTC()
	angles := make([]int, 0, len(res.Rotations))
	for angle := range res.Rotations {
		angles = append(angles, angle)
	}
	info := domain.PreprocessingInfo{
		NormalizedPath:     normPath,
		RotationPaths:      rotationPaths,
		OriginalWidth:      res.OriginalWidth,
		OriginalHeight:     res.OriginalHeight,
		ProcessedWidth:     res.ProcessedWidth,
		ProcessedHeight:    res.ProcessedHeight,
		Grayscale:          res.Grayscale,
		CLAHEApplied:       res.CLAHEApplied,
		Denoised:           res.Denoised,
		RotationsGenerated: angles,
		DurationMs:         res.DurationMs,
		CompletedAt:        &now,
	}
	err = h.Images.Transition(ctx, img.ImageID, domain.ImagePreprocessing, domain.ImagePreprocessed,
		domain.ImageUpdate{Preprocessing: &info})
	if errors.Is(err, domain.ErrConflict) {
		return skipped(), nil
	}
	if err != nil {
		return HandlerResult{}, err
	}
	observability.ObserveTransition(string(domain.ImagePreprocessed))

	return HandlerResult{Result: map[string]any{
		"rotations":   len(res.Rotations),
		"duration_ms": res.DurationMs,
	}}, nil
}

// failImage records the error and moves the image to failed. The returned
// error keeps the job terminal.
func (h *PreprocessHandler) failImage(ctx context.Context, img domain.Image, stage, msg string, cause error) error {
	if err := h.Images.AddProcessingError(ctx, img.ImageID, stage, msg, map[string]any{"error": cause.Error()}); err != nil {
		h.Logger.Warn("recording processing error failed", slog.String("image_id", img.ImageID), slog.Any("error", err))
	}
	if err := h.Images.Transition(ctx, img.ImageID, domain.ImagePreprocessing, domain.ImageFailed, domain.ImageUpdate{}); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	observability.ObserveTransition(string(domain.ImageFailed))
	return fmt.Errorf("op=preprocess image=%s: %s: %w", img.ImageID, msg, domain.ErrInvalidArgument)
}

var _ StageHandler = (*PreprocessHandler)(nil)

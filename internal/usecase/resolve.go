package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// Resolve actions a reviewer can take on an image in manual review.
const (
	ActionChoose    = "choose"
	ActionNoBarcode = "no_barcode"
	ActionSkip      = "skip"
)

// ReviewService backs the manual-review surface: listing candidates,
// loading one image with its detections, and resolving the ambiguity.
type ReviewService struct {
	Images     domain.ImageRepository
	Detections domain.DetectionRepository
	Blobs      domain.BlobStore
	Logger     *slog.Logger
}

// ImageWithDetections is the review read model.
type ImageWithDetections struct {
	Image      domain.Image
	Detections []domain.Detection
}

// ListReview returns images awaiting a reviewer, oldest first.
func (s *ReviewService) ListReview(ctx context.Context, batchID string, limit int) ([]ImageWithDetections, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	images, err := s.Images.FindByStatus(ctx, domain.ImageManualReview, batchID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ImageWithDetections, 0, len(images))
	for _, img := range images {
		ds, err := s.Detections.FindByImage(ctx, img.ImageID)
		if err != nil {
			return nil, err
		}
		out = append(out, ImageWithDetections{Image: img, Detections: ds})
	}
	return out, nil
}

// GetImage loads one image with its detections.
func (s *ReviewService) GetImage(ctx context.Context, imageID string) (ImageWithDetections, error) {
	img, err := s.Images.Get(ctx, imageID)
	if err != nil {
		return ImageWithDetections{}, err
	}
	ds, err := s.Detections.FindByImage(ctx, imageID)
	if err != nil {
		return ImageWithDetections{}, err
	}
	return ImageWithDetections{Image: img, Detections: ds}, nil
}

// Resolve applies a reviewer decision to an image in manual_review.
//
//   - choose: the named detection becomes the accepted code, everything else
//     on the image is rejected, and the image finishes as decoded_manual.
//   - no_barcode: every detection is rejected and the image fails terminally.
//   - skip: the image stays in review untouched.
func (s *ReviewService) Resolve(ctx context.Context, imageID, detectionID, action, reviewer string) (domain.Image, error) {
	img, err := s.Images.Get(ctx, imageID)
	if err != nil {
		return domain.Image{}, err
	}
	if img.Status != domain.ImageManualReview {
		return domain.Image{}, fmt.Errorf("op=review.resolve image=%s status=%s: %w", imageID, img.Status, domain.ErrConflict)
	}

	switch action {
	case ActionChoose:
		return s.resolveChoose(ctx, img, detectionID, reviewer)
	case ActionNoBarcode:
		return s.resolveNoBarcode(ctx, img, reviewer)
	case ActionSkip:
		return img, nil
	default:
		return domain.Image{}, fmt.Errorf("op=review.resolve: unknown action %q: %w", action, domain.ErrInvalidArgument)
	}
}

func (s *ReviewService) resolveChoose(ctx context.Context, img domain.Image, detectionID, reviewer string) (domain.Image, error) {
	if detectionID == "" {
		return domain.Image{}, fmt.Errorf("op=review.resolve: detection_id required for choose: %w", domain.ErrInvalidArgument)
	}
	d, err := s.Detections.Get(ctx, detectionID)
	if err != nil {
		return domain.Image{}, err
	}
	if d.ImageID != img.ImageID {
		return domain.Image{}, fmt.Errorf("op=review.resolve: detection %s belongs to another image: %w", detectionID, domain.ErrInvalidArgument)
	}

	if err := s.Detections.MarkChosen(ctx, detectionID, reviewer); err != nil {
		return domain.Image{}, err
	}
	if _, err := s.Detections.RejectOthers(ctx, img.ImageID, detectionID, reviewer); err != nil {
		return domain.Image{}, err
	}

	finalPath := blob.Processed(img.BatchID, img.ImageID)
	if err := s.Blobs.Move(ctx, blob.ManualReview(img.BatchID, img.ImageID), finalPath); err != nil {
		s.Logger.Warn("review blob move failed", slog.String("image_id", img.ImageID), slog.Any("error", err))
	}
	err = s.Images.Transition(ctx, img.ImageID, domain.ImageManualReview, domain.ImageDecodedManual,
		domain.ImageUpdate{FinalBlobPath: &finalPath})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return domain.Image{}, err
	}
	observability.ObserveTransition(string(domain.ImageDecodedManual))
	return s.Images.Get(ctx, img.ImageID)
}

func (s *ReviewService) resolveNoBarcode(ctx context.Context, img domain.Image, reviewer string) (domain.Image, error) {
	if _, err := s.Detections.RejectAll(ctx, img.ImageID, reviewer); err != nil {
		return domain.Image{}, err
	}
	failedPath := blob.Failed(img.BatchID, img.ImageID)
	if err := s.Blobs.Move(ctx, blob.ManualReview(img.BatchID, img.ImageID), failedPath); err != nil {
		s.Logger.Warn("failed blob move failed", slog.String("image_id", img.ImageID), slog.Any("error", err))
	}
	err := s.Images.Transition(ctx, img.ImageID, domain.ImageManualReview, domain.ImageFailed,
		domain.ImageUpdate{FinalBlobPath: &failedPath})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return domain.Image{}, err
	}
	observability.ObserveTransition(string(domain.ImageFailed))
	return s.Images.Get(ctx, img.ImageID)
}

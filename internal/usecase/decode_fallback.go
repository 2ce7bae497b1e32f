package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/barcode"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/service/ratelimiter"
)

// MaxFallbackAttempts bounds how many Gemini runs an image gets across
// fresh and retry entries.
const MaxFallbackAttempts = 3

const geminiBucket = "gemini"

// DecodeFallbackHandler sends the normalized artifact to the LLM when the
// primary decoder found nothing, and re-runs failed images while attempt
// budget remains.
type DecodeFallbackHandler struct {
	Images     domain.ImageRepository
	Detections domain.DetectionRepository
	Products   domain.ProductRepository
	Blobs      domain.BlobStore
	Fallback   domain.FallbackDecoder
	Limiter    ratelimiter.Limiter
	Logger     *slog.Logger
}

func (h *DecodeFallbackHandler) JobType() domain.JobType { return domain.JobDecodeFallback }

func (h *DecodeFallbackHandler) Handle(ctx context.Context, job domain.Job) (HandlerResult, error) {
	start := time.Now()
	defer func() { observability.ObserveStage("decode_fallback", time.Since(start)) }()

	img, err := h.Images.Get(ctx, job.ImageID)
	if err != nil {
		return HandlerResult{}, err
	}

	switch img.Status {
	case domain.ImagePreprocessed:
		if !img.Processing.NeedsFallback {
			return skipped(), nil
		}
		if err := h.enter(ctx, img.ImageID, domain.ImagePreprocessed); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return skipped(), nil
			}
			return HandlerResult{}, err
		}
	case domain.ImageFailed:
		if img.FallbackAttemptCount() >= MaxFallbackAttempts {
			return skipped(), nil
		}
		if err := h.enter(ctx, img.ImageID, domain.ImageFailed); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return skipped(), nil
			}
			return HandlerResult{}, err
		}
	case domain.ImageDecodingFallback:
		// Re-entry after a crashed attempt; the lease is exclusive.
	default:
		return skipped(), nil
	}

	if h.Limiter != nil {
		allowed, retryAfter, _ := h.Limiter.Allow(ctx, geminiBucket, 1)
		if !allowed {
			return HandlerResult{}, fmt.Errorf("op=decode_fallback image=%s: budget exhausted, retry in %s: %w",
				img.ImageID, retryAfter, domain.ErrUpstreamRateLimit)
		}
	}

	artifact, err := h.downloadArtifact(ctx, img)
	if err != nil {
		return HandlerResult{}, err
	}

	callStart := time.Now()
	res, callErr := h.Fallback.ExtractBarcodes(ctx, artifact)

	attempt := domain.DecoderAttempt{
		Decoder:       string(domain.SourceFallbackGemini),
		AttemptNumber: img.FallbackAttemptCount() + 1,
		Success:       callErr == nil && len(res.Codes) > 0,
		CodesFound:    len(res.Codes),
		DurationMs:    time.Since(callStart).Milliseconds(),
		Timestamp:     time.Now().UTC(),
	}
	if callErr != nil {
		attempt.Error = callErr.Error()
	}
	if err := h.Images.AddDecoderAttempt(ctx, img.ImageID, attempt, true); err != nil {
		return HandlerResult{}, err
	}
	observability.AddLLMTokens(int(res.TokensUsed))

	if callErr != nil {
		if Retriable(callErr) {
			// Image stays in decoding_fallback; the requeued job re-enters.
			return HandlerResult{}, callErr
		}
		return h.dispose(ctx, img, nil, res.TokensUsed, attempt.AttemptNumber)
	}

	detections := h.buildDetections(ctx, img, res.Codes)
	accepted := dedupeAccepted(detections)
	if len(accepted) >= 2 {
		markAmbiguous(detections, accepted)
	}
	if len(detections) > 0 {
		if _, err := h.Detections.CreateMany(ctx, detections); err != nil {
			return HandlerResult{}, err
		}
	}
	outcome := "none"
	switch {
	case len(accepted) == 1:
		outcome = "decoded"
	case len(accepted) >= 2:
		outcome = "ambiguous"
	}
	observability.ObserveDecodeAttempt(string(domain.SourceFallbackGemini), outcome)

	return h.adjudicate(ctx, img, detections, accepted, res.TokensUsed, attempt.AttemptNumber)
}

func (h *DecodeFallbackHandler) enter(ctx context.Context, imageID string, from domain.ImageStatus) error {
	if err := h.Images.Transition(ctx, imageID, from, domain.ImageDecodingFallback, domain.ImageUpdate{}); err != nil {
		return err
	}
	observability.ObserveTransition(string(domain.ImageDecodingFallback))
	return nil
}

func (h *DecodeFallbackHandler) downloadArtifact(ctx context.Context, img domain.Image) ([]byte, error) {
	path := img.Preprocessing.NormalizedPath
	if path == "" {
		path = blob.Preprocessed(img.BatchID, img.ImageID)
	}
	return h.Blobs.Download(ctx, path)
}

func (h *DecodeFallbackHandler) adjudicate(ctx context.Context, img domain.Image, detections []domain.Detection, accepted []string, tokens int64, attemptNum int) (HandlerResult, error) {
	count := len(detections)
	switch {
	case len(accepted) == 1:
		finalPath := blob.Processed(img.BatchID, img.ImageID)
		if err := h.Blobs.Move(ctx, blob.Preprocessed(img.BatchID, img.ImageID), finalPath); err != nil {
			h.Logger.Warn("terminal blob move failed", slog.String("image_id", img.ImageID), slog.Any("error", err))
		}
		err := h.Images.Transition(ctx, img.ImageID, domain.ImageDecodingFallback, domain.ImageDecodedFallback,
			domain.ImageUpdate{DetectionCount: &count, FinalBlobPath: &finalPath, AddTokens: tokens})
		if errors.Is(err, domain.ErrConflict) {
			return skipped(), nil
		}
		if err != nil {
			return HandlerResult{}, err
		}
		observability.ObserveTransition(string(domain.ImageDecodedFallback))
		return HandlerResult{Result: map[string]any{"outcome": "decoded", "code": accepted[0], "tokens": tokens}}, nil

	case len(accepted) >= 2:
		reviewPath := blob.ManualReview(img.BatchID, img.ImageID)
		if err := h.Blobs.Move(ctx, blob.Preprocessed(img.BatchID, img.ImageID), reviewPath); err != nil {
			h.Logger.Warn("review blob move failed", slog.String("image_id", img.ImageID), slog.Any("error", err))
		}
		err := h.Images.Transition(ctx, img.ImageID, domain.ImageDecodingFallback, domain.ImageManualReview,
			domain.ImageUpdate{DetectionCount: &count, FinalBlobPath: &reviewPath, AddTokens: tokens})
		if errors.Is(err, domain.ErrConflict) {
			return skipped(), nil
		}
		if err != nil {
			return HandlerResult{}, err
		}
		observability.ObserveTransition(string(domain.ImageManualReview))
		return HandlerResult{Result: map[string]any{"outcome": "ambiguous", "codes": len(accepted), "tokens": tokens}}, nil

	default:
		return h.dispose(ctx, img, detections, tokens, attemptNum)
	}
}

// dispose moves the image to failed after a fruitless or non-retriable
// attempt. The artifact only moves to failed/ once the attempt budget is
// gone, so earlier retries can still read it.
func (h *DecodeFallbackHandler) dispose(ctx context.Context, img domain.Image, detections []domain.Detection, tokens int64, attemptNum int) (HandlerResult, error) {
	count := len(detections)
	upd := domain.ImageUpdate{DetectionCount: &count, AddTokens: tokens}
	if attemptNum >= MaxFallbackAttempts {
		failedPath := blob.Failed(img.BatchID, img.ImageID)
		if err := h.Blobs.Move(ctx, blob.Preprocessed(img.BatchID, img.ImageID), failedPath); err != nil {
			h.Logger.Warn("failed blob move failed", slog.String("image_id", img.ImageID), slog.Any("error", err))
		}
		upd.FinalBlobPath = &failedPath
	}
	err := h.Images.Transition(ctx, img.ImageID, domain.ImageDecodingFallback, domain.ImageFailed, upd)
	if errors.Is(err, domain.ErrConflict) {
		return skipped(), nil
	}
	if err != nil {
		return HandlerResult{}, err
	}
	observability.ObserveTransition(string(domain.ImageFailed))
	return HandlerResult{Result: map[string]any{"outcome": "failed", "attempt": attemptNum, "tokens": tokens}}, nil
}

func (h *DecodeFallbackHandler) buildDetections(ctx context.Context, img domain.Image, codes []domain.FallbackCode) []domain.Detection {
	now := time.Now().UTC()
	out := make([]domain.Detection, 0, len(codes))
	for _, c := range codes {
		sym, reasons := barcode.Classify(c.Code)
		d := domain.Detection{
			ImageID:        img.ImageID,
			BatchID:        img.BatchID,
			SourceFilename: img.SourceFilename,
			Code:           c.Code,
			Symbology:      sym,
			Source:         domain.SourceFallbackGemini,
			Confidence:     c.Confidence,
			ChecksumValid:  reasons.ChecksumValid,
			LengthValid:    reasons.LengthValid,
			NumericOnly:    reasons.NumericOnly,
			LLMConfidence:  c.Confidence,
			LLMSymbology:   c.SymbologyGuess,
			DetectedAt:     now,
		}
		if reasons.Accepted() {
			d.NormalizedCode = barcode.Normalize(c.Code, sym)
			h.lookupProduct(ctx, &d)
		}
		out = append(out, d)
	}
	return out
}

func (h *DecodeFallbackHandler) lookupProduct(ctx context.Context, d *domain.Detection) {
	if h.Products == nil || d.NormalizedCode == "" {
		return
	}
	p, err := h.Products.GetByAnyCode(ctx, d.NormalizedCode)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			h.Logger.Warn("product lookup failed", slog.String("code", d.NormalizedCode), slog.Any("error", err))
		}
		return
	}
	d.ProductFound = true
	d.ProductID = p.ID
}

var _ StageHandler = (*DecodeFallbackHandler)(nil)

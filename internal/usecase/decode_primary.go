package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/barcode"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// DecodePrimaryHandler runs the local decoder across the rotation set and
// adjudicates the deduplicated result: one accepted code succeeds, two or
// more go to review, zero hands the image to the fallback path.
type DecodePrimaryHandler struct {
	Images     domain.ImageRepository
	Detections domain.DetectionRepository
	Products   domain.ProductRepository
	Blobs      domain.BlobStore
	Decoder    domain.PrimaryDecoder
	Logger     *slog.Logger
}

func (h *DecodePrimaryHandler) JobType() domain.JobType { return domain.JobDecodePrimary }

func (h *DecodePrimaryHandler) Handle(ctx context.Context, job domain.Job) (HandlerResult, error) {
	start := time.Now()
	defer func() { observability.ObserveStage("decode_primary", time.Since(start)) }()

	img, err := h.Images.Get(ctx, job.ImageID)
	if err != nil {
		return HandlerResult{}, err
	}

	switch img.Status {
	case domain.ImagePreprocessed:
		err := h.Images.Transition(ctx, img.ImageID, domain.ImagePreprocessed, domain.ImageDecodingPrimary, domain.ImageUpdate{})
		if errors.Is(err, domain.ErrConflict) {
			return skipped(), nil
		}
		if err != nil {
			return HandlerResult{}, err
		}
		observability.ObserveTransition(string(domain.ImageDecodingPrimary))
	case domain.ImageDecodingPrimary:
		// Re-entry after a crashed attempt; the lease is exclusive.
	default:
		return skipped(), nil
	}

	artifacts, err := h.downloadArtifacts(ctx, img)
	if err != nil {
		return HandlerResult{}, err
	}

	decodeStart := time.Now()
	var raws []rotatedCode
	for _, art := range artifacts {
		codes, err := h.Decoder.Decode(ctx, art.data)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidArgument) {
				h.Logger.Warn("unreadable artifact",
					slog.String("image_id", img.ImageID),
					slog.Int("rotation", art.angle),
					slog.Any("error", err))
				continue
			}
			return HandlerResult{}, err
		}
		for _, c := range codes {
			raws = append(raws, rotatedCode{raw: c, angle: art.angle})
		}
	}

	attempt := domain.DecoderAttempt{
		Decoder:       string(h.Decoder.Source()),
		AttemptNumber: len(img.Processing.PrimaryAttempts) + 1,
		Success:       len(raws) > 0,
		CodesFound:    len(raws),
		DurationMs:    time.Since(decodeStart).Milliseconds(),
		Timestamp:     time.Now().UTC(),
	}
	if err := h.Images.AddDecoderAttempt(ctx, img.ImageID, attempt, false); err != nil {
		return HandlerResult{}, err
	}

	detections := h.buildDetections(ctx, img, raws)
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
	observability.ObserveDecodeAttempt(string(h.Decoder.Source()), outcome)

	count := len(detections)
	switch {
	case len(accepted) == 1:
		finalPath := blob.Processed(img.BatchID, img.ImageID)
		if err := h.Blobs.Move(ctx, blob.Preprocessed(img.BatchID, img.ImageID), finalPath); err != nil {
			h.Logger.Warn("terminal blob move failed", slog.String("image_id", img.ImageID), slog.Any("error", err))
		}
		err = h.Images.Transition(ctx, img.ImageID, domain.ImageDecodingPrimary, domain.ImageDecodedPrimary,
			domain.ImageUpdate{DetectionCount: &count, FinalBlobPath: &finalPath})
		if errors.Is(err, domain.ErrConflict) {
			return skipped(), nil
		}
		if err != nil {
			return HandlerResult{}, err
		}
		observability.ObserveTransition(string(domain.ImageDecodedPrimary))
		return HandlerResult{Result: map[string]any{"outcome": "decoded", "code": accepted[0]}}, nil

	case len(accepted) >= 2:
		reviewPath := blob.ManualReview(img.BatchID, img.ImageID)
		if err := h.Blobs.Move(ctx, blob.Preprocessed(img.BatchID, img.ImageID), reviewPath); err != nil {
			h.Logger.Warn("review blob move failed", slog.String("image_id", img.ImageID), slog.Any("error", err))
		}
		err = h.Images.Transition(ctx, img.ImageID, domain.ImageDecodingPrimary, domain.ImageManualReview,
			domain.ImageUpdate{DetectionCount: &count, FinalBlobPath: &reviewPath})
		if errors.Is(err, domain.ErrConflict) {
			return skipped(), nil
		}
		if err != nil {
			return HandlerResult{}, err
		}
		observability.ObserveTransition(string(domain.ImageManualReview))
		return HandlerResult{Result: map[string]any{"outcome": "ambiguous", "codes": len(accepted)}}, nil

	default:
		// Nothing accepted: not a failure, the fallback decoder gets its turn.
		needsFallback := true
		err = h.Images.Transition(ctx, img.ImageID, domain.ImageDecodingPrimary, domain.ImagePreprocessed,
			domain.ImageUpdate{NeedsFallback: &needsFallback, DetectionCount: &count})
		if errors.Is(err, domain.ErrConflict) {
			return skipped(), nil
		}
		if err != nil {
			return HandlerResult{}, err
		}
		observability.ObserveTransition(string(domain.ImagePreprocessed))
		return HandlerResult{Result: map[string]any{"outcome": "needs_fallback"}}, nil
	}
}

type rotatedArtifact struct {
	angle int
	data  []byte
}

type rotatedCode struct {
	raw   domain.RawCode
	angle int
}

func (h *DecodePrimaryHandler) downloadArtifacts(ctx context.Context, img domain.Image) ([]rotatedArtifact, error) {
	paths := img.Preprocessing.RotationPaths
	if len(paths) == 0 {
		paths = map[string]string{"0": blob.Preprocessed(img.BatchID, img.ImageID)}
	}
	angles := make([]int, 0, len(paths))
	for k := range paths {
		angle, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("op=decode_primary image=%s: bad rotation key %q: %w", img.ImageID, k, domain.ErrSchemaInvalid)
		}
		angles = append(angles, angle)
	}
	sort.Ints(angles)

	out := make([]rotatedArtifact, 0, len(angles))
	for _, angle := range angles {
		data, err := h.Blobs.Download(ctx, paths[strconv.Itoa(angle)])
		if err != nil {
			return nil, err
		}
		out = append(out, rotatedArtifact{angle: angle, data: data})
	}
	return out, nil
}

func (h *DecodePrimaryHandler) buildDetections(ctx context.Context, img domain.Image, raws []rotatedCode) []domain.Detection {
	now := time.Now().UTC()
	out := make([]domain.Detection, 0, len(raws))
	for _, rc := range raws {
		sym, reasons := barcode.Classify(rc.raw.Code)
		d := domain.Detection{
			ImageID:        img.ImageID,
			BatchID:        img.BatchID,
			SourceFilename: img.SourceFilename,
			Code:           rc.raw.Code,
			Symbology:      sym,
			Source:         h.Decoder.Source(),
			Confidence:     1.0,
			RotationDeg:    rc.angle,
			ChecksumValid:  reasons.ChecksumValid,
			LengthValid:    reasons.LengthValid,
			NumericOnly:    reasons.NumericOnly,
			DetectedAt:     now,
		}
		if reasons.Accepted() {
			d.NormalizedCode = barcode.Normalize(rc.raw.Code, sym)
			h.lookupProduct(ctx, &d)
		}
		out = append(out, d)
	}
	return out
}

func (h *DecodePrimaryHandler) lookupProduct(ctx context.Context, d *domain.Detection) {
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

// dedupeAccepted returns the distinct normalized codes among accepted
// detections, in first-seen order.
func dedupeAccepted(ds []domain.Detection) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range ds {
		if !d.Accepted() || d.NormalizedCode == "" {
			continue
		}
		if !seen[d.NormalizedCode] {
			seen[d.NormalizedCode] = true
			out = append(out, d.NormalizedCode)
		}
	}
	return out
}

// markAmbiguous flags every accepted detection when the deduped accepted
// set has two or more codes.
func markAmbiguous(ds []domain.Detection, accepted []string) {
	in := make(map[string]bool, len(accepted))
	for _, c := range accepted {
		in[c] = true
	}
	for i := range ds {
		if ds[i].Accepted() && in[ds[i].NormalizedCode] {
			ds[i].Ambiguous = true
		}
	}
}

var _ StageHandler = (*DecodePrimaryHandler)(nil)

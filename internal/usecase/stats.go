package usecase

import (
	"context"
	"math"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// StatsReport is the pipeline histogram plus the derived success rate.
// SuccessRate is a percentage over all images, rounded to two decimals.
type StatsReport struct {
	TotalImages  int64                        `json:"total_images"`
	Pending      int64                        `json:"pending"`
	Processing   int64                        `json:"processing"`
	Decoded      int64                        `json:"decoded"`
	ManualReview int64                        `json:"manual_review"`
	Failed       int64                        `json:"failed"`
	SuccessRate  float64                      `json:"success_rate"`
	ByStatus     map[domain.ImageStatus]int64 `json:"by_status"`
}

// StatsService aggregates image counts for operators and the review UI.
type StatsService struct {
	Images domain.ImageRepository
}

// Report computes the histogram, optionally scoped to a batch.
func (s *StatsService) Report(ctx context.Context, batchID string) (StatsReport, error) {
	byStatus, err := s.Images.Stats(ctx, batchID)
	if err != nil {
		return StatsReport{}, err
	}
	return BuildReport(byStatus), nil
}

// BuildReport folds a per-status histogram into the operator report.
func BuildReport(byStatus map[domain.ImageStatus]int64) StatsReport {
	r := StatsReport{ByStatus: byStatus}
	for status, n := range byStatus {
		r.TotalImages += n
		switch status {
		case domain.ImagePending:
			r.Pending += n
		case domain.ImagePreprocessing, domain.ImagePreprocessed,
			domain.ImageDecodingPrimary, domain.ImageDecodingFallback:
			r.Processing += n
		case domain.ImageDecodedPrimary, domain.ImageDecodedFallback, domain.ImageDecodedManual:
			r.Decoded += n
		case domain.ImageManualReview:
			r.ManualReview += n
		case domain.ImageFailed:
			r.Failed += n
		}
	}
	if r.TotalImages > 0 {
		rate := float64(r.Decoded) / float64(r.TotalImages) * 100
		r.SuccessRate = math.Round(rate*100) / 100
	}
	return r
}

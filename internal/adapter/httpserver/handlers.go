package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Review    *usecase.ReviewService
	Stats     *usecase.StatsService
	Blobs     domain.BlobStore
	DBCheck   func(ctx context.Context) error
	BlobCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, review *usecase.ReviewService, stats *usecase.StatsService, blobs domain.BlobStore, dbCheck, blobCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Review: review, Stats: stats, Blobs: blobs, DBCheck: dbCheck, BlobCheck: blobCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type detectionDTO struct {
	ID             string     `json:"id"`
	Code           string     `json:"code"`
	Symbology      string     `json:"symbology"`
	NormalizedCode string     `json:"normalized_code,omitempty"`
	Source         string     `json:"source"`
	Confidence     float64    `json:"confidence"`
	RotationDeg    int        `json:"rotation_degrees"`
	ChecksumValid  bool       `json:"checksum_valid"`
	LengthValid    bool       `json:"length_valid"`
	NumericOnly    bool       `json:"numeric_only"`
	Ambiguous      bool       `json:"ambiguous"`
	Chosen         bool       `json:"chosen"`
	Rejected       bool       `json:"rejected"`
	ProductFound   bool       `json:"product_found"`
	ProductID      string     `json:"product_id,omitempty"`
	LLMConfidence  float64    `json:"llm_confidence,omitempty"`
	LLMSymbology   string     `json:"llm_symbology_guess,omitempty"`
	DetectedAt     time.Time  `json:"detected_at"`
	ReviewedAt     *time.Time `json:"reviewed_at,omitempty"`
	ReviewedBy     string     `json:"reviewed_by,omitempty"`
}

type imageDTO struct {
	ImageID         string         `json:"image_id"`
	BatchID         string         `json:"batch_id"`
	SourceFilename  string         `json:"source_filename,omitempty"`
	Status          string         `json:"status"`
	StatusUpdatedAt time.Time      `json:"status_updated_at"`
	DetectionCount  int            `json:"detection_count"`
	FinalBlobPath   string         `json:"final_blob_path,omitempty"`
	ImageURL        string         `json:"image_url,omitempty"`
	NeedsFallback   bool           `json:"needs_fallback"`
	LLMTokensUsed   int64          `json:"llm_tokens_used,omitempty"`
	Detections      []detectionDTO `json:"detections"`
	CreatedAt       time.Time      `json:"created_at"`
}

func (s *Server) toImageDTO(iwd usecase.ImageWithDetections) imageDTO {
	img := iwd.Image
	dto := imageDTO{
		ImageID:         img.ImageID,
		BatchID:         img.BatchID,
		SourceFilename:  img.SourceFilename,
		Status:          string(img.Status),
		StatusUpdatedAt: img.StatusUpdatedAt,
		DetectionCount:  img.DetectionCount,
		FinalBlobPath:   img.FinalBlobPath,
		NeedsFallback:   img.Processing.NeedsFallback,
		LLMTokensUsed:   img.Processing.LLMTokensUsed,
		Detections:      make([]detectionDTO, 0, len(iwd.Detections)),
		CreatedAt:       img.CreatedAt,
	}
	if s.Blobs != nil {
		switch {
		case img.FinalBlobPath != "":
			dto.ImageURL = s.Blobs.URL(img.FinalBlobPath)
		case img.Preprocessing.NormalizedPath != "":
			dto.ImageURL = s.Blobs.URL(img.Preprocessing.NormalizedPath)
		}
	}
	for _, d := range iwd.Detections {
		dto.Detections = append(dto.Detections, detectionDTO{
			ID:             d.ID,
			Code:           d.Code,
			Symbology:      string(d.Symbology),
			NormalizedCode: d.NormalizedCode,
			Source:         string(d.Source),
			Confidence:     d.Confidence,
			RotationDeg:    d.RotationDeg,
			ChecksumValid:  d.ChecksumValid,
			LengthValid:    d.LengthValid,
			NumericOnly:    d.NumericOnly,
			Ambiguous:      d.Ambiguous,
			Chosen:         d.Chosen,
			Rejected:       d.Rejected,
			ProductFound:   d.ProductFound,
			ProductID:      d.ProductID,
			LLMConfidence:  d.LLMConfidence,
			LLMSymbology:   d.LLMSymbology,
			DetectedAt:     d.DetectedAt,
			ReviewedAt:     d.ReviewedAt,
			ReviewedBy:     d.ReviewedBy,
		})
	}
	return dto
}

// ListReviewHandler lists images awaiting manual review, oldest first.
func (s *Server) ListReviewHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, r, fmt.Errorf("%w: limit must be an integer", domain.ErrInvalidArgument), map[string]string{"limit": v})
				return
			}
			limit = n
		}
		batchID := r.URL.Query().Get("batch_id")

		items, err := s.Review.ListReview(r.Context(), batchID, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]imageDTO, 0, len(items))
		for _, it := range items {
			out = append(out, s.toImageDTO(it))
		}
		writeJSON(w, http.StatusOK, map[string]any{"images": out, "count": len(out)})
	}
}

// GetImageHandler returns one image with its detections.
func (s *Server) GetImageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		imageID := chi.URLParam(r, "image_id")
		item, err := s.Review.GetImage(r.Context(), imageID)
		if err != nil {
			writeError(w, r, err, map[string]string{"image_id": imageID})
			return
		}
		writeJSON(w, http.StatusOK, s.toImageDTO(item))
	}
}

type resolveRequest struct {
	Action      string `json:"action" validate:"required,oneof=choose no_barcode skip"`
	DetectionID string `json:"detection_id" validate:"required_if=Action choose"`
	Reviewer    string `json:"reviewer" validate:"max=128"`
}

// ResolveHandler applies a reviewer decision to an image in manual review.
func (s *Server) ResolveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		imageID := chi.URLParam(r, "image_id")
		var req resolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json body", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}

		img, err := s.Review.Resolve(r.Context(), imageID, req.DetectionID, req.Action, req.Reviewer)
		if err != nil {
			writeError(w, r, err, map[string]string{"image_id": imageID, "action": req.Action})
			return
		}
		LoggerFrom(r).Info("review resolved",
			"image_id", imageID,
			"action", req.Action,
			"status", string(img.Status))
		writeJSON(w, http.StatusOK, map[string]any{
			"image_id": img.ImageID,
			"status":   string(img.Status),
			"action":   req.Action,
		})
	}
}

// StatsHandler returns the pipeline histogram, optionally scoped to a batch.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := s.Stats.Report(r.Context(), r.URL.Query().Get("batch_id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

// ReadyzHandler probes the metadata store and the blob store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "mongodb", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "mongodb", OK: true})
			}
		}
		if s.BlobCheck != nil {
			if err := s.BlobCheck(ctx); err != nil {
				checks = append(checks, check{Name: "blob", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "blob", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// Package domain holds the pipeline entities, the image status machine,
// the ports implemented by adapters, and the sentinel error taxonomy.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrTransient         = errors.New("transient failure")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrInternal          = errors.New("internal error")
)

// ImageStatus tracks an image through the processing pipeline.
type ImageStatus string

const (
	ImagePending          ImageStatus = "pending"
	ImagePreprocessing    ImageStatus = "preprocessing"
	ImagePreprocessed     ImageStatus = "preprocessed"
	ImageDecodingPrimary  ImageStatus = "decoding_primary"
	ImageDecodedPrimary   ImageStatus = "decoded_primary"
	ImageDecodingFallback ImageStatus = "decoding_fallback"
	ImageDecodedFallback  ImageStatus = "decoded_fallback"
	ImageManualReview     ImageStatus = "manual_review"
	ImageDecodedManual    ImageStatus = "decoded_manual"
	ImageFailed           ImageStatus = "failed"
)

// Decoded reports whether the status is a successful terminal state.
func (s ImageStatus) Decoded() bool {
	return s == ImageDecodedPrimary || s == ImageDecodedFallback || s == ImageDecodedManual
}

// PreprocessingInfo records what the normalizer produced for an image.
type PreprocessingInfo struct {
	NormalizedPath     string     `bson:"normalized_path,omitempty"`
	RotationPaths      map[string]string `bson:"rotation_paths,omitempty"`
	OriginalWidth      int        `bson:"original_width,omitempty"`
	OriginalHeight     int        `bson:"original_height,omitempty"`
	ProcessedWidth     int        `bson:"processed_width,omitempty"`
	ProcessedHeight    int        `bson:"processed_height,omitempty"`
	Grayscale          bool       `bson:"grayscale"`
	CLAHEApplied       bool       `bson:"clahe_applied"`
	Denoised           bool       `bson:"denoised"`
	RotationsGenerated []int      `bson:"rotations_generated,omitempty"`
	DurationMs         int64      `bson:"duration_ms,omitempty"`
	CompletedAt        *time.Time `bson:"completed_at,omitempty"`
}

// ProcessingError is one recorded failure during a pipeline stage.
type ProcessingError struct {
	Stage     string         `bson:"stage"`
	Message   string         `bson:"message"`
	Timestamp time.Time      `bson:"timestamp"`
	Details   map[string]any `bson:"details,omitempty"`
}

// DecoderAttempt records one run of a primary or fallback decoder.
type DecoderAttempt struct {
	Decoder       string    `bson:"decoder"`
	AttemptNumber int       `bson:"attempt_number"`
	Success       bool      `bson:"success"`
	CodesFound    int       `bson:"codes_found"`
	DurationMs    int64     `bson:"duration_ms,omitempty"`
	Timestamp     time.Time `bson:"timestamp"`
	Error         string    `bson:"error,omitempty"`
}

// ProcessingInfo aggregates decode bookkeeping for an image.
type ProcessingInfo struct {
	PrimaryAttempts  []DecoderAttempt  `bson:"primary_attempts,omitempty"`
	FallbackAttempts []DecoderAttempt  `bson:"fallback_attempts,omitempty"`
	NeedsFallback    bool              `bson:"needs_fallback"`
	LLMTokensUsed    int64             `bson:"llm_tokens_used,omitempty"`
	Errors           []ProcessingError `bson:"errors,omitempty"`
}

// Image is the unit traversing the pipeline.
// Invariants: StatusUpdatedAt is monotonic per image; NeedsFallback is only
// set after a primary attempt completed with zero accepted codes.
type Image struct {
	ImageID         string            `bson:"image_id"`
	BatchID         string            `bson:"batch_id"`
	SourcePath      string            `bson:"source_path"`
	SourceFilename  string            `bson:"source_filename,omitempty"`
	ExternalID      string            `bson:"external_id,omitempty"`
	Status          ImageStatus       `bson:"status"`
	StatusUpdatedAt time.Time         `bson:"status_updated_at"`
	Preprocessing   PreprocessingInfo `bson:"preprocessing"`
	Processing      ProcessingInfo    `bson:"processing"`
	FinalBlobPath   string            `bson:"final_blob_path,omitempty"`
	DetectionCount  int               `bson:"detection_count"`
	ContentType     string            `bson:"content_type,omitempty"`
	FileSizeBytes   int64             `bson:"file_size_bytes,omitempty"`
	CreatedAt       time.Time         `bson:"created_at"`
	UpdatedAt       time.Time         `bson:"updated_at"`
}

// FallbackAttemptCount returns how many fallback decoder runs are recorded.
func (i Image) FallbackAttemptCount() int { return len(i.Processing.FallbackAttempts) }

// DetectionSource identifies how a barcode candidate was produced.
type DetectionSource string

const (
	SourcePrimaryZbar    DetectionSource = "primary_zbar"
	SourcePrimaryZxing   DetectionSource = "primary_zxing"
	SourceFallbackGemini DetectionSource = "fallback_gemini"
	SourceManual         DetectionSource = "manual"
)

// Symbology enumerates the supported barcode symbologies.
type Symbology string

const (
	SymbologyEAN13   Symbology = "EAN-13"
	SymbologyEAN8    Symbology = "EAN-8"
	SymbologyUPCA    Symbology = "UPC-A"
	SymbologyUPCE    Symbology = "UPC-E"
	SymbologyUnknown Symbology = "UNKNOWN"
)

// Detection is one extracted barcode candidate for an image.
// Invariant: at most one detection per image has Chosen=true.
type Detection struct {
	ID             string          `bson:"_id,omitempty"`
	ImageID        string          `bson:"image_id"`
	BatchID        string          `bson:"batch_id"`
	SourceFilename string          `bson:"source_filename,omitempty"`
	Code           string          `bson:"code"`
	Symbology      Symbology       `bson:"symbology"`
	NormalizedCode string          `bson:"normalized_code,omitempty"`
	Source         DetectionSource `bson:"source"`
	Confidence     float64         `bson:"confidence,omitempty"`
	RotationDeg    int             `bson:"rotation_degrees"`
	ChecksumValid  bool            `bson:"checksum_valid"`
	LengthValid    bool            `bson:"length_valid"`
	NumericOnly    bool            `bson:"numeric_only"`
	Ambiguous      bool            `bson:"ambiguous"`
	Chosen         bool            `bson:"chosen"`
	Rejected       bool            `bson:"rejected"`
	ProductFound   bool            `bson:"product_found"`
	ProductID      string          `bson:"product_id,omitempty"`
	LLMConfidence  float64         `bson:"gemini_confidence,omitempty"`
	LLMSymbology   string          `bson:"gemini_symbology_guess,omitempty"`
	DetectedAt     time.Time       `bson:"detected_at"`
	ReviewedAt     *time.Time      `bson:"reviewed_at,omitempty"`
	ReviewedBy     string          `bson:"reviewed_by,omitempty"`
}

// Accepted reports whether the detection passed full validation.
func (d Detection) Accepted() bool { return d.ChecksumValid && d.LengthValid && d.NumericOnly }

// Product is a catalog entry used to enrich detections.
type Product struct {
	ID             string   `bson:"_id,omitempty"`
	EAN            string   `bson:"ean"`
	AlternateCodes []string `bson:"alternate_codes,omitempty"`
	Name           string   `bson:"name,omitempty"`
	Category       string   `bson:"category,omitempty"`
	Active         bool     `bson:"active"`
}

// JobType enumerates the queue job kinds.
type JobType string

const (
	JobPreprocess     JobType = "preprocess"
	JobDecodePrimary  JobType = "decode_primary"
	JobDecodeFallback JobType = "decode_fallback"
	JobCleanup        JobType = "cleanup"
)

// JobStatus enumerates queue job states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Job is a queue item. Invariants: status=in_progress iff WorkerID is
// non-empty and LockUntil is in the future; Attempt never exceeds
// MaxRetries, whether the attempt ends in Fail or in a reaped lease.
type Job struct {
	JobID        string         `bson:"job_id"`
	JobType      JobType        `bson:"job_type"`
	ImageID      string         `bson:"image_id"`
	BatchID      string         `bson:"batch_id,omitempty"`
	Status       JobStatus      `bson:"status"`
	Priority     int            `bson:"priority"`
	Attempt      int            `bson:"attempt"`
	MaxRetries   int            `bson:"max_retries"`
	WorkerID     string         `bson:"worker_id,omitempty"`
	StartedAt    *time.Time     `bson:"started_at,omitempty"`
	CompletedAt  *time.Time     `bson:"completed_at,omitempty"`
	ScheduledFor time.Time      `bson:"scheduled_for"`
	LockUntil    *time.Time     `bson:"lock_until,omitempty"`
	Result       map[string]any `bson:"result,omitempty"`
	Error        string         `bson:"error,omitempty"`
	ErrorDetails map[string]any `bson:"error_details,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

// Deadline is the wall clock point a worker must stop handler work by.
func (j Job) Deadline(safetyMargin time.Duration) time.Time {
	if j.LockUntil == nil {
		return time.Now().UTC()
	}
	return j.LockUntil.Add(-safetyMargin)
}

// ImageUpdate carries the optional field updates applied together with a
// status transition in a single conditional write.
type ImageUpdate struct {
	Preprocessing  *PreprocessingInfo
	NeedsFallback  *bool
	FinalBlobPath  *string
	DetectionCount *int
	AddTokens      int64
}

// Repositories (ports)

type ImageRepository interface {
	Create(ctx context.Context, img Image) (string, error)
	Get(ctx context.Context, imageID string) (Image, error)
	GetBySourceFilename(ctx context.Context, batchID, sourceFilename string) (Image, error)
	// Transition applies from->to guarded on the current status; it returns
	// ErrConflict when the image is no longer in the expected state.
	Transition(ctx context.Context, imageID string, from, to ImageStatus, upd ImageUpdate) error
	FindByStatus(ctx context.Context, status ImageStatus, batchID string, limit int) ([]Image, error)
	FindPrimaryReady(ctx context.Context, limit int) ([]Image, error)
	FindNeedingFallback(ctx context.Context, limit int) ([]Image, error)
	FindFailedForRetry(ctx context.Context, limit, maxAttempts int, minAge time.Duration) ([]Image, error)
	AddProcessingError(ctx context.Context, imageID, stage, message string, details map[string]any) error
	AddDecoderAttempt(ctx context.Context, imageID string, att DecoderAttempt, fallback bool) error
	SetFinalBlobPath(ctx context.Context, imageID, path string) error
	Stats(ctx context.Context, batchID string) (map[ImageStatus]int64, error)
}

type DetectionRepository interface {
	Create(ctx context.Context, d Detection) (string, error)
	CreateMany(ctx context.Context, ds []Detection) ([]string, error)
	Get(ctx context.Context, id string) (Detection, error)
	FindByImage(ctx context.Context, imageID string) ([]Detection, error)
	ExistsForImage(ctx context.Context, imageID string) (bool, error)
	MarkChosen(ctx context.Context, id, reviewer string) error
	RejectOthers(ctx context.Context, imageID, chosenID, reviewer string) (int64, error)
	RejectAll(ctx context.Context, imageID, reviewer string) (int64, error)
}

type ProductRepository interface {
	GetByAnyCode(ctx context.Context, code string) (Product, error)
	Upsert(ctx context.Context, p Product) (string, error)
}

// DefaultMaxRetries is the attempt budget a job gets when EnqueueOptions
// leaves MaxRetries zero.
const DefaultMaxRetries = 3

// EnqueueOptions tune a single enqueue call; zero values take queue defaults.
type EnqueueOptions struct {
	Priority     int
	ScheduledFor time.Time
	MaxRetries   int
}

// FailOutcome reports how the queue disposed of a failed job.
type FailOutcome struct {
	Requeued     bool
	ScheduledFor time.Time
}

// JobQueue is the leased, prioritized, retryable work queue (durable).
type JobQueue interface {
	// Enqueue is idempotent per (jobType, imageID) while an active
	// (pending or in_progress) job exists for that pair.
	Enqueue(ctx context.Context, jobType JobType, imageID, batchID string, opts EnqueueOptions) (string, error)
	// Lease atomically claims the highest-priority due pending job of the
	// given type, or returns nil when the queue is empty.
	Lease(ctx context.Context, jobType JobType, workerID string, leaseFor time.Duration) (*Job, error)
	// Renew extends the lease held by workerID; ErrConflict when the lease
	// was lost or the job was cancelled.
	Renew(ctx context.Context, jobID, workerID string, leaseFor time.Duration) (time.Time, error)
	Complete(ctx context.Context, jobID string, result map[string]any) error
	Fail(ctx context.Context, jobID, errMsg string, retriable bool, details map[string]any) (FailOutcome, error)
	Cancel(ctx context.Context, jobID string) error
	// Reap requeues every in_progress job whose lease expired before now.
	Reap(ctx context.Context, now time.Time) (int, error)
	Get(ctx context.Context, jobID string) (Job, error)
	HasActive(ctx context.Context, jobType JobType, imageID string) (bool, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// BlobStore abstracts the object store holding image artifacts.
type BlobStore interface {
	Download(ctx context.Context, path string) ([]byte, error)
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	// Move is copy-then-delete; a failed delete leaves the source behind and
	// is reported via the returned error, the copy itself having succeeded.
	Move(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
	URL(path string) string
}

// RawCode is one code string as read by a primary decoder.
type RawCode struct {
	Code           string
	SymbologyGuess Symbology
}

// PrimaryDecoder is the deterministic, local barcode recognizer.
type PrimaryDecoder interface {
	Source() DetectionSource
	Decode(ctx context.Context, image []byte) ([]RawCode, error)
}

// FallbackCode is one candidate returned by the LLM extractor.
type FallbackCode struct {
	Code           string
	SymbologyGuess string
	Confidence     float64
}

// FallbackResult carries the parsed LLM output plus usage accounting.
type FallbackResult struct {
	Codes      []FallbackCode
	TokensUsed int64
	RawText    string
}

// FallbackDecoder is the probabilistic LLM-based extractor.
type FallbackDecoder interface {
	ExtractBarcodes(ctx context.Context, image []byte) (FallbackResult, error)
}

// NormalizeResult is the output of the external image normalizer.
type NormalizeResult struct {
	Normalized      []byte
	Rotations       map[int][]byte
	OriginalWidth   int
	OriginalHeight  int
	ProcessedWidth  int
	ProcessedHeight int
	Grayscale       bool
	CLAHEApplied    bool
	Denoised        bool
	DurationMs      int64
}

// Preprocessor normalizes an image and produces the rotation set.
// The rotation set always includes 0 degrees (the normalized image itself).
type Preprocessor interface {
	Normalize(ctx context.Context, src []byte) (NormalizeResult, error)
}

package usecase

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// In-memory fakes mirroring the MongoDB adapter semantics.

type fakeImageRepo struct {
	mu     sync.Mutex
	images map[string]domain.Image
}

func newFakeImageRepo() *fakeImageRepo {
	return &fakeImageRepo{images: map[string]domain.Image{}}
}

func (r *fakeImageRepo) Create(_ context.Context, img domain.Image) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[img.ImageID]; ok {
		return "", domain.ErrConflict
	}
	now := time.Now().UTC()
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now
	}
	if img.StatusUpdatedAt.IsZero() {
		img.StatusUpdatedAt = now
	}
	r.images[img.ImageID] = img
	return img.ImageID, nil
}

func (r *fakeImageRepo) Get(_ context.Context, imageID string) (domain.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[imageID]
	if !ok {
		return domain.Image{}, domain.ErrNotFound
	}
	return img, nil
}

func (r *fakeImageRepo) GetBySourceFilename(_ context.Context, batchID, sourceFilename string) (domain.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, img := range r.images {
		if img.BatchID == batchID && img.SourceFilename == sourceFilename {
			return img, nil
		}
	}
	return domain.Image{}, domain.ErrNotFound
}

func (r *fakeImageRepo) Transition(_ context.Context, imageID string, from, to domain.ImageStatus, upd domain.ImageUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("transition %s->%s: %w", from, to, domain.ErrInvalidArgument)
	}
	img, ok := r.images[imageID]
	if !ok {
		return domain.ErrNotFound
	}
	if img.Status != from {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	img.Status = to
	img.StatusUpdatedAt = now
	img.UpdatedAt = now
	if upd.Preprocessing != nil {
		img.Preprocessing = *upd.Preprocessing
	}
	if upd.NeedsFallback != nil {
		img.Processing.NeedsFallback = *upd.NeedsFallback
	}
	if upd.FinalBlobPath != nil {
		img.FinalBlobPath = *upd.FinalBlobPath
	}
	if upd.DetectionCount != nil {
		img.DetectionCount = *upd.DetectionCount
	}
	img.Processing.LLMTokensUsed += upd.AddTokens
	r.images[imageID] = img
	return nil
}

func (r *fakeImageRepo) FindByStatus(_ context.Context, status domain.ImageStatus, batchID string, limit int) ([]domain.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Image
	for _, img := range r.images {
		if img.Status != status {
			continue
		}
		if batchID != "" && img.BatchID != batchID {
			continue
		}
		out = append(out, img)
	}
	sortImages(out)
	return truncate(out, limit), nil
}

func (r *fakeImageRepo) FindPrimaryReady(_ context.Context, limit int) ([]domain.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Image
	for _, img := range r.images {
		if img.Status == domain.ImagePreprocessed && !img.Processing.NeedsFallback {
			out = append(out, img)
		}
	}
	sortImages(out)
	return truncate(out, limit), nil
}

func (r *fakeImageRepo) FindNeedingFallback(_ context.Context, limit int) ([]domain.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Image
	for _, img := range r.images {
		if img.Status == domain.ImagePreprocessed && img.Processing.NeedsFallback {
			out = append(out, img)
		}
	}
	sortImages(out)
	return truncate(out, limit), nil
}

func (r *fakeImageRepo) FindFailedForRetry(_ context.Context, limit, maxAttempts int, minAge time.Duration) ([]domain.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().Add(-minAge)
	var out []domain.Image
	for _, img := range r.images {
		if img.Status != domain.ImageFailed {
			continue
		}
		if len(img.Processing.FallbackAttempts) >= maxAttempts {
			continue
		}
		if img.StatusUpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, img)
	}
	sortImages(out)
	return truncate(out, limit), nil
}

func (r *fakeImageRepo) AddProcessingError(_ context.Context, imageID, stage, message string, details map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[imageID]
	if !ok {
		return domain.ErrNotFound
	}
	img.Processing.Errors = append(img.Processing.Errors, domain.ProcessingError{
		Stage: stage, Message: message, Timestamp: time.Now().UTC(), Details: details,
	})
	r.images[imageID] = img
	return nil
}

func (r *fakeImageRepo) AddDecoderAttempt(_ context.Context, imageID string, att domain.DecoderAttempt, fallback bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[imageID]
	if !ok {
		return domain.ErrNotFound
	}
	if fallback {
		img.Processing.FallbackAttempts = append(img.Processing.FallbackAttempts, att)
	} else {
		img.Processing.PrimaryAttempts = append(img.Processing.PrimaryAttempts, att)
	}
	r.images[imageID] = img
	return nil
}

func (r *fakeImageRepo) SetFinalBlobPath(_ context.Context, imageID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[imageID]
	if !ok {
		return domain.ErrNotFound
	}
	img.FinalBlobPath = path
	r.images[imageID] = img
	return nil
}

func (r *fakeImageRepo) Stats(_ context.Context, batchID string) (map[domain.ImageStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[domain.ImageStatus]int64{}
	for _, img := range r.images {
		if batchID != "" && img.BatchID != batchID {
			continue
		}
		out[img.Status]++
	}
	return out, nil
}

func sortImages(imgs []domain.Image) {
	sort.Slice(imgs, func(i, j int) bool {
		if imgs[i].StatusUpdatedAt.Equal(imgs[j].StatusUpdatedAt) {
			return imgs[i].ImageID < imgs[j].ImageID
		}
		return imgs[i].StatusUpdatedAt.Before(imgs[j].StatusUpdatedAt)
	})
}

func truncate(imgs []domain.Image, limit int) []domain.Image {
	if limit > 0 && len(imgs) > limit {
		return imgs[:limit]
	}
	return imgs
}

type fakeDetectionRepo struct {
	mu         sync.Mutex
	detections map[string]domain.Detection
}

func newFakeDetectionRepo() *fakeDetectionRepo {
	return &fakeDetectionRepo{detections: map[string]domain.Detection{}}
}

func (r *fakeDetectionRepo) Create(_ context.Context, d domain.Detection) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	r.detections[d.ID] = d
	return d.ID, nil
}

func (r *fakeDetectionRepo) CreateMany(ctx context.Context, ds []domain.Detection) ([]string, error) {
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		id, err := r.Create(ctx, d)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *fakeDetectionRepo) Get(_ context.Context, id string) (domain.Detection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.detections[id]
	if !ok {
		return domain.Detection{}, domain.ErrNotFound
	}
	return d, nil
}

func (r *fakeDetectionRepo) FindByImage(_ context.Context, imageID string) ([]domain.Detection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Detection
	for _, d := range r.detections {
		if d.ImageID == imageID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *fakeDetectionRepo) ExistsForImage(ctx context.Context, imageID string) (bool, error) {
	ds, err := r.FindByImage(ctx, imageID)
	return len(ds) > 0, err
}

func (r *fakeDetectionRepo) MarkChosen(_ context.Context, id, reviewer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.detections[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now().UTC()
	d.Chosen = true
	d.Rejected = false
	d.ReviewedAt = &now
	d.ReviewedBy = reviewer
	r.detections[id] = d
	return nil
}

func (r *fakeDetectionRepo) RejectOthers(_ context.Context, imageID, chosenID, reviewer string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	var n int64
	for id, d := range r.detections {
		if d.ImageID != imageID || id == chosenID {
			continue
		}
		d.Rejected = true
		d.Chosen = false
		d.ReviewedAt = &now
		d.ReviewedBy = reviewer
		r.detections[id] = d
		n++
	}
	return n, nil
}

func (r *fakeDetectionRepo) RejectAll(_ context.Context, imageID, reviewer string) (int64, error) {
	return r.RejectOthers(context.Background(), imageID, "", reviewer)
}

type fakeProductRepo struct {
	mu       sync.Mutex
	products map[string]domain.Product
}

func newFakeProductRepo() *fakeProductRepo {
	return &fakeProductRepo{products: map[string]domain.Product{}}
}

func (r *fakeProductRepo) GetByAnyCode(_ context.Context, code string) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.products {
		if p.EAN == code {
			return p, nil
		}
		for _, alt := range p.AlternateCodes {
			if alt == code {
				return p, nil
			}
		}
	}
	return domain.Product{}, domain.ErrNotFound
}

func (r *fakeProductRepo) Upsert(_ context.Context, p domain.Product) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	r.products[p.EAN] = p
	return p.ID, nil
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]domain.Job{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, jobType domain.JobType, imageID, batchID string, opts domain.EnqueueOptions) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.JobType == jobType && j.ImageID == imageID &&
			(j.Status == domain.JobPending || j.Status == domain.JobInProgress) {
			return j.JobID, nil
		}
	}
	now := time.Now().UTC()
	scheduled := opts.ScheduledFor
	if scheduled.IsZero() {
		scheduled = now
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = domain.DefaultMaxRetries
	}
	j := domain.Job{
		JobID:        uuid.New().String(),
		JobType:      jobType,
		ImageID:      imageID,
		BatchID:      batchID,
		Status:       domain.JobPending,
		Priority:     opts.Priority,
		MaxRetries:   maxRetries,
		ScheduledFor: scheduled,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	q.jobs[j.JobID] = j
	return j.JobID, nil
}

func (q *fakeQueue) Lease(_ context.Context, jobType domain.JobType, workerID string, leaseFor time.Duration) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()
	var best *domain.Job
	for id := range q.jobs {
		j := q.jobs[id]
		if j.JobType != jobType || j.Status != domain.JobPending || j.ScheduledFor.After(now) {
			continue
		}
		if best == nil ||
			j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.ScheduledFor.Before(best.ScheduledFor)) ||
			(j.Priority == best.Priority && j.ScheduledFor.Equal(best.ScheduledFor) && j.CreatedAt.Before(best.CreatedAt)) {
			jc := j
			best = &jc
		}
	}
	if best == nil {
		return nil, nil
	}
	lockUntil := now.Add(leaseFor)
	best.Status = domain.JobInProgress
	best.WorkerID = workerID
	best.StartedAt = &now
	best.LockUntil = &lockUntil
	best.Attempt++
	best.UpdatedAt = now
	q.jobs[best.JobID] = *best
	out := *best
	return &out, nil
}

func (q *fakeQueue) Renew(_ context.Context, jobID, workerID string, leaseFor time.Duration) (time.Time, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != domain.JobInProgress || j.WorkerID != workerID {
		return time.Time{}, domain.ErrConflict
	}
	lockUntil := time.Now().UTC().Add(leaseFor)
	j.LockUntil = &lockUntil
	q.jobs[jobID] = j
	return lockUntil, nil
}

func (q *fakeQueue) Complete(_ context.Context, jobID string, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || j.Status != domain.JobInProgress {
		return domain.ErrConflict
	}
	now := time.Now().UTC()
	j.Status = domain.JobCompleted
	j.CompletedAt = &now
	j.Result = result
	j.LockUntil = nil
	j.UpdatedAt = now
	q.jobs[jobID] = j
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, jobID, errMsg string, retriable bool, details map[string]any) (domain.FailOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return domain.FailOutcome{}, domain.ErrNotFound
	}
	now := time.Now().UTC()
	j.Error = errMsg
	j.ErrorDetails = details
	j.UpdatedAt = now
	if retriable && j.Attempt < j.MaxRetries {
		scheduled := now.Add(30 * time.Second)
		j.Status = domain.JobPending
		j.ScheduledFor = scheduled
		j.LockUntil = nil
		j.WorkerID = ""
		q.jobs[jobID] = j
		return domain.FailOutcome{Requeued: true, ScheduledFor: scheduled}, nil
	}
	j.Status = domain.JobFailed
	j.CompletedAt = &now
	j.LockUntil = nil
	q.jobs[jobID] = j
	return domain.FailOutcome{}, nil
}

func (q *fakeQueue) Cancel(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = domain.JobCancelled
	q.jobs[jobID] = j
	return nil
}

func (q *fakeQueue) Reap(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for id, j := range q.jobs {
		if j.Status != domain.JobInProgress || j.LockUntil == nil || !j.LockUntil.Before(now) {
			continue
		}
		if j.Attempt >= j.MaxRetries {
			j.Status = domain.JobFailed
			j.Error = "lease expired"
			j.CompletedAt = &now
		} else {
			j.Status = domain.JobPending
			j.ScheduledFor = now
		}
		j.LockUntil = nil
		j.WorkerID = ""
		j.UpdatedAt = now
		q.jobs[id] = j
		n++
	}
	return n, nil
}

func (q *fakeQueue) Get(_ context.Context, jobID string) (domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (q *fakeQueue) HasActive(_ context.Context, jobType domain.JobType, imageID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.JobType == jobType && j.ImageID == imageID &&
			(j.Status == domain.JobPending || j.Status == domain.JobInProgress) {
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n int64
	for id, j := range q.jobs {
		switch j.Status {
		case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
			if j.UpdatedAt.Before(cutoff) {
				delete(q.jobs, id)
				n++
			}
		}
	}
	return n, nil
}

type fakeBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{blobs: map[string][]byte{}}
}

func (s *fakeBlobStore) Download(_ context.Context, path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[path]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", path, domain.ErrNotFound)
	}
	return data, nil
}

func (s *fakeBlobStore) Upload(_ context.Context, path string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[path] = data
	return nil
}

func (s *fakeBlobStore) Move(_ context.Context, src, dst string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[src]
	if !ok {
		return fmt.Errorf("blob %s: %w", src, domain.ErrNotFound)
	}
	s.blobs[dst] = data
	delete(s.blobs, src)
	return nil
}

func (s *fakeBlobStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, path)
	return nil
}

func (s *fakeBlobStore) Exists(_ context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[path]
	return ok, nil
}

func (s *fakeBlobStore) URL(path string) string { return "https://blobs.test/" + path }

func (s *fakeBlobStore) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.blobs))
	for p := range s.blobs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *fakeBlobStore) hasPrefix(prefix string) bool {
	for _, p := range s.paths() {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

type fakePreprocessor struct {
	result domain.NormalizeResult
	err    error
}

func (p *fakePreprocessor) Normalize(_ context.Context, _ []byte) (domain.NormalizeResult, error) {
	if p.err != nil {
		return domain.NormalizeResult{}, p.err
	}
	return p.result, nil
}

type fakePrimaryDecoder struct {
	// codes maps artifact content to the raw codes the decoder reads.
	codes map[string][]domain.RawCode
	err   error
}

func (d *fakePrimaryDecoder) Source() domain.DetectionSource { return domain.SourcePrimaryZxing }

func (d *fakePrimaryDecoder) Decode(_ context.Context, image []byte) ([]domain.RawCode, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.codes[string(image)], nil
}

type fakeFallbackDecoder struct {
	result domain.FallbackResult
	err    error
	calls  int
}

func (d *fakeFallbackDecoder) ExtractBarcodes(_ context.Context, _ []byte) (domain.FallbackResult, error) {
	d.calls++
	if d.err != nil {
		return d.result, d.err
	}
	return d.result, nil
}

var (
	_ domain.ImageRepository     = (*fakeImageRepo)(nil)
	_ domain.DetectionRepository = (*fakeDetectionRepo)(nil)
	_ domain.ProductRepository   = (*fakeProductRepo)(nil)
	_ domain.JobQueue            = (*fakeQueue)(nil)
	_ domain.BlobStore           = (*fakeBlobStore)(nil)
	_ domain.Preprocessor        = (*fakePreprocessor)(nil)
	_ domain.PrimaryDecoder      = (*fakePrimaryDecoder)(nil)
	_ domain.FallbackDecoder     = (*fakeFallbackDecoder)(nil)
)

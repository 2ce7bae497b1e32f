package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

func seedFallbackImage(t *testing.T, images *fakeImageRepo, blobs *fakeBlobStore, status domain.ImageStatus, priorAttempts int) {
	t.Helper()
	ctx := context.Background()
	img := domain.Image{
		ImageID:        "img1",
		BatchID:        "b1",
		SourceFilename: "photo.jpg",
		Status:         status,
		Preprocessing: domain.PreprocessingInfo{
			NormalizedPath: "preprocessed/b1/img1.jpg",
		},
	}
	img.Processing.NeedsFallback = status == domain.ImagePreprocessed
	for i := 0; i < priorAttempts; i++ {
		img.Processing.FallbackAttempts = append(img.Processing.FallbackAttempts, domain.DecoderAttempt{
			Decoder: string(domain.SourceFallbackGemini), AttemptNumber: i + 1,
		})
	}
	_, err := images.Create(ctx, img)
	require.NoError(t, err)
	require.NoError(t, blobs.Upload(ctx, "preprocessed/b1/img1.jpg", []byte("norm"), "image/jpeg"))
}

func newFallbackHandler(images *fakeImageRepo, detections *fakeDetectionRepo, blobs *fakeBlobStore, fb *fakeFallbackDecoder) *DecodeFallbackHandler {
	return &DecodeFallbackHandler{
		Images:     images,
		Detections: detections,
		Products:   newFakeProductRepo(),
		Blobs:      blobs,
		Fallback:   fb,
		Logger:     testLogger(),
	}
}

func TestFallbackSingleCodeSucceeds(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	detections := newFakeDetectionRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImagePreprocessed, 0)

	fb := &fakeFallbackDecoder{result: domain.FallbackResult{
		Codes:      []domain.FallbackCode{{Code: "8011642115887", SymbologyGuess: "EAN-13", Confidence: 0.93}},
		TokensUsed: 150,
	}}
	h := newFallbackHandler(images, detections, blobs, fb)

	res, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.NoError(t, err)
	assert.Equal(t, "decoded", res.Result["outcome"])

	img, _ := images.Get(ctx, "img1")
	assert.Equal(t, domain.ImageDecodedFallback, img.Status)
	assert.Equal(t, "processed/b1/img1.jpg", img.FinalBlobPath)
	assert.Equal(t, int64(150), img.Processing.LLMTokensUsed)
	require.Len(t, img.Processing.FallbackAttempts, 1)
	assert.True(t, img.Processing.FallbackAttempts[0].Success)

	ds, _ := detections.FindByImage(ctx, "img1")
	require.Len(t, ds, 1)
	assert.Equal(t, domain.SourceFallbackGemini, ds[0].Source)
	assert.Equal(t, "EAN-13", ds[0].LLMSymbology)
	assert.InDelta(t, 0.93, ds[0].LLMConfidence, 1e-9)
}

func TestFallbackSkipsWithoutNeedsFallback(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	blobs := newFakeBlobStore()
	img := domain.Image{ImageID: "img1", BatchID: "b1", Status: domain.ImagePreprocessed}
	_, err := images.Create(ctx, img)
	require.NoError(t, err)

	h := newFallbackHandler(images, newFakeDetectionRepo(), blobs, &fakeFallbackDecoder{})
	res, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestFallbackAmbiguousGoesToReview(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	detections := newFakeDetectionRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImagePreprocessed, 0)

	fb := &fakeFallbackDecoder{result: domain.FallbackResult{
		Codes: []domain.FallbackCode{
			{Code: "8011642115887", Confidence: 0.9},
			{Code: "4006381333931", Confidence: 0.8},
		},
		TokensUsed: 200,
	}}
	h := newFallbackHandler(images, detections, blobs, fb)

	res, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.NoError(t, err)
	assert.Equal(t, "ambiguous", res.Result["outcome"])

	img, _ := images.Get(ctx, "img1")
	assert.Equal(t, domain.ImageManualReview, img.Status)
	ds, _ := detections.FindByImage(ctx, "img1")
	require.Len(t, ds, 2)
	for _, d := range ds {
		assert.True(t, d.Ambiguous)
	}
}

func TestFallbackNothingFoundFailsWithoutBlobMove(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImagePreprocessed, 0)

	fb := &fakeFallbackDecoder{result: domain.FallbackResult{TokensUsed: 80}}
	h := newFallbackHandler(images, newFakeDetectionRepo(), blobs, fb)

	res, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Result["outcome"])

	img, _ := images.Get(ctx, "img1")
	assert.Equal(t, domain.ImageFailed, img.Status)
	// First attempt only: artifact stays for a later retry.
	ok, _ := blobs.Exists(ctx, "preprocessed/b1/img1.jpg")
	assert.True(t, ok)
	assert.Empty(t, img.FinalBlobPath)
	assert.Equal(t, int64(80), img.Processing.LLMTokensUsed)
}

func TestFallbackRetryFromFailed(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	detections := newFakeDetectionRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImageFailed, 1)

	fb := &fakeFallbackDecoder{result: domain.FallbackResult{
		Codes:      []domain.FallbackCode{{Code: "96385074", Confidence: 0.88}},
		TokensUsed: 120,
	}}
	h := newFallbackHandler(images, detections, blobs, fb)

	res, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.NoError(t, err)
	assert.Equal(t, "decoded", res.Result["outcome"])

	img, _ := images.Get(ctx, "img1")
	assert.Equal(t, domain.ImageDecodedFallback, img.Status)
	assert.Len(t, img.Processing.FallbackAttempts, 2)
}

func TestFallbackBudgetExhaustedMovesToFailed(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImageFailed, 2)

	fb := &fakeFallbackDecoder{result: domain.FallbackResult{TokensUsed: 60}}
	h := newFallbackHandler(images, newFakeDetectionRepo(), blobs, fb)

	res, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.NoError(t, err)
	assert.Equal(t, "failed", res.Result["outcome"])
	assert.Equal(t, 3, res.Result["attempt"])

	img, _ := images.Get(ctx, "img1")
	assert.Equal(t, domain.ImageFailed, img.Status)
	assert.Equal(t, "failed/b1/img1.jpg", img.FinalBlobPath)
	ok, _ := blobs.Exists(ctx, "failed/b1/img1.jpg")
	assert.True(t, ok)
}

func TestFallbackSkipsWhenBudgetAlreadyGone(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImageFailed, 3)

	fb := &fakeFallbackDecoder{}
	h := newFallbackHandler(images, newFakeDetectionRepo(), blobs, fb)

	res, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, fb.calls)
}

func TestFallbackRetriableErrorKeepsDecodingState(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImagePreprocessed, 0)

	fb := &fakeFallbackDecoder{err: domain.ErrUpstreamRateLimit}
	h := newFallbackHandler(images, newFakeDetectionRepo(), blobs, fb)

	_, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.ErrorIs(t, err, domain.ErrUpstreamRateLimit)
	assert.True(t, Retriable(err))

	// Image parked in decoding_fallback; the requeued job re-enters there.
	img, _ := images.Get(ctx, "img1")
	assert.Equal(t, domain.ImageDecodingFallback, img.Status)
	require.Len(t, img.Processing.FallbackAttempts, 1)
	assert.False(t, img.Processing.FallbackAttempts[0].Success)
	assert.NotEmpty(t, img.Processing.FallbackAttempts[0].Error)
}

func TestFallbackReentryAfterCrash(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImageDecodingFallback, 0)

	fb := &fakeFallbackDecoder{result: domain.FallbackResult{
		Codes: []domain.FallbackCode{{Code: "96385074", Confidence: 0.85}},
	}}
	h := newFallbackHandler(images, newFakeDetectionRepo(), blobs, fb)

	res, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.NoError(t, err)
	assert.Equal(t, "decoded", res.Result["outcome"])
}

func TestFallbackRateLimiterBlocksCall(t *testing.T) {
	ctx := context.Background()
	images := newFakeImageRepo()
	blobs := newFakeBlobStore()
	seedFallbackImage(t, images, blobs, domain.ImagePreprocessed, 0)

	fb := &fakeFallbackDecoder{}
	h := newFallbackHandler(images, newFakeDetectionRepo(), blobs, fb)
	h.Limiter = denyingLimiter{}

	_, err := h.Handle(ctx, domain.Job{JobID: "j1", ImageID: "img1"})
	require.ErrorIs(t, err, domain.ErrUpstreamRateLimit)
	assert.Zero(t, fb.calls)
}

type denyingLimiter struct{}

func (denyingLimiter) Allow(_ context.Context, _ string, _ int64) (bool, time.Duration, error) {
	return false, 5 * time.Second, nil
}

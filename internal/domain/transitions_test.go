package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ImageStatus
		want     bool
	}{
		{ImagePending, ImagePreprocessing, true},
		{ImagePreprocessing, ImagePreprocessed, true},
		{ImagePreprocessing, ImageFailed, true},
		{ImagePreprocessed, ImageDecodingPrimary, true},
		{ImagePreprocessed, ImageDecodingFallback, true},
		{ImageDecodingPrimary, ImageDecodedPrimary, true},
		{ImageDecodingPrimary, ImagePreprocessed, true},
		{ImageDecodingPrimary, ImageManualReview, true},
		{ImageDecodingFallback, ImageDecodedFallback, true},
		{ImageDecodingFallback, ImageManualReview, true},
		{ImageDecodingFallback, ImageFailed, true},
		{ImageFailed, ImageDecodingFallback, true},
		{ImageManualReview, ImageDecodedManual, true},
		{ImageManualReview, ImageFailed, true},

		{ImagePending, ImagePreprocessed, false},
		{ImagePending, ImageDecodingPrimary, false},
		{ImagePreprocessed, ImageDecodedPrimary, false},
		{ImageDecodedPrimary, ImageDecodingFallback, false},
		{ImageDecodedFallback, ImageManualReview, false},
		{ImageDecodedManual, ImageFailed, false},
		{ImageFailed, ImagePreprocessing, false},
		{ImageManualReview, ImageDecodedPrimary, false},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminal(t *testing.T) {
	assert.True(t, ImageDecodedPrimary.Terminal())
	assert.True(t, ImageDecodedFallback.Terminal())
	assert.True(t, ImageDecodedManual.Terminal())
	assert.False(t, ImageFailed.Terminal())
	assert.False(t, ImageManualReview.Terminal())
	assert.False(t, ImagePending.Terminal())
}

func TestDecoded(t *testing.T) {
	assert.True(t, ImageDecodedPrimary.Decoded())
	assert.True(t, ImageDecodedManual.Decoded())
	assert.False(t, ImageManualReview.Decoded())
	assert.False(t, ImageFailed.Decoded())
}

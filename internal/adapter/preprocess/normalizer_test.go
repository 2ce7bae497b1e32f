package preprocess

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

func testConfig() config.Config {
	return config.Config{
		PreprocessMaxDimension: 100,
		PreprocessRotations:    []int{0, 90, 180, 270},
	}
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNormalizeResizesAndRotates(t *testing.T) {
	n := NewNormalizer(testConfig())
	res, err := n.Normalize(context.Background(), testPNG(t, 400, 200))
	require.NoError(t, err)

	assert.Equal(t, 400, res.OriginalWidth)
	assert.Equal(t, 200, res.OriginalHeight)
	assert.Equal(t, 100, res.ProcessedWidth)
	assert.Equal(t, 50, res.ProcessedHeight)
	assert.True(t, res.Grayscale)
	assert.False(t, res.CLAHEApplied)
	assert.False(t, res.Denoised)
	assert.NotEmpty(t, res.Normalized)

	require.Len(t, res.Rotations, 4)
	assert.Equal(t, res.Normalized, res.Rotations[0])
	for _, angle := range []int{90, 180, 270} {
		assert.NotEmpty(t, res.Rotations[angle], "angle %d", angle)
	}
}

func TestNormalizeSmallImageKeepsSize(t *testing.T) {
	n := NewNormalizer(testConfig())
	res, err := n.Normalize(context.Background(), testPNG(t, 40, 30))
	require.NoError(t, err)
	assert.Equal(t, 40, res.ProcessedWidth)
	assert.Equal(t, 30, res.ProcessedHeight)
}

func TestNormalizeZeroAngleAlwaysPresent(t *testing.T) {
	cfg := testConfig()
	cfg.PreprocessRotations = []int{90}
	n := NewNormalizer(cfg)
	assert.Equal(t, []int{0, 90}, n.Angles())

	res, err := n.Normalize(context.Background(), testPNG(t, 20, 20))
	require.NoError(t, err)
	assert.Contains(t, res.Rotations, 0)
	assert.Contains(t, res.Rotations, 90)
}

func TestNormalizeRejectsNonImage(t *testing.T) {
	n := NewNormalizer(testConfig())
	_, err := n.Normalize(context.Background(), []byte("plain text, not pixels"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = n.Normalize(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNormalizeRejectsUnsupportedRotation(t *testing.T) {
	cfg := testConfig()
	cfg.PreprocessRotations = []int{0, 45}
	n := NewNormalizer(cfg)
	_, err := n.Normalize(context.Background(), testPNG(t, 20, 20))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

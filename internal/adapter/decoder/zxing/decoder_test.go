package zxing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

func renderPNG(t *testing.T, code string) []byte {
	t.Helper()
	matrix, err := oned.NewEAN13Writer().Encode(code, gozxing.BarcodeFormat_EAN_13, 400, 120, nil)
	require.NoError(t, err)

	img := image.NewGray(image.Rect(0, 0, matrix.GetWidth(), matrix.GetHeight()))
	for y := 0; y < matrix.GetHeight(); y++ {
		for x := 0; x < matrix.GetWidth(); x++ {
			if matrix.Get(x, y) {
				img.SetGray(x, y, color.Gray{Y: 0})
			} else {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodeEAN13RoundTrip(t *testing.T) {
	d := NewDecoder()
	assert.Equal(t, domain.SourcePrimaryZxing, d.Source())

	codes, err := d.Decode(context.Background(), renderPNG(t, "8011642115887"))
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, "8011642115887", codes[0].Code)
	assert.Equal(t, domain.SymbologyEAN13, codes[0].SymbologyGuess)
}

func TestDecodeBlankImage(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 200, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 200; x++ {
			img.SetGray(x, y, color.Gray{Y: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	codes, err := NewDecoder().Decode(context.Background(), buf.Bytes())
	require.NoError(t, err)
	assert.Empty(t, codes)
}

func TestDecodeGarbageBytes(t *testing.T) {
	_, err := NewDecoder().Decode(context.Background(), []byte("not an image"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

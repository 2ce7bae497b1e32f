// Package preprocess normalizes incoming product photos for the decoders.
package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

const jpegQuality = 90

// Normalizer produces the grayscale, size-capped artifact plus its rotation
// set. CLAHE and denoising are not applied here; the flags in the result
// stay false so downstream consumers know exactly what ran.
type Normalizer struct {
	maxDimension int
	rotations    []int
}

// NewNormalizer builds the normalizer from config. The rotation set always
// gains angle 0 if missing, since the decoders read the unrotated artifact
// through the same path list.
func NewNormalizer(cfg config.Config) *Normalizer {
	rotations := cfg.PreprocessRotations
	hasZero := false
	for _, a := range rotations {
		if a == 0 {
			hasZero = true
			break
		}
	}
	if !hasZero {
		rotations = append([]int{0}, rotations...)
	}
	return &Normalizer{maxDimension: cfg.PreprocessMaxDimension, rotations: rotations}
}

// Normalize decodes, grayscales and size-caps the source image, then
// renders each configured rotation. Unreadable or non-image input is
// ErrInvalidArgument, never retried.
func (n *Normalizer) Normalize(ctx context.Context, src []byte) (domain.NormalizeResult, error) {
	start := time.Now()
	if len(src) == 0 {
		return domain.NormalizeResult{}, fmt.Errorf("op=preprocess.Normalize: %w: empty source", domain.ErrInvalidArgument)
	}
	if mt := mimetype.Detect(src); !isSupportedImage(mt.String()) {
		return domain.NormalizeResult{}, fmt.Errorf("op=preprocess.Normalize: %w: unsupported content type %s", domain.ErrInvalidArgument, mt.String())
	}
	if err := ctx.Err(); err != nil {
		return domain.NormalizeResult{}, err
	}

	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return domain.NormalizeResult{}, fmt.Errorf("op=preprocess.Normalize: %w: %v", domain.ErrInvalidArgument, err)
	}
	origBounds := img.Bounds()

	gray := imaging.Grayscale(img)
	if origBounds.Dx() > n.maxDimension || origBounds.Dy() > n.maxDimension {
		gray = imaging.Fit(gray, n.maxDimension, n.maxDimension, imaging.Lanczos)
	}
	procBounds := gray.Bounds()

	normalized, err := encodeJPEG(gray)
	if err != nil {
		return domain.NormalizeResult{}, err
	}

	rotations := make(map[int][]byte, len(n.rotations))
	generated := make([]int, 0, len(n.rotations))
	for _, angle := range n.rotations {
		if err := ctx.Err(); err != nil {
			return domain.NormalizeResult{}, err
		}
		var rotated image.Image
		switch angle {
		case 0:
			rotations[0] = normalized
			generated = append(generated, 0)
			continue
		case 90:
			rotated = imaging.Rotate90(gray)
		case 180:
			rotated = imaging.Rotate180(gray)
		case 270:
			rotated = imaging.Rotate270(gray)
		default:
			return domain.NormalizeResult{}, fmt.Errorf("op=preprocess.Normalize: %w: unsupported rotation %d", domain.ErrInvalidArgument, angle)
		}
		data, err := encodeJPEG(rotated)
		if err != nil {
			return domain.NormalizeResult{}, err
		}
		rotations[angle] = data
		generated = append(generated, angle)
	}

	return domain.NormalizeResult{
		Normalized:      normalized,
		Rotations:       rotations,
		OriginalWidth:   origBounds.Dx(),
		OriginalHeight:  origBounds.Dy(),
		ProcessedWidth:  procBounds.Dx(),
		ProcessedHeight: procBounds.Dy(),
		Grayscale:       true,
		CLAHEApplied:    false,
		Denoised:        false,
		DurationMs:      time.Since(start).Milliseconds(),
	}, nil
}

// Angles returns the rotation set in render order.
func (n *Normalizer) Angles() []int { return n.rotations }

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("op=preprocess.encode: %w: %v", domain.ErrInternal, err)
	}
	return buf.Bytes(), nil
}

func isSupportedImage(mime string) bool {
	switch mime {
	case "image/jpeg", "image/png", "image/webp", "image/tiff", "image/bmp":
		return true
	}
	return false
}

var _ domain.Preprocessor = (*Normalizer)(nil)

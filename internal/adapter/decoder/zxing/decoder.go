// Package zxing wraps the gozxing UPC/EAN reader as the primary decoder.
package zxing

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// Decoder reads linear EAN/UPC barcodes from still images.
type Decoder struct {
	reader gozxing.Reader
	hints  map[gozxing.DecodeHintType]interface{}
}

// NewDecoder builds the reader with TRY_HARDER enabled; preprocessed
// artifacts are already grayscale so the extra passes are cheap.
func NewDecoder() *Decoder {
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	return &Decoder{
		reader: oned.NewMultiFormatUPCEANReader(hints),
		hints:  hints,
	}
}

// Source identifies detections produced by this decoder.
func (d *Decoder) Source() domain.DetectionSource { return domain.SourcePrimaryZxing }

// Decode reads at most one barcode from the image. A clean "nothing found"
// returns an empty slice and no error; only unreadable input is an error.
func (d *Decoder) Decode(ctx context.Context, data []byte) ([]domain.RawCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("op=zxing.decode: %w: %v", domain.ErrInvalidArgument, err)
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, fmt.Errorf("op=zxing.decode: %w: %v", domain.ErrInvalidArgument, err)
	}
	result, err := d.reader.Decode(bmp, d.hints)
	if err != nil {
		// NotFound and checksum/format misreads mean no code in this frame.
		return nil, nil
	}
	return []domain.RawCode{{
		Code:           result.GetText(),
		SymbologyGuess: formatToSymbology(result.GetBarcodeFormat()),
	}}, nil
}

func formatToSymbology(f gozxing.BarcodeFormat) domain.Symbology {
	switch f {
	case gozxing.BarcodeFormat_EAN_13:
		return domain.SymbologyEAN13
	case gozxing.BarcodeFormat_EAN_8:
		return domain.SymbologyEAN8
	case gozxing.BarcodeFormat_UPC_A:
		return domain.SymbologyUPCA
	case gozxing.BarcodeFormat_UPC_E:
		return domain.SymbologyUPCE
	}
	return domain.SymbologyUnknown
}

var _ domain.PrimaryDecoder = (*Decoder)(nil)

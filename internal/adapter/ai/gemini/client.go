// Package gemini implements the LLM fallback decoder on the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/genai"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

const extractionPrompt = `
You are a vision model specialized in reading barcodes from images.

Task:
Analyze the product image and extract any visible *linear* barcodes and their numeric codes.

Target symbologies:
- EAN-13 (13 digits, commonly used in Europe)
- EAN-8 (8 digits, for small products)
- UPC-A (12 digits, commonly used in US/Canada)
- UPC-E (6-8 digits, compressed UPC)

Processing instructions:
1. Use your vision capabilities to:
   - Locate all barcode regions in the image (even if rotated or at an angle).
   - Zoom into each barcode area to clearly see the digits printed directly under or above the bars.
2. Perform OCR on the digits that belong to the barcode itself.
   - Ignore any surrounding packaging text, prices, dates, or other numbers not attached to a barcode.
3. Validate each candidate code:
   - Make sure the length matches one of the target symbologies.
   - Apply the correct checksum rule for that symbology (EAN / UPC check digit).
   - Only keep codes where the checksum is valid and every digit is clearly readable.
4. Confidence:
   - Estimate a confidence score between 0.0 and 1.0 based on clarity of the digits and your certainty.
   - Prefer not returning a barcode at all rather than guessing unclear digits.
5. De-duplication:
   - If the same barcode appears multiple times in the image, return it only once with the highest confidence.

IMPORTANT:
- Do NOT guess or invent digits.
- If any digit is unclear, blurred, cut off, or fails checksum validation, do NOT return that code.
- Only return barcodes you can clearly read AND that pass checksum validation.

Output format:
- Return ONLY valid JSON, with no extra text, comments, or markdown.
- Use double quotes for all JSON strings.
- The top-level value MUST be a JSON array.
- Each detected barcode MUST follow this EXACT object schema:

[
  {
    "code": "1234567890123",
    "symbologyGuess": "EAN-13",
    "confidence": 0.95
  }
]

Rules:
- "symbologyGuess" MUST be one of: "EAN-13", "EAN-8", "UPC-A", "UPC-E".
- "confidence" MUST be a number between 0.0 and 1.0.

If no valid barcodes are found (or all candidates fail checksum / are unclear), return an empty array:

[]
`

// Client calls Gemini vision to read barcodes the local decoders missed.
type Client struct {
	genai       *genai.Client
	model       string
	maxTokens   int32
	temperature float32
	timeout     time.Duration
}

// NewClient builds the Gemini client from config.
func NewClient(ctx context.Context, cfg config.Config) (*Client, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("op=gemini.NewClient: %w", err)
	}
	return &Client{
		genai:       gc,
		model:       cfg.GeminiModel,
		maxTokens:   int32(cfg.GeminiMaxTokens),
		temperature: float32(cfg.GeminiTemperature),
		timeout:     cfg.GeminiTimeout,
	}, nil
}

// ExtractBarcodes sends the image with the extraction prompt and parses the
// JSON reply. Unparseable output is retried in-call before being surfaced
// as a transient error.
func (c *Client) ExtractBarcodes(ctx context.Context, image []byte) (domain.FallbackResult, error) {
	ctx, span := otel.Tracer("ai.gemini").Start(ctx, "gemini.ExtractBarcodes")
	defer span.End()
	span.SetAttributes(attribute.String("gemini.model", c.model))

	var out domain.FallbackResult
	op := func() error {
		res, err := c.callOnce(ctx, image)
		if err != nil {
			if errors.Is(err, domain.ErrUpstreamRateLimit) || errors.Is(err, domain.ErrInvalidArgument) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return domain.FallbackResult{}, err
	}
	span.SetAttributes(
		attribute.Int("gemini.codes", len(out.Codes)),
		attribute.Int64("gemini.tokens", out.TokensUsed),
	)
	return out, nil
}

func (c *Client) callOnce(ctx context.Context, image []byte) (domain.FallbackResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(extractionPrompt),
			genai.NewPartFromBytes(image, "image/jpeg"),
		}, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: c.maxTokens,
		Temperature:     genai.Ptr(c.temperature),
	}
	resp, err := c.genai.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return domain.FallbackResult{}, fmt.Errorf("op=gemini.generate: %w", mapAPIError(err))
	}

	raw := resp.Text()
	result := domain.FallbackResult{RawText: raw}
	if resp.UsageMetadata != nil {
		result.TokensUsed = int64(resp.UsageMetadata.TotalTokenCount)
	}

	codes, err := ParseCodes(raw)
	if err != nil {
		return domain.FallbackResult{}, fmt.Errorf("op=gemini.parse: %w: %v", domain.ErrTransient, err)
	}
	result.Codes = codes
	return result, nil
}

func mapAPIError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			return fmt.Errorf("%w: %v", domain.ErrUpstreamRateLimit, err)
		case apiErr.Code >= 500:
			return fmt.Errorf("%w: %v", domain.ErrTransient, err)
		case apiErr.Code >= 400:
			return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrTransient, err)
}

var _ domain.FallbackDecoder = (*Client)(nil)

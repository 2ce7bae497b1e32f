package gemini

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

var (
	arrayRe     = regexp.MustCompile(`\[[\s\S]*\]`)
	objectRe    = regexp.MustCompile(`\{[\s\S]*\}`)
	codeBlockRe = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
)

type rawCandidate struct {
	Code           string  `json:"code"`
	SymbologyGuess string  `json:"symbologyGuess"`
	Confidence     float64 `json:"confidence"`
}

// ParseCodes extracts barcode candidates from model output. The model is
// told to reply with a bare JSON array, but replies wrapped in prose or
// markdown fences are salvaged before giving up.
func ParseCodes(text string) ([]domain.FallbackCode, error) {
	raw, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	out := make([]domain.FallbackCode, 0, len(raw))
	for _, c := range raw {
		code := strings.TrimSpace(c.Code)
		if code == "" {
			continue
		}
		guess := c.SymbologyGuess
		if guess == "" {
			guess = "UNKNOWN"
		}
		out = append(out, domain.FallbackCode{
			Code:           code,
			SymbologyGuess: guess,
			Confidence:     c.Confidence,
		})
	}
	return out, nil
}

func extractJSON(text string) ([]rawCandidate, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("empty response")
	}

	candidates := []string{text}
	if m := arrayRe.FindString(text); m != "" {
		candidates = append(candidates, m)
	}
	if m := objectRe.FindString(text); m != "" {
		candidates = append(candidates, m)
	}
	if m := codeBlockRe.FindStringSubmatch(text); m != nil {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	for _, cand := range candidates {
		var arr []rawCandidate
		if err := json.Unmarshal([]byte(cand), &arr); err == nil {
			return arr, nil
		}
		var obj rawCandidate
		if err := json.Unmarshal([]byte(cand), &obj); err == nil && obj.Code != "" {
			return []rawCandidate{obj}, nil
		}
	}
	return nil, errors.New("no JSON payload found in response")
}

// Package barcode implements symbology detection, checksum validation and
// normalization for EAN/UPC codes.
package barcode

import (
	"strings"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// Reasons carries the per-check validation outcome for a raw code.
type Reasons struct {
	NumericOnly   bool
	LengthValid   bool
	ChecksumValid bool
}

// Accepted reports whether the code passes every gate.
func (r Reasons) Accepted() bool { return r.NumericOnly && r.LengthValid && r.ChecksumValid }

func numericOnly(code string) bool {
	if code == "" {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DetectSymbology maps a numeric code to a symbology by length.
func DetectSymbology(code string) domain.Symbology {
	if !numericOnly(code) {
		return domain.SymbologyUnknown
	}
	switch len(code) {
	case 13:
		return domain.SymbologyEAN13
	case 8:
		return domain.SymbologyEAN8
	case 12:
		return domain.SymbologyUPCA
	case 6, 7:
		return domain.SymbologyUPCE
	}
	return domain.SymbologyUnknown
}

// Checksum validates the modulo-10 check digit of a full EAN/UPC code,
// weights alternating 1,3 from the rightmost check digit leftward.
func Checksum(digits string) bool {
	if len(digits) < 2 || !numericOnly(digits) {
		return false
	}
	sum := 0
	weight := 3
	for i := len(digits) - 2; i >= 0; i-- {
		sum += int(digits[i]-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	check := (10 - sum%10) % 10
	return check == int(digits[len(digits)-1]-'0')
}

// CheckDigit computes the modulo-10 check digit for the given body.
func CheckDigit(body string) byte {
	sum := 0
	weight := 3
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * weight
		if weight == 3 {
			weight = 1
		} else {
			weight = 3
		}
	}
	return byte('0' + (10-sum%10)%10)
}

// Classify detects the symbology of a raw code and evaluates the
// validation reasons. UPC-E checksum is validated against its UPC-A
// expansion.
func Classify(raw string) (domain.Symbology, Reasons) {
	raw = strings.TrimSpace(raw)
	var rs Reasons
	rs.NumericOnly = numericOnly(raw)
	if !rs.NumericOnly {
		return domain.SymbologyUnknown, rs
	}
	sym := DetectSymbology(raw)
	if sym == domain.SymbologyUnknown {
		return sym, rs
	}
	rs.LengthValid = true
	switch sym {
	case domain.SymbologyUPCE:
		if upca, ok := expandUPCE(raw); ok {
			rs.ChecksumValid = Checksum(upca)
		}
	default:
		rs.ChecksumValid = Checksum(raw)
	}
	return sym, rs
}

// Normalize maps a code to its canonical form for deduplication:
// UPC-A gains a leading zero, UPC-E expands to UPC-A first, EAN-13 passes
// through and EAN-8 keeps its 8-digit form (no upconversion).
func Normalize(raw string, sym domain.Symbology) string {
	raw = strings.TrimSpace(raw)
	switch sym {
	case domain.SymbologyEAN13:
		return raw
	case domain.SymbologyEAN8:
		return raw
	case domain.SymbologyUPCA:
		if len(raw) == 12 {
			return "0" + raw
		}
	case domain.SymbologyUPCE:
		if upca, ok := expandUPCE(raw); ok {
			return "0" + upca
		}
	}
	return raw
}

// expandUPCE expands a 6/7-digit UPC-E code to the 12-digit UPC-A form.
// A 6-digit code is the bare body (number system 0); a 7-digit code carries
// the number system in front. The check digit is recomputed.
func expandUPCE(code string) (string, bool) {
	if !numericOnly(code) {
		return "", false
	}
	ns := byte('0')
	body := code
	if len(code) == 7 {
		ns = code[0]
		body = code[1:]
	}
	if len(body) != 6 || (ns != '0' && ns != '1') {
		return "", false
	}
	d := body
	var man, prod string
	switch d[5] {
	case '0', '1', '2':
		man = d[0:2] + string(d[5]) + "00"
		prod = "00" + d[2:5]
	case '3':
		man = d[0:3] + "00"
		prod = "000" + d[3:5]
	case '4':
		man = d[0:4] + "0"
		prod = "0000" + string(d[4])
	default:
		man = d[0:5]
		prod = "0000" + string(d[5])
	}
	bodyA := string(ns) + man + prod
	return bodyA + string(CheckDigit(bodyA)), true
}

// ExpandUPCE exposes the UPC-E to UPC-A expansion used by Normalize.
func ExpandUPCE(code string) (string, bool) { return expandUPCE(code) }

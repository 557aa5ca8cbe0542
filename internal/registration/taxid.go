// ABOUTME: Tax id (CNPJ) normalization and display formatting
// ABOUTME: Accepts formatted or bare input and keeps only the 14 digits

package registration

import (
	"errors"
	"strings"
)

// TaxIDLength is the number of digits in a CNPJ.
const TaxIDLength = 14

// ErrInvalidTaxID is returned when a tax id does not have exactly 14 digits.
var ErrInvalidTaxID = errors.New("tax id must have 14 digits")

// NormalizeTaxID strips every non-digit and checks the length.
func NormalizeTaxID(input string) (string, error) {
	var sb strings.Builder
	for _, r := range input {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	digits := sb.String()
	if len(digits) != TaxIDLength {
		return "", ErrInvalidTaxID
	}
	return digits, nil
}

// FormatTaxID renders 14 digits as 00.000.000/0000-00. Anything else is
// returned unchanged.
func FormatTaxID(digits string) string {
	if len(digits) != TaxIDLength {
		return digits
	}
	return digits[0:2] + "." + digits[2:5] + "." + digits[5:8] + "/" + digits[8:12] + "-" + digits[12:14]
}

// Package phone turns user-entered phone numbers into the digits-only
// "country code + national number" form the provider addresses.
package phone

import (
	"strings"

	"golang.org/x/text/width"
)

// Normalizer prefixes national numbers (leading trunk 0) with a default
// country code. A zero Normalizer only strips formatting.
type Normalizer struct {
	countryCode string
}

func NewNormalizer(countryCode string) Normalizer {
	return Normalizer{countryCode: strings.TrimLeft(digits(countryCode), "0")}
}

// Normalize is idempotent: the result never starts with 0, so a second pass
// has nothing left to rewrite.
func (n Normalizer) Normalize(raw string) string {
	d := digits(width.Narrow.String(raw))

	switch {
	case strings.HasPrefix(d, "00"):
		// international call prefix
		return strings.TrimLeft(d, "0")
	case strings.HasPrefix(d, "0"):
		rest := strings.TrimLeft(d, "0")
		if rest == "" {
			return ""
		}
		return n.countryCode + rest
	default:
		return d
	}
}

// Normalize applies the zero Normalizer.
func Normalize(raw string) string {
	return Normalizer{}.Normalize(raw)
}

func digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

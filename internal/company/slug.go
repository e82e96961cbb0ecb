package company

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var deaccent = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slug builds a stable, URL-safe identifier from a company name.
// Diacritics are stripped, everything outside [a-z0-9] collapses to a
// single hyphen, and a short random suffix keeps slugs unique even when
// two distinct companies normalize to the same base.
func Slug(name string) string {
	base := slugBase(name)
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	if base == "" {
		return suffix
	}
	return base + "-" + suffix
}

func slugBase(name string) string {
	folded, _, err := transform.String(deaccent, name)
	if err != nil {
		folded = name
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	prevHyphen := true
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevHyphen = false
		default:
			if !prevHyphen {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

package worklist

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stripDiacritics removes combining marks so "'s-Hertogenbosch" and café
// spellings from different source files compare equal.
var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// NormalizePostcode upper-cases a Dutch postcode and strips interior
// whitespace: "1011 ab" becomes "1011AB".
func NormalizePostcode(pc string) string {
	pc = strings.ToUpper(strings.TrimSpace(pc))
	return strings.ReplaceAll(pc, " ", "")
}

// NormalizeHouseNumber trims whitespace and upper-cases any suffix letter
// ("12 a" becomes "12A").
func NormalizeHouseNumber(nr string) string {
	nr = strings.ToUpper(strings.TrimSpace(nr))
	return strings.ReplaceAll(nr, " ", "")
}

// NormalizeText trims, collapses whitespace, and strips diacritics from a
// free-text field such as a city name.
func NormalizeText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	out, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		return s
	}
	return out
}

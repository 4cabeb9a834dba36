package surebet

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxDescriptionLength bounds descriptions in runes.
const MaxDescriptionLength = 500

// NormalizeDescription returns the NFC form of s with control characters
// removed and whitespace collapsed.
func NormalizeDescription(s string) string {
	s = strings.Join(strings.Fields(s), " ")

	t := transform.Chain(norm.NFC, runes.Remove(runes.In(unicode.Cc)))
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

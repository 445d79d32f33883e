package textutil

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// CleanText strips markup, normalises to NFC and collapses whitespace runs.
func CleanText(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	value = html.UnescapeString(plainTextPolicy.Sanitize(norm.NFC.String(value)))
	return strings.Join(strings.Fields(value), " ")
}

// DigitsOnly drops every non-digit rune, used for tax ids and phone numbers typed with separators.
func DigitsOnly(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

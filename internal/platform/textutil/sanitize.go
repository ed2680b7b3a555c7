package textutil

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var plainTextPolicy = bluemonday.StrictPolicy()

// SanitizePlainText strips markup from free text entered by customers or sellers, collapses
// whitespace and truncates the result to limit runes. A non-positive limit disables truncation.
func SanitizePlainText(value string, limit int) string {
	cleaned := plainTextPolicy.Sanitize(value)
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if limit > 0 && utf8.RuneCountInString(cleaned) > limit {
		runes := []rune(cleaned)
		cleaned = string(runes[:limit])
	}
	return cleaned
}

package policy

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// DefaultPreviewRunes caps prompt previews written to logs.
const DefaultPreviewRunes = 100

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Card before phone, or long card numbers match the phone pattern.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// PromptPreview returns a redacted, single-line prefix of a prompt that is
// safe to put in a log line.
func PromptPreview(prompt string, maxRunes int) string {
	if maxRunes <= 0 {
		maxRunes = DefaultPreviewRunes
	}
	redacted, _ := RedactPII(prompt)
	flat := strings.Join(strings.Fields(redacted), " ")
	if utf8.RuneCountInString(flat) <= maxRunes {
		return flat
	}
	return string([]rune(flat)[:maxRunes]) + "..."
}

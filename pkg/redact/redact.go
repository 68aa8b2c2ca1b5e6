// Package redact scrubs PII from caption text. Captions carry whatever
// participants say out loud, which routinely includes contact details and
// card numbers read over the phone.
package redact

import (
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
)

// Text redacts emails, card numbers and phone numbers.
func Text(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_NUMBER]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	// resident registration number: YYMMDD-NNNNNNN
	rrnRe = regexp.MustCompile(`\b\d{6}\s?-\s?[1-8]\d{6}\b`)
	// card numbers: 4 groups of 4 digits
	cardRe = regexp.MustCompile(`\b\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}\b`)
	// account numbers: dash separated digit groups, at least 10 digits overall
	accountRe = regexp.MustCompile(`\b\d{2,6}-\d{2,6}-\d{2,8}(-\d{1,4})?\b`)
	phoneRe   = regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails, resident registration numbers, card numbers,
// account numbers and phone numbers when enabled. Order matters: the more
// specific patterns run before the generic phone pattern.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = rrnRe.ReplaceAllString(out, "[REDACTED_RRN]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_CARD]")
	out = accountRe.ReplaceAllString(out, "[REDACTED_ACCOUNT]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

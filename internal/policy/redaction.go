// Package policy masks personal data in transcripts before they are stored.
package policy

import (
	"regexp"

	"go.uber.org/zap"
)

// Redactor turns text into a form safe to persist.
type Redactor interface {
	Redact(text string) string
}

type rule struct {
	name    string
	pattern *regexp.Regexp
	marker  string
}

// Order matters: card runs before phone so long digit runs are not read as
// phone numbers, and SSN/DOB run before phone for the same reason.
var rules = []rule{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{"mrn", regexp.MustCompile(`(?i)\b(?:MRN|medical record(?: number)?)[:#\s]*[A-Z0-9\-]{5,}\b`), "[REDACTED_MRN]"},
	{"card", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{"ssn", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED_SSN]"},
	{"dob", regexp.MustCompile(`\b(?:0?[1-9]|1[0-2])[/\-.](?:0?[1-9]|[12]\d|3[01])[/\-.](?:19|20)\d{2}\b`), "[REDACTED_DOB]"},
	{"dob", regexp.MustCompile(`\b(?:19|20)\d{2}-(?:0[1-9]|1[0-2])-(?:0[1-9]|[12]\d|3[01])\b`), "[REDACTED_DOB]"},
	{"phone", regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks common high-risk PII patterns.
func RedactPII(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.marker)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// PIIRedactor is the stock Redactor.
type PIIRedactor struct {
	logger *zap.Logger
}

func NewPIIRedactor(logger *zap.Logger) *PIIRedactor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PIIRedactor{logger: logger.With(zap.String("component", "redactor"))}
}

// Redact never fails. If masking panics the input is returned unchanged.
func (p *PIIRedactor) Redact(text string) (out string) {
	out = text
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("redaction panicked; passing text through", zap.Any("panic", r))
			out = text
		}
	}()
	redacted, changed := RedactPII(text)
	if changed {
		p.logger.Debug("redacted transcript", zap.Int("input_len", len(text)))
	}
	return redacted
}

// RedactorFunc adapts a function to Redactor.
type RedactorFunc func(string) string

func (f RedactorFunc) Redact(text string) string { return f(text) }

// Safe wraps r so a panic inside it returns the input unchanged.
func Safe(r Redactor, logger *zap.Logger) Redactor {
	if r == nil {
		return NewPIIRedactor(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return RedactorFunc(func(text string) (out string) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("redactor panicked; passing text through", zap.Any("panic", rec))
				out = text
			}
		}()
		return r.Redact(text)
	})
}

package outbox

import (
	"regexp"
	"strings"
)

const (
	maxErrorLength       = 512
	errorTruncatedSuffix = "... (truncated)"
	redactedValue        = "[REDACTED]"
)

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// Applied in order; URL credentials go first so the generic key=value rule
// does not eat the scheme.
var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`), `$1:` + redactedValue + `@`},
	{regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*`), "Bearer " + redactedValue},
	{regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`), redactedValue},
	{regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret|signature)\s*[:=]\s*([^\s,;]+)`), `$1=` + redactedValue},
	{regexp.MustCompile(`(?i)([?&](?:password|token|api[_-]?key|sig)=)([^&\s]+)`), `$1` + redactedValue},
	{regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`), redactedValue},
}

// SanitizeError renders err for the last_error column: secrets and
// addresses are redacted and the result is bounded.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage is SanitizeError for an already rendered message.
func SanitizeErrorMessage(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, r := range redactions {
		redacted = r.pattern.ReplaceAllString(redacted, r.replacement)
	}

	return truncate(redacted, maxErrorLength)
}

func truncate(msg string, maxRunes int) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffix := []rune(errorTruncatedSuffix)

	return string(runes[:maxRunes-len(suffix)]) + errorTruncatedSuffix
}

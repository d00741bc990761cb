// Package observability provides structured logging with sensitive data
// redaction for the credential broker.
package observability

import (
	"regexp"
)

// Redactor masks token material in log output. Audit lines reference
// credentials by id prefix; full secrets must never reach a sink.
type Redactor struct {
	patterns []*redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
	name        string
}

// NewRedactor creates a new redactor with default patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	r.addDefaultPatterns()
	return r
}

func (r *Redactor) addDefaultPatterns() {
	// OAuth access/refresh tokens issued by the vendor.
	r.AddPattern(`ya29\.[a-zA-Z0-9\-_\.]+`, "[REDACTED_ACCESS_TOKEN]", "access_token")
	r.AddPattern(`1//[a-zA-Z0-9\-_]{20,}`, "[REDACTED_REFRESH_TOKEN]", "refresh_token")

	// JWT-shaped tokens.
	r.AddPattern(`eyJ[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+\.[a-zA-Z0-9\-_]+`, "[REDACTED_JWT]", "jwt")

	// Bearer tokens and raw Authorization headers.
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_\.]+`, "Bearer [REDACTED]", "bearer_token")
	r.AddPattern(`Authorization:\s*[^\s]+`, "Authorization: [REDACTED]", "auth_header")

	// OAuth client secrets in URL-encoded bodies.
	r.AddPattern(`client_secret=[^&\s]+`, "client_secret=[REDACTED]", "client_secret")
	r.AddPattern(`refresh_token=[^&\s]+`, "refresh_token=[REDACTED]", "refresh_token_param")
}

// AddPattern adds a custom redaction pattern.
func (r *Redactor) AddPattern(pattern, replacement, name string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return // Skip invalid patterns
	}
	r.patterns = append(r.patterns, &redactPattern{
		regex:       regex,
		replacement: replacement,
		name:        name,
	})
}

// Redact applies all redaction patterns to the input string.
func (r *Redactor) Redact(input string) string {
	result := input
	for _, p := range r.patterns {
		result = p.regex.ReplaceAllString(result, p.replacement)
	}
	return result
}

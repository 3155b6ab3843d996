package logging

import (
	"log/slog"
	"net/url"
	"regexp"
	"strings"
)

// Redactor masks secrets in log attribute values.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// sensitiveKeys are attribute keys whose values are always masked.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"x-api-key":     true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"token":         true,
}

// NewRedactor creates a Redactor with the built-in patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []redactPattern{
			{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`), "Bearer ***"},
			{regexp.MustCompile(`\bsk-[a-zA-Z0-9]{6,}`), "sk-***"},
			{regexp.MustCompile(`\bkey:([A-Za-z0-9_\-]{4})[A-Za-z0-9_\-]+`), "key:${1}***"},
		},
	}
}

// RedactAttr returns a with secrets masked.
func (r *Redactor) RedactAttr(a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, "***")
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	return slog.String(a.Key, r.RedactString(a.Value.String()))
}

// RedactString masks secrets and URL credentials in s.
func (r *Redactor) RedactString(s string) string {
	if strings.Contains(s, "://") && strings.Contains(s, "@") {
		if u, err := url.Parse(s); err == nil && u.User != nil {
			s = u.Redacted()
		}
	}
	for _, p := range r.patterns {
		s = p.regex.ReplaceAllString(s, p.replacement)
	}
	return s
}

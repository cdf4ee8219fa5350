// Package redact strips credentials, keys, paths and other sensitive values
// from strings before they are logged or returned in error responses.
// Inference backends and storage drivers tend to echo URLs, object keys and
// SQL in their errors, so every error that leaves the process goes through
// Error first.
package redact

import (
	"net/url"
	"regexp"
)

// Placeholders substituted for redacted values.
const (
	RedactionPlaceholder          = "[REDACTED]"
	RedactedPathPlaceholder       = "[REDACTED_PATH]"
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedURIPlaceholder        = "[REDACTED_URI]"
)

type rule struct {
	pattern     *regexp.Regexp
	placeholder string
}

// rules run in order. Specific shapes (URLs with userinfo, JWTs, provider
// keys) come before the generic key=value and path patterns that would
// otherwise consume them partially.
var rules = []rule{
	{
		regexp.MustCompile(`(?:goroutine \d+|panic:)[\s\S]*?(\n\t.*)+`),
		"[STACK_TRACE_REDACTED]",
	},
	{
		regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|rediss?|mysql|mongodb|amqp|db|database|connection)://[^\s@/]+@`),
		RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
		"[REDACTED_JWT]",
	},
	{
		// Google API keys, as used by the Gemini backend.
		regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`),
		RedactedKeyPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-.~+/=]{8,}`),
		RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]?['"]?)[^'"&\s]{3,}`),
		RedactedCredentialPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)(api[_-]?key|token|secret|key|access|auth)(['"\s:=]+)[A-Za-z0-9_\-.~+/]{8,}`),
		RedactedKeyPlaceholder,
	},
	{
		regexp.MustCompile(`(AKIA|AccessKey(Id)?)([^a-zA-Z0-9])?[A-Z0-9]{8,}`),
		RedactedKeyPlaceholder,
	},
	{
		// Object storage references of images.
		regexp.MustCompile(`\b(?:gs|s3)://[^\s"':]+`),
		RedactedURIPlaceholder,
	},
	{
		regexp.MustCompile(`(?i)(SELECT|INSERT|UPDATE|DELETE|CREATE|ALTER|DROP|GRANT)[\s\w,*()]+(?:FROM|INTO|SET|TABLE|DATABASE|SCHEMA|VIEW)(?:[\s\w,*()='"]+)?`),
		"[REDACTED_SQL]",
	},
	{
		regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		"[REDACTED_EMAIL]",
	},
	{regexp.MustCompile(`(/[\w.-]+){2,}`), RedactedPathPlaceholder},
	{regexp.MustCompile(`[A-Za-z]:\\[^\\]+(\\[^\\]+)+`), RedactedPathPlaceholder},
	{regexp.MustCompile(`(?:at )?line ?\d+`), "[REDACTED_LINE_NUMBER]"},
	{regexp.MustCompile(`(?i)syntax error|syntax problem|parse error`), "[REDACTED_SYNTAX_ERROR]"},
	{
		regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}(?::\d{1,5})?\b`),
		"[REDACTED_HOST]",
	},
	{
		regexp.MustCompile(`(?i)(?:no such file|file not found|can't open|cannot open|file error)`),
		"[REDACTED_FILE_ERROR]",
	},
}

// String redacts sensitive information from input.
func String(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, r := range rules {
		result = r.pattern.ReplaceAllString(result, r.placeholder)
	}
	return result
}

// Error redacts sensitive information from err.Error().
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

// URL returns raw with any password removed, for logging connection
// settings. Unparseable input is redacted entirely.
func URL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return RedactionPlaceholder
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	return u.String()
}

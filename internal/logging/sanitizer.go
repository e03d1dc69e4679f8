package logging

import (
	"regexp"
)

const (
	// MaxQueryLogLength is the maximum length of a query written to the operator log.
	MaxQueryLogLength = 200
	// RedactedText replaces string literals and credentials.
	RedactedText = "[REDACTED]"
)

var (
	// single-quoted SQL string literals, with '' escapes
	stringLiteralPattern = regexp.MustCompile(`'(?:[^']|'')*'`)

	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass|secret|token)=[^;&\s]+`)

	bearerPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_.=]+`)
)

// SanitizeQuery masks string literals and truncates a query for logging.
// Literals in host queries often hold paths, usernames or hashes.
func SanitizeQuery(query string) string {
	if query == "" {
		return ""
	}
	sanitized := stringLiteralPattern.ReplaceAllString(query, "'"+RedactedText+"'")
	if len(sanitized) > MaxQueryLogLength {
		sanitized = sanitized[:MaxQueryLogLength] + "..."
	}
	return sanitized
}

// SanitizeString removes credential-looking values from free text such as
// webhook URLs or executor error output.
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	s = passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	return bearerPattern.ReplaceAllString(s, "Bearer "+RedactedText)
}

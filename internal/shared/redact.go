package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Patterns cover the secret shapes this process actually handles: the
// companion auth token, the gateway bearer token, and telegram bot tokens.
// Each pattern captures a keep-group (the key text) and a blank-group (the
// value).
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer|bot[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=:]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

var sensitiveKeyFragments = []string{
	"api_key", "apikey", "secret", "token", "password", "credential", "authorization",
}

// Redact blanks secret-bearing substrings, keeping the key text so log
// lines stay attributable.
func Redact(input string) string {
	if input == "" {
		return input
	}
	for _, pat := range secretPatterns {
		input = pat.ReplaceAllStringFunc(input, func(match string) string {
			groups := pat.FindStringSubmatch(match)
			if len(groups) >= 3 {
				return groups[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return input
}

// RedactKeyValue blanks value when the key name marks it as a secret, and
// returns it unchanged otherwise.
func RedactKeyValue(key, value string) string {
	keyLower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(keyLower, fragment) {
			return redactedPlaceholder
		}
	}
	return value
}

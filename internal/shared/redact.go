package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log/event/error strings.
var secretPatterns = []*regexp.Regexp{
	// key=value style secrets
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|webhook[_-]?secret|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// HMAC signature headers (sha256=<hex>, v0=<hex>)
	regexp.MustCompile(`(?i)((?:sha256|v0)=)([0-9a-f]{32,})`),
	// Telegram bot tokens embedded in API URLs
	regexp.MustCompile(`(/bot)([0-9]{6,}:[A-Za-z0-9_\-]{30,})`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the prefix group, redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// secretKeyParts mark an attribute, header or env name as secret-bearing.
var secretKeyParts = []string{"token", "secret", "password", "credential", "authorization", "api_key", "apikey", "bearer", "signature"}

// IsSecretKey reports whether a key name looks like it holds a secret.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, part := range secretKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// Package safety finds secrets in executor output before it leaves the relay.
package safety

import (
	"regexp"
)

const redacted = "[REDACTED]"

// LeakWarning describes a detected secret in outbound text.
type LeakWarning struct {
	Pattern string
	Sample  string // first few chars of the match, for logging
}

// LeakDetector scans strings for leaked secrets.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`xox[abprs]-[A-Za-z0-9-]{10,}`),
		desc: "Slack token",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
		desc: "API secret key",
	},
	{
		re:   regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		desc: "AWS access key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan checks text for leaked secrets without modifying it.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(text, 3) // at most 3 samples per pattern
		for _, match := range matches {
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample(match)})
		}
	}
	return warnings
}

// Scrub replaces every detected secret with [REDACTED] and reports what
// was removed. Text without secrets comes back unchanged.
func (d *LeakDetector) Scrub(text string) (string, []LeakWarning) {
	warnings := d.Scan(text)
	if len(warnings) == 0 {
		return text, nil
	}
	for _, pat := range leakPatterns {
		text = pat.re.ReplaceAllString(text, redacted)
	}
	return text, warnings
}

func sample(match string) string {
	if len(match) > 8 {
		return match[:4] + "..."
	}
	return "..."
}

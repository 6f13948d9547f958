// Package redact provides helpers for stripping secret material from log
// output before it leaves the process boundary.
//
// # Threat model
//
// Fetched secret values and provider credentials must never appear in:
//   - Log lines emitted by the broker
//   - Audit records appended to the JSONL log
//   - Notification-channel messages
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms. It is NOT a substitute
// for keeping secrets out of log call-sites in the first place.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(cliStderr, serviceToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a copy of m with values replaced by [REDACTED] for every key
// whose name suggests it contains a secret (password, token, secret,
// credential, auth, value). The broker applies this to provider and channel
// configuration sections before logging them at startup.
func Map(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isSensitiveKey(k) && v != "" {
			out[k] = placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "credential", "auth", "apikey", "value"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

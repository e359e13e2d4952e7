// Package redact strips credentials (LLM API keys, Matrix access tokens,
// Discord bot tokens) from strings and maps before they are logged.
//
// Redaction works on string representations and relies on callers passing
// the right values. Keep secrets out of log call sites in the first place.
package redact

import "strings"

const placeholder = "[REDACTED]"

// minSecretLen guards against redacting short common substrings.
const minSecretLen = 4

// String replaces every occurrence of each sensitive value in s.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < minSecretLen {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Secret renders a credential for display: empty stays empty, anything else
// becomes the placeholder.
func Secret(v string) string {
	if v == "" {
		return ""
	}
	return placeholder
}

// Map returns a copy of m where non-empty string values under keys that look
// like credentials are replaced. Nested maps are handled recursively.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = Map(tv)
		case string:
			if tv != "" && isSensitiveKey(k) {
				out[k] = placeholder
			} else {
				out[k] = tv
			}
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "token", "secret", "apikey", "api_key", "credential"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

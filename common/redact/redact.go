// Package redact strips credentials from strings and config dumps before they
// reach logs or the terminal.
//
// The Matrix access token (bot_token) is the only real secret Kotae handles.
// It may leak into error strings returned by the HTTP layer (URLs, headers),
// so every error that is logged together with connection details should be
// passed through String first.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Error is String applied to err.Error(). A nil error yields "".
func Error(err error, sensitiveValues ...string) string {
	if err == nil {
		return ""
	}
	return String(err.Error(), sensitiveValues...)
}

// Mask hides all but the last four characters of a credential so operators
// can tell which token is configured without seeing it.
func Mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return placeholder
	}
	return strings.Repeat("*", 8) + v[len(v)-4:]
}

// Map returns a shallow copy of m with string values masked for every key
// whose name suggests it holds a secret (token, password, secret, key).
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if str, ok := v.(string); ok && str != "" && isSensitiveKey(k) {
			out[k] = Mask(str)
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"token", "password", "passwd", "secret", "api_key", "apikey", "credential"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

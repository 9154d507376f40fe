package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":     {},
	"env":         {},
	"message":     {},
	"severity":    {},
	"timestamp":   {},
	"error":       {},
	"reason":      {},
	"component":   {},
	"route":       {},
	"method":      {},
	"status":      {},
	"request_id":  {},
	"milestone":   {},
	"instruction": {},
	"kind":        {},
	"role":        {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// MaskTail keeps the last n characters of a value and masks the rest, so
// operators can correlate subjects and wallet addresses without logging them.
func MaskTail(value string, n int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	if n <= 0 || len(value) <= n {
		return RedactedValue
	}
	return "..." + value[len(value)-n:]
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted. The original key casing is preserved for readability.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

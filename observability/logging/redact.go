package logging

import (
	"log/slog"
	"path/filepath"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"component": {},
	"account":   {},
	"tx":        {},
	"nonce":     {},
	"attempt":   {},
	"status":    {},
	"listen":    {},
	"url":       {},
}

// IsAllowlisted reports whether the provided key is exempt from automatic redaction.
func IsAllowlisted(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	_, ok := redactionAllowlist[normalized]
	return ok
}

// MaskValue returns the redacted placeholder for non-empty values.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr that redacts the supplied value unless the key is
// explicitly allowlisted.
func MaskField(key, value string) slog.Attr {
	if IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, MaskValue(value))
}

// MaskPath keeps only the base name of a secret-bearing file path so operators
// can tell which file was loaded without exposing directory layout.
func MaskPath(key, path string) slog.Attr {
	if strings.TrimSpace(path) == "" {
		return slog.String(key, "")
	}
	return slog.String(key, ".../"+filepath.Base(path))
}

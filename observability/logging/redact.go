package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys that never carry secrets. Everything else passed through MaskField is
// hidden when non-empty.
var safeKeys = map[string]struct{}{
	"service":   {},
	"env":       {},
	"component": {},
	"method":    {},
	"reason":    {},
	"error":     {},
	"orderid":   {},
	"caller":    {},
	"requestid": {},
}

func isSafeKey(key string) bool {
	_, ok := safeKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskBearer keeps the scheme of an Authorization header and hides the
// credential.
func MaskBearer(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return trimmed
	}
	scheme, _, found := strings.Cut(trimmed, " ")
	if !found {
		return RedactedValue
	}
	return scheme + " " + RedactedValue
}

// MaskField logs value verbatim only for known-safe keys.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || isSafeKey(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

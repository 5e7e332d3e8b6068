package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys that never carry secrets.
var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"component": {},
	"peer":      {},
	"account":   {},
	"prefix":    {},
	"error":     {},
}

// IsAllowlisted reports whether key is exempt from redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute whose value is redacted unless key is
// allowlisted or the value is empty. Bearer tokens and the routing secret are
// logged through it.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

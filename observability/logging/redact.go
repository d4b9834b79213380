package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue replaces secret material in log output.
const RedactedValue = "[REDACTED]"

// Keys whose values are secret-bearing wherever they appear. Participant
// PIDs are public identifiers and stay readable; key material, signatures,
// bearer tokens and payment nonces never reach the log stream.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"jwt":           {},
	"jwt_secret":    {},
	"authorization": {},
	"signature":     {},
	"public_key":    {},
	"private_key":   {},
	"secret":        {},
	"nonce":         {},
	"challenge":     {},
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// SensitiveKeys returns a sorted copy of the masked key set. Tests use this
// to ensure secret-bearing keys stay covered.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through so absent fields stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds an attribute whose value is always masked. Call sites
// use it for secrets carried under keys outside the static set.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}

// sanitizeAttr masks string values under sensitive keys. The JSON handler
// runs it on every attribute so engines cannot leak key material by
// accident.
func sanitizeAttr(attr slog.Attr) slog.Attr {
	if !IsSensitive(attr.Key) {
		return attr
	}
	if attr.Value.Kind() != slog.KindString {
		return slog.String(attr.Key, RedactedValue)
	}
	return slog.String(attr.Key, MaskValue(attr.Value.String()))
}

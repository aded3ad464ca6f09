package security

import (
	"regexp"
	"strings"
)

// Redacted replaces sensitive values.
const Redacted = "***"

// sensitiveKey matches field names that carry credentials or signatures.
var sensitiveKey = regexp.MustCompile(`(?i)(token|passw(or)?d|pwd|passphrase|secret|credential|authorization|bearer|jwt|cookie|session|signature|hmac|api_?key|access_?key|private_?key|dsn)`)

// Names that match sensitiveKey but only identify a secret.
var identifiers = map[string]struct{}{
	"secret_name": {},
	"secret_ref":  {},
	"session_id":  {},
}

// IsSensitiveKey reports whether a field name should never be logged or stored.
func IsSensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if _, ok := identifiers[key]; ok {
		return false
	}
	return sensitiveKey.MatchString(key)
}

// RedactArguments returns a deep copy of values with sensitive keys masked.
// The input is never modified.
func RedactArguments(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	return redact(values).(map[string]any)
}

func redact(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			if IsSensitiveKey(key) {
				out[key] = Redacted
			} else {
				out[key] = redact(item)
			}
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for key, item := range v {
			if IsSensitiveKey(key) {
				item = Redacted
			}
			out[key] = item
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redact(item)
		}
		return out
	case []map[string]any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			out[i] = RedactArguments(item)
		}
		return out
	default:
		return value
	}
}

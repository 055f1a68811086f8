package shared

import (
	"encoding/json"
	"regexp"
)

const (
	redactMaxDepth      = 4
	redactMaxArrayItems = 50
	redactMaxStringLen  = 2000
	redactedPlaceholder = "[REDACTED]"
)

var secretKeyPattern = regexp.MustCompile(`(?i)(token|authorization|secret|password)`)

// RedactPayload produces a bounded, PII-safe representation of an arbitrary JSON payload
// for logging: keys matching secretKeyPattern are replaced, strings longer than
// redactMaxStringLen are truncated, arrays longer than redactMaxArrayItems are truncated,
// and nesting below redactMaxDepth is collapsed. It is a pure function so callers can unit
// test the redaction rules without wiring a logger.
func RedactPayload(raw json.RawMessage) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "<unparseable payload>"
	}

	redacted := redactValue(v, 0)
	out, err := json.Marshal(redacted)
	if err != nil {
		return "<unrepresentable payload>"
	}
	return string(out)
}

func redactValue(v interface{}, depth int) interface{} {
	if depth >= redactMaxDepth {
		return "[TRUNCATED]"
	}

	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, elem := range val {
			if secretKeyPattern.MatchString(k) {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = redactValue(elem, depth+1)
		}
		return out
	case []interface{}:
		limit := len(val)
		truncated := false
		if limit > redactMaxArrayItems {
			limit = redactMaxArrayItems
			truncated = true
		}
		out := make([]interface{}, 0, limit+1)
		for i := 0; i < limit; i++ {
			out = append(out, redactValue(val[i], depth+1))
		}
		if truncated {
			out = append(out, "[TRUNCATED]")
		}
		return out
	case string:
		if len(val) > redactMaxStringLen {
			return val[:redactMaxStringLen] + "...[TRUNCATED]"
		}
		return val
	default:
		return val
	}
}

// IsSecretKey reports whether a key name looks like it carries a credential, matching the
// same case-insensitive pattern RedactPayload uses for nested map keys.
func IsSecretKey(key string) bool {
	return secretKeyPattern.MatchString(key)
}

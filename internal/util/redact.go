package util

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const redactedValue = "[REDACTED]"

// RedactSensitiveJSON attempts to redact sensitive fields from a JSON payload.
// If the payload is not valid JSON, it returns the original bytes.
func RedactSensitiveJSON(body []byte) []byte {
	trim := strings.TrimSpace(string(body))
	if trim == "" || !gjson.Valid(trim) {
		return body
	}
	if !strings.HasPrefix(trim, "{") && !strings.HasPrefix(trim, "[") {
		return body
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return body
	}
	out, err := json.Marshal(redactValue(v))
	if err != nil {
		return body
	}
	return out
}

// RedactPath replaces the value at the gjson path with a masked form of itself.
// Missing paths and non-string values are left alone.
func RedactPath(body []byte, path string) []byte {
	res := gjson.GetBytes(body, path)
	if !res.Exists() || res.Type != gjson.String {
		return body
	}
	out, err := sjson.SetBytes(body, path, MaskToken(res.String()))
	if err != nil {
		return body
	}
	return out
}

// MaskToken keeps a recognisable prefix of a token and hides the rest.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	switch {
	case token == "":
		return ""
	case len(token) <= 8:
		return redactedValue
	default:
		return token[:4] + "..." + token[len(token)-4:]
	}
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if isSensitiveKey(k) {
				t[k] = redactedValue
				continue
			}
			t[k] = redactValue(val)
		}
		return t
	case []any:
		for i := range t {
			t[i] = redactValue(t[i])
		}
		return t
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	switch {
	case strings.Contains(k, "authorization"),
		strings.Contains(k, "cookie"),
		strings.Contains(k, "api_key"),
		strings.Contains(k, "apikey"),
		strings.Contains(k, "secret"),
		strings.Contains(k, "token"),
		strings.Contains(k, "device_code"),
		strings.Contains(k, "devicecode"),
		strings.Contains(k, "password"):
		return true
	default:
		return false
	}
}

// MaskSensitiveQuery hides the values of sensitive query parameters in a raw query string.
func MaskSensitiveQuery(raw string) string {
	if raw == "" {
		return raw
	}
	parts := strings.Split(raw, "&")
	for i, part := range parts {
		key, _, found := strings.Cut(part, "=")
		if found && isSensitiveKey(key) {
			parts[i] = key + "=" + redactedValue
		}
	}
	return strings.Join(parts, "&")
}

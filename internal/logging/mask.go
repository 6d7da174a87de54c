package logging

import "strings"

// MaskedValue replaces sensitive values in logged payloads.
const MaskedValue = "***MASKED***"

var sensitiveKeys = []string{
	"password",
	"api_key",
	"secret",
	"token",
	"auth",
	"authorization",
	"key",
	"private",
}

// IsSensitiveKey reports whether a payload key must not be logged in clear.
// Matching is by case-insensitive substring, so "user_password" and
// "X-Api-Key" are both caught.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// MaskSensitive returns a deep copy of data with sensitive values replaced.
func MaskSensitive(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch v.(type) {
		case map[string]any, []any:
			// containers are descended into even under a sensitive key
			out[k] = maskValue(v)
		default:
			if IsSensitiveKey(k) {
				out[k] = MaskedValue
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// MaskHeaders masks the values of sensitive header names.
func MaskHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if IsSensitiveKey(k) {
			v = MaskedValue
		}
		out[k] = v
	}
	return out
}

func maskValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return MaskSensitive(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = maskValue(item)
		}
		return out
	default:
		return v
	}
}

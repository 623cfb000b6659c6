package gateway

import (
	"strings"
	"unicode/utf8"
)

// SanitizeArgs returns a sanitized copy of args. Map keys are left untouched.
func SanitizeArgs(args map[string]any, maxString, maxItems int) map[string]any {
	if args == nil {
		return nil
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = Sanitize(v, maxString, maxItems)
	}
	return out
}

// Sanitize trims and caps strings at maxString characters and caps lists at
// maxItems elements, recursing into nested lists and maps.
func Sanitize(v any, maxString, maxItems int) any {
	switch t := v.(type) {
	case string:
		return capString(strings.TrimSpace(t), maxString)
	case []any:
		n := min(len(t), maxItems)
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = Sanitize(t[i], maxString, maxItems)
		}
		return out
	case []string:
		n := min(len(t), maxItems)
		out := make([]string, n)
		for i := 0; i < n; i++ {
			out[i] = capString(strings.TrimSpace(t[i]), maxString)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Sanitize(val, maxString, maxItems)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, val := range t {
			out[k] = capString(strings.TrimSpace(val), maxString)
		}
		return out
	default:
		return v
	}
}

func capString(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	i, n := 0, 0
	for i < len(s) && n < max {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n++
	}
	return s[:i]
}

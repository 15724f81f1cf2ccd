package assembler

import (
	"strconv"
	"strings"
)

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func toStr(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return strconv.FormatFloat(toFloat(v, 0), 'f', -1, 64)
}

// toStrOr mirrors the original's "?"-default coercion used for nozzle_type,
// nozzle_diameter and wifi_signal: missing keys default to "?", present keys
// stringify as-is.
func toStrOr(v any, present bool, fallback string) string {
	if !present || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return toStr(v)
}

func toFloat(v any, def float64) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return def
		}
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

func toInt(v any, def int) int {
	return int(toFloat(v, float64(def)))
}

// parseSlotInt parses AMS slot/bitfield values, which arrive hex-encoded
// over the wire ("f", "0x0f") but sometimes as plain decimals or numbers.
// Strings carrying hex digits or a 0x prefix parse base 16, everything
// else base 10.
func parseSlotInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case float32:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		raw := strings.TrimSpace(t)
		if raw == "" {
			return 0, false
		}
		base := 10
		if rest, ok := cutHexPrefix(raw); ok {
			raw = rest
			base = 16
		} else if strings.ContainsAny(raw, "abcdefABCDEF") {
			base = 16
		}
		if parsed, err := strconv.ParseInt(raw, base, 64); err == nil {
			return parsed, true
		}
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return parsed, true
		}
		return 0, false
	default:
		return 0, false
	}
}

func cutHexPrefix(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "0x"); ok {
		return rest, true
	}
	return strings.CutPrefix(s, "0X")
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "1", "true", "on", "yes", "enable", "enabled":
			return true
		}
		return false
	default:
		return false
	}
}

func toIntList(v any) []int {
	items := asSlice(v)
	if items == nil {
		return []int{}
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		out = append(out, toInt(item, 0))
	}
	return out
}

package apiclient

import "encoding/json"

// Dig walks nested map[string]any values by key. Returns nil when any step is
// missing or not an object. Upstream payloads are deep and optional-everywhere;
// this keeps callers from drowning in type assertions.
func Dig(v any, keys ...string) any {
	for _, k := range keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v, ok = m[k]
		if !ok {
			return nil
		}
	}
	return v
}

// DigString returns the string at the key path, or "".
func DigString(v any, keys ...string) string {
	s, _ := Dig(v, keys...).(string)
	return s
}

// DigInt returns the integer at the key path. Numbers decode as json.Number
// (DecodeLenient uses UseNumber), but upstreams also send numeric strings.
func DigInt(v any, keys ...string) (int, bool) {
	switch n := Dig(v, keys...).(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case float64:
		return int(n), true
	case string:
		var num json.Number = json.Number(n)
		i, err := num.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// DigSlice returns the array at the key path, or nil.
func DigSlice(v any, keys ...string) []any {
	s, _ := Dig(v, keys...).([]any)
	return s
}

package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReplacementMap maps a decoded scalar to a replacement scalar. Keys are
// stored in canonical form (see canonicalScalar) so that a configured 15
// matches a decoded 15, 15.0 or "15", and a configured false matches a
// decoded false or 0. A nil replacement value disables replacement for that
// key; per-key merging uses this to cancel a broader pattern's entry.
type ReplacementMap map[string]any

// UnmarshalYAML decodes a YAML mapping whose keys may be numbers, booleans
// or strings, canonicalizing each key at load time so lookups stay a single
// map access.
func (m *ReplacementMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("value_replacement must be a mapping, got %s", node.Tag)
	}
	out := make(ReplacementMap, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key, value any
		if err := node.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("decoding value_replacement key: %w", err)
		}
		if err := node.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("decoding value_replacement value: %w", err)
		}
		canonical, ok := canonicalScalar(key)
		if !ok {
			return fmt.Errorf("value_replacement key %v is not a scalar", key)
		}
		out[canonical] = value
	}
	*m = out
	return nil
}

// canonicalScalar maps every supported scalar kind to a single comparable
// form: booleans and numeric-looking strings collapse onto the numeric
// representation, all other strings stand for themselves. The boolean
// false therefore shares a canonical form with 0 and "0".
func canonicalScalar(v any) (string, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return "1", true
		}
		return "0", true
	case int:
		return formatFloat(float64(t)), true
	case int64:
		return formatFloat(float64(t)), true
	case float64:
		return formatFloat(t), true
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return formatFloat(f), true
		}
		return t.String(), true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return formatFloat(f), true
		}
		return t, true
	default:
		return "", false
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// NormalizeValue resolves a decoded payload value to the form a Record can
// carry: a float64, or a string for observations that have no numeric
// reading (the builder turns those into info points).
//
// The replacement map is consulted before any conversion, so a replacement
// can rewrite booleans or sentinel strings ahead of the numeric parse. A
// replacement's own value passes through the same conversion, and an
// unreplaced numeric string is looked up again in numeric form, so a
// configured 0 still catches a decoded "0". Values that are neither numeric
// nor strings resolve to -1.
func NormalizeValue(v any, replacements ReplacementMap, maxStrLen int) any {
	replaced := false
	if len(replacements) > 0 {
		lookup := v
		if s, ok := v.(string); ok {
			lookup = truncateString(s, maxStrLen)
		}
		if key, ok := canonicalScalar(lookup); ok {
			if rv, found := replacements[key]; found && rv != nil {
				v = rv
				replaced = true
			}
		}
	}

	switch t := v.(type) {
	case bool:
		if t {
			return float64(1)
		}
		return float64(0)
	case float64:
		if !isFinite(t) {
			return float64(-1)
		}
		return t
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		if f, err := t.Float64(); err == nil && isFinite(f) {
			return f
		}
		return float64(-1)
	case string:
		// ParseFloat also accepts "nan" and "inf" spellings; a record cannot
		// carry those, so they take the info path with their original text.
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil && isFinite(f) {
			if replaced {
				return f
			}
			// The numeric form may itself have a replacement configured.
			return NormalizeValue(f, replacements, maxStrLen)
		}
		return truncateString(t, maxStrLen)
	default:
		return float64(-1)
	}
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// truncateString caps a string at max runes. Non-positive max disables
// truncation.
func truncateString(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

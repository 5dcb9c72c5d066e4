package metrics

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Payload keys with structural meaning.
const (
	valueKey     = "value"
	valuesKey    = "values"
	timestampKey = "timestamp"
)

// DecodedPoint is one measurement derived from a payload, before override
// resolution and value replacement. Value holds the raw decoded scalar
// (json.Number, string, bool or nil); NormalizeValue settles its final form.
type DecodedPoint struct {
	// Subkey names the measurement inside a multi-value payload, e.g.
	// "indoor". Empty for single-value payloads.
	Subkey string
	// Value is the raw decoded scalar.
	Value any
	// Timestamp is in unix seconds, already defaulted: a point-local
	// timestamp wins, then the enclosing object's, then the receive time.
	Timestamp int64
	// Tags are the payload-derived tags, outer common tags merged with the
	// point's own siblings (the point's own win on collision).
	Tags map[string]string
}

// DecodePayload turns raw payload bytes into an ordered sequence of points.
// It never fails: malformed JSON and unrecognized shapes degrade to the
// string path, which yields either a numeric point or an info point once the
// value is normalized. NUL padding and surrounding whitespace are stripped
// before inspection.
//
// multiValue applies the resolved override's json_multi_value flag: a JSON
// object with neither a "value" nor a "values" key is then treated as a map
// of subkey → measurement.
func DecodePayload(payload []byte, multiValue bool, receivedAt time.Time) []DecodedPoint {
	raw := cleanPayload(payload)
	received := receivedAt.Unix()

	// Plain numeric literals are by far the most common payload.
	if _, err := strconv.ParseFloat(raw, 64); err == nil {
		return []DecodedPoint{{Value: raw, Timestamp: received}}
	}

	decoded, ok := decodeJSON(raw)
	if !ok {
		return []DecodedPoint{{Value: raw, Timestamp: received}}
	}

	switch t := decoded.(type) {
	case map[string]any:
		return decodeObject(t, multiValue, received)
	case []any:
		return decodeList(t, multiValue, received)
	default:
		// JSON scalar: number, bool, string or null.
		return []DecodedPoint{{Value: decoded, Timestamp: received}}
	}
}

func cleanPayload(payload []byte) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(string(payload)), "\x00"))
}

// decodeJSON parses the whole string as a single JSON value, preserving
// numeric literals as json.Number.
func decodeJSON(raw string) (any, bool) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	// Trailing content means this was not a single JSON value.
	if dec.More() {
		return nil, false
	}
	return v, true
}

// decodeObject handles the JSON-object payload forms: a "values" map or
// list, a single-value object, or (under json_multi_value) a map whose every
// key is a subkey.
func decodeObject(obj map[string]any, multiValue bool, received int64) []DecodedPoint {
	if values, ok := obj[valuesKey]; ok {
		switch vv := values.(type) {
		case map[string]any:
			common, commonTs := commonTags(obj, received)
			points := make([]DecodedPoint, 0, len(vv))
			for _, subkey := range sortedKeys(vv) {
				points = append(points, decodeEntry(subkey, vv[subkey], common, commonTs)...)
			}
			return points
		case []any:
			common, commonTs := commonTags(obj, received)
			points := make([]DecodedPoint, 0, len(vv))
			for _, element := range vv {
				points = append(points, decodeEntry("", element, common, commonTs)...)
			}
			return points
		}
		// A scalar "values" key has no multi-value meaning; fall through and
		// treat it as an ordinary sibling.
	}

	if _, ok := obj[valueKey]; ok || !multiValue {
		return []DecodedPoint{pointFromObject(obj, "", nil, received)}
	}

	// json_multi_value: every key is itself a subkey.
	points := make([]DecodedPoint, 0, len(obj))
	for _, subkey := range sortedKeys(obj) {
		entry := obj[subkey]
		if list, ok := entry.([]any); ok {
			for _, element := range list {
				points = append(points, decodeEntry(subkey, element, nil, received)...)
			}
			continue
		}
		points = append(points, decodeEntry(subkey, entry, nil, received)...)
	}
	return points
}

// decodeList handles a top-level JSON list: one point per element, or, under
// json_multi_value, each element's keys become subkeys.
func decodeList(list []any, multiValue bool, received int64) []DecodedPoint {
	points := make([]DecodedPoint, 0, len(list))
	for _, element := range list {
		if multiValue {
			if obj, ok := element.(map[string]any); ok {
				for _, subkey := range sortedKeys(obj) {
					points = append(points, decodeEntry(subkey, obj[subkey], nil, received)...)
				}
				continue
			}
		}
		points = append(points, decodeEntry("", element, nil, received)...)
	}
	return points
}

// decodeEntry turns one measurement entry, scalar or object, into points.
func decodeEntry(subkey string, entry any, common map[string]string, commonTs int64) []DecodedPoint {
	if obj, ok := entry.(map[string]any); ok {
		return []DecodedPoint{pointFromObject(obj, subkey, common, commonTs)}
	}
	return []DecodedPoint{{
		Subkey:    subkey,
		Value:     entry,
		Timestamp: commonTs,
		Tags:      copyTags(common),
	}}
}

// pointFromObject builds a point from an object carrying its own "value",
// optional "timestamp" and tag siblings. An absent value defaults to -1.
func pointFromObject(obj map[string]any, subkey string, common map[string]string, commonTs int64) DecodedPoint {
	point := DecodedPoint{
		Subkey:    subkey,
		Value:     any(float64(-1)),
		Timestamp: commonTs,
		Tags:      copyTags(common),
	}
	if v, ok := obj[valueKey]; ok {
		point.Value = v
	}
	if ts, ok := obj[timestampKey]; ok {
		if parsed, ok := parseTimestamp(ts); ok {
			point.Timestamp = parsed
		}
	}
	for key, v := range obj {
		if key == valueKey || key == timestampKey {
			continue
		}
		if s, ok := stringifyTag(v); ok {
			if point.Tags == nil {
				point.Tags = make(map[string]string)
			}
			point.Tags[key] = s
		}
	}
	return point
}

// commonTags extracts the scalar siblings of a "values" key, shared by every
// point of the payload, and the payload-level timestamp if one is present.
func commonTags(obj map[string]any, received int64) (map[string]string, int64) {
	ts := received
	if v, ok := obj[timestampKey]; ok {
		if parsed, ok := parseTimestamp(v); ok {
			ts = parsed
		}
	}
	var tags map[string]string
	for key, v := range obj {
		if key == valuesKey || key == timestampKey {
			continue
		}
		if s, ok := stringifyTag(v); ok {
			if tags == nil {
				tags = make(map[string]string)
			}
			tags[key] = s
		}
	}
	return tags, ts
}

// stringifyTag converts a scalar sibling into a tag value. Non-scalar
// siblings (nested objects, lists) carry no tag meaning and are dropped.
func stringifyTag(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

// parseTimestamp accepts numeric timestamps and numeric strings, in unix
// seconds. Anything else falls back to the inherited timestamp.
func parseTimestamp(v any) (int64, bool) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, true
		}
		if f, err := t.Float64(); err == nil {
			return int64(f), true
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return i, true
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return int64(f), true
		}
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyTags(tags map[string]string) map[string]string {
	if tags == nil {
		return nil
	}
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

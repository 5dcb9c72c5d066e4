package metrics_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illmade-knight/go-tsbridge/pkg/metrics"
)

var receivedAt = time.Unix(1700000000, 0).UTC()

func TestDecodePayload_NumericLiteral(t *testing.T) {
	points := metrics.DecodePayload([]byte("23.5"), false, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, "23.5", points[0].Value)
	assert.Empty(t, points[0].Subkey)
	assert.Equal(t, receivedAt.Unix(), points[0].Timestamp)
}

func TestDecodePayload_PaddedNumericLiteral(t *testing.T) {
	points := metrics.DecodePayload([]byte("  42\x00\x00"), false, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, "42", points[0].Value)
}

func TestDecodePayload_BareString(t *testing.T) {
	points := metrics.DecodePayload([]byte("too hot"), false, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, "too hot", points[0].Value)
}

func TestDecodePayload_JSONScalars(t *testing.T) {
	points := metrics.DecodePayload([]byte("true"), false, receivedAt)
	require.Len(t, points, 1)
	assert.Equal(t, true, points[0].Value)

	points = metrics.DecodePayload([]byte(`"ok"`), false, receivedAt)
	require.Len(t, points, 1)
	assert.Equal(t, "ok", points[0].Value)
}

func TestDecodePayload_SingleValueObject(t *testing.T) {
	payload := []byte(`{"value": 23.5, "timestamp": 1600000000, "unit": "celsius"}`)
	points := metrics.DecodePayload(payload, false, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, json.Number("23.5"), points[0].Value)
	assert.Equal(t, int64(1600000000), points[0].Timestamp)
	assert.Equal(t, map[string]string{"unit": "celsius"}, points[0].Tags)
}

func TestDecodePayload_ObjectWithoutValue(t *testing.T) {
	// Without json_multi_value an object with no "value" key degrades to a
	// single point with the default value.
	points := metrics.DecodePayload([]byte(`{"state": "on"}`), false, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, float64(-1), points[0].Value)
	assert.Equal(t, map[string]string{"state": "on"}, points[0].Tags)
}

func TestDecodePayload_ValuesMap(t *testing.T) {
	payload := []byte(`{"values": {"outdoor": 5.5, "indoor": 21.0}, "timestamp": 1600000000, "battery": "78"}`)
	points := metrics.DecodePayload(payload, false, receivedAt)

	require.Len(t, points, 2)
	// Subkeys are emitted in sorted order.
	assert.Equal(t, "indoor", points[0].Subkey)
	assert.Equal(t, json.Number("21.0"), points[0].Value)
	assert.Equal(t, "outdoor", points[1].Subkey)
	assert.Equal(t, json.Number("5.5"), points[1].Value)

	for _, p := range points {
		assert.Equal(t, int64(1600000000), p.Timestamp)
		assert.Equal(t, "78", p.Tags["battery"])
	}
}

func TestDecodePayload_ValuesMapNestedObjects(t *testing.T) {
	payload := []byte(`{"values": {"indoor": {"value": 21, "sensor": "a"}, "outdoor": {"value": 5, "timestamp": 1500000000}}}`)
	points := metrics.DecodePayload(payload, false, receivedAt)

	require.Len(t, points, 2)
	assert.Equal(t, "indoor", points[0].Subkey)
	assert.Equal(t, json.Number("21"), points[0].Value)
	assert.Equal(t, "a", points[0].Tags["sensor"])
	assert.Equal(t, receivedAt.Unix(), points[0].Timestamp)

	// A point-local timestamp wins over the inherited one.
	assert.Equal(t, int64(1500000000), points[1].Timestamp)
}

func TestDecodePayload_ValuesList(t *testing.T) {
	payload := []byte(`{"values": [1, 2, 3]}`)
	points := metrics.DecodePayload(payload, false, receivedAt)

	require.Len(t, points, 3)
	for i, want := range []string{"1", "2", "3"} {
		assert.Equal(t, json.Number(want), points[i].Value)
		assert.Empty(t, points[i].Subkey)
	}
}

func TestDecodePayload_ScalarValuesKeyIsOrdinarySibling(t *testing.T) {
	payload := []byte(`{"values": 7, "value": 1}`)
	points := metrics.DecodePayload(payload, false, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, json.Number("1"), points[0].Value)
	assert.Equal(t, "7", points[0].Tags["values"])
}

func TestDecodePayload_MultiValueObject(t *testing.T) {
	payload := []byte(`{"temperature": 21.5, "humidity": 60}`)
	points := metrics.DecodePayload(payload, true, receivedAt)

	require.Len(t, points, 2)
	assert.Equal(t, "humidity", points[0].Subkey)
	assert.Equal(t, json.Number("60"), points[0].Value)
	assert.Equal(t, "temperature", points[1].Subkey)
	assert.Equal(t, json.Number("21.5"), points[1].Value)
}

func TestDecodePayload_MultiValueObjectWithValueKey(t *testing.T) {
	// A "value" key always wins over subkey explosion.
	payload := []byte(`{"value": 3, "temperature": 21.5}`)
	points := metrics.DecodePayload(payload, true, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, json.Number("3"), points[0].Value)
	assert.Equal(t, "21.5", points[0].Tags["temperature"])
}

func TestDecodePayload_MultiValueObjectWithListEntry(t *testing.T) {
	payload := []byte(`{"readings": [1, 2]}`)
	points := metrics.DecodePayload(payload, true, receivedAt)

	require.Len(t, points, 2)
	assert.Equal(t, "readings", points[0].Subkey)
	assert.Equal(t, json.Number("1"), points[0].Value)
	assert.Equal(t, "readings", points[1].Subkey)
	assert.Equal(t, json.Number("2"), points[1].Value)
}

func TestDecodePayload_TopLevelList(t *testing.T) {
	payload := []byte(`[{"value": 1}, {"value": 2, "timestamp": 1500000000}]`)
	points := metrics.DecodePayload(payload, false, receivedAt)

	require.Len(t, points, 2)
	assert.Equal(t, json.Number("1"), points[0].Value)
	assert.Equal(t, receivedAt.Unix(), points[0].Timestamp)
	assert.Equal(t, int64(1500000000), points[1].Timestamp)
}

func TestDecodePayload_TopLevelListMultiValue(t *testing.T) {
	payload := []byte(`[{"indoor": 21, "outdoor": 5}]`)
	points := metrics.DecodePayload(payload, true, receivedAt)

	require.Len(t, points, 2)
	assert.Equal(t, "indoor", points[0].Subkey)
	assert.Equal(t, "outdoor", points[1].Subkey)
}

func TestDecodePayload_MalformedJSON(t *testing.T) {
	points := metrics.DecodePayload([]byte(`{"value": `), false, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, `{"value":`, points[0].Value)
}

func TestDecodePayload_TrailingContentIsNotJSON(t *testing.T) {
	points := metrics.DecodePayload([]byte(`{"value": 1} extra`), false, receivedAt)

	require.Len(t, points, 1)
	assert.Equal(t, `{"value": 1} extra`, points[0].Value)
}

func TestDecodePayload_TimestampForms(t *testing.T) {
	// Numeric strings are accepted as timestamps.
	payload := []byte(`{"value": 1, "timestamp": "1600000000"}`)
	points := metrics.DecodePayload(payload, false, receivedAt)
	require.Len(t, points, 1)
	assert.Equal(t, int64(1600000000), points[0].Timestamp)

	// Unparseable timestamps fall back to the receive time.
	payload = []byte(`{"value": 1, "timestamp": "yesterday"}`)
	points = metrics.DecodePayload(payload, false, receivedAt)
	require.Len(t, points, 1)
	assert.Equal(t, receivedAt.Unix(), points[0].Timestamp)
}

// Package metrics implements the message-to-metric resolution engine: topic
// parsing, override resolution, payload decoding, value replacement and the
// final record assembly. It is transport-agnostic; it consumes raw
// (topic, payload) pairs and produces Records ready for a time-series sink.
package metrics

// Record is the final unit of work handed to a sink. It carries everything a
// time-series backend needs and nothing about how it is serialized.
type Record struct {
	// Name is the fully assembled metric name, e.g. "mqtt__temperature".
	Name string `json:"metric"`
	// Tags is the resolved dimension set. Keys are unique; the builder
	// guarantees last-writer-wins on collisions.
	Tags map[string]string `json:"tags"`
	// Value is the numeric measurement. Non-numeric observations are encoded
	// as info points (value 1 with the original text in a tag) before they
	// reach a Record.
	Value float64 `json:"value"`
	// Timestamp is in unix seconds.
	Timestamp int64 `json:"timestamp"`
}

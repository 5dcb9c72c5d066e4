// Package pipeline connects a message source to the metric engine and the
// batch dispatcher: each inbound (topic, payload) pair is decoded, resolved
// and appended to the shared batch by a pool of workers.
package pipeline

import (
	"context"
	"time"
)

// Message is the canonical representation of one inbound telemetry message.
// Acknowledgement is handled at the transport level (MQTT QoS), so the
// pipeline carries no ack handles; delivery to the backend is protected by
// the dispatcher's batch-retry instead.
type Message struct {
	// ID identifies the message at the source broker, for logging only.
	ID string
	// Topic is the raw topic the message arrived on.
	Topic string
	// Payload is the raw byte content.
	Payload []byte
	// ReceivedAt is when the consumer took delivery; it becomes the default
	// record timestamp when the payload carries none.
	ReceivedAt time.Time
}

// Consumer is a message source. Implementations deliver messages on the
// channel returned by Messages until Stop is called or the context given to
// Start is cancelled, then close the channel.
type Consumer interface {
	// Messages returns the read-only channel workers receive from.
	Messages() <-chan Message
	// Start begins consumption.
	Start(ctx context.Context) error
	// Stop gracefully ceases consumption and closes the message channel.
	Stop(ctx context.Context) error
	// Done is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// Package messaging provides abstractions for message broker communication.
// It defines interfaces that let the receiver publish envelopes and the invoker
// consume them without being coupled to a specific broker implementation.
package messaging

import (
	"context"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	// Subject is the topic/channel the message was published to.
	Subject string

	// Data is the raw message payload.
	Data []byte

	// Metadata carries message headers. Subscribers filter on these without
	// decoding Data.
	Metadata map[string]string

	// Timestamp is when the broker stored the message (zero when unknown).
	Timestamp time.Time
}

// Header returns the metadata value for key, or "".
func (m *Message) Header(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// Ack is the broker's confirmation that a published message is durable.
type Ack struct {
	// Stream is the name of the stream that stored the message.
	Stream string

	// Sequence is the stream sequence assigned to the message.
	Sequence uint64

	// Duplicate is set when the broker detected a duplicate publish.
	Duplicate bool
}

// Publisher publishes messages and waits for the broker to persist them.
type Publisher interface {
	// PublishMsg sends msg and blocks until the broker acknowledges it or ctx ends.
	PublishMsg(ctx context.Context, msg *Message) (*Ack, error)
}

// Delivery is one message handed to a consumer. Exactly one of Ack, Nak or Term
// should be called; a delivery that is never settled is redelivered after the
// consumer's ack wait.
type Delivery interface {
	// Message returns the delivered message.
	Message() *Message

	// Ack confirms processing; the broker will not redeliver.
	Ack() error

	// Nak asks the broker to redeliver after delay.
	Nak(delay time.Duration) error

	// Term tells the broker never to redeliver this message.
	Term() error

	// NumDelivered reports how many times the broker has delivered this message.
	NumDelivered() uint64
}

// Stream is a lazy, unbounded sequence of deliveries scoped to one consumer
// position. It cannot be restarted once stopped.
type Stream interface {
	// Next blocks until a delivery is available, ctx ends or the stream is stopped.
	Next(ctx context.Context) (Delivery, error)

	// Stop ends the stream. Pending Next calls return an error.
	Stop()
}

// Connection exposes broker connectivity for health checks.
type Connection interface {
	// IsConnected returns true if the client is connected to the broker.
	IsConnected() bool

	// RTT measures a round trip to the broker.
	RTT() (time.Duration, error)
}

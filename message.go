package pubsub

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Message is an outbound message accepted by Topic.Publish (spec §3).
type Message struct {
	// Data is the message payload.
	Data []byte
	// Attributes are optional string key/value pairs carried with the
	// message.
	Attributes map[string]string
	// OrderingKey, if non-empty, routes this message to an ordered
	// sequencer and participates in the per-key FIFO guarantee (spec §5).
	OrderingKey string

	// tracingSpan holds the span Topic.Publish starts from the Client's
	// tracer, covering this message's lifetime from Publish to result
	// resolution. The core never starts a tracer provider or exports
	// spans (Non-goal); the batch ends the span when it resolves the
	// message's result.
	tracingSpan trace.Span
}

func (m *Message) size() int {
	n := len(m.Data)
	for k, v := range m.Attributes {
		n += len(k) + len(v)
	}
	return n
}

// ReceivedMessage is a message delivered to a subscriber callback (spec
// §3 "Subscribe Message").
type ReceivedMessage struct {
	// Data is the message payload.
	Data []byte
	// Attributes are the message's string key/value pairs.
	Attributes map[string]string
	// AckID is the server-minted token identifying this delivery.
	AckID string
	// PublishTime is when the message was published.
	PublishTime time.Time
	// DeliveryAttempt is the 1-based count of delivery attempts for
	// this message, if the subscription tracks it; 0 if unknown.
	DeliveryAttempt int
	// OrderingKey groups messages that must be delivered to the
	// callback in server-delivery order.
	OrderingKey string

	acker interface {
		ack(ackID string)
		nack(ackID string)
	}
	tracingSpan trace.Span
}

// Ack acknowledges successful processing of the message, removing its
// lease. Repeated calls are not suppressed: each call enqueues another
// ack request for AckID.
func (m *ReceivedMessage) Ack() {
	if m.acker != nil {
		m.acker.ack(m.AckID)
	}
	if m.tracingSpan != nil {
		m.tracingSpan.End()
	}
}

// Nack indicates the message was not processed successfully, causing
// immediate redelivery (implemented as a modack to deadline zero).
func (m *ReceivedMessage) Nack() {
	if m.acker != nil {
		m.acker.nack(m.AckID)
	}
	if m.tracingSpan != nil {
		m.tracingSpan.End()
	}
}

func (m *ReceivedMessage) size() int {
	n := len(m.Data)
	for k, v := range m.Attributes {
		n += len(k) + len(v)
	}
	return n
}

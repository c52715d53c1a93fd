// Package bus provides the engine's event bus: topic constants, the bus
// contract, and delivery guarantees. Delivery is at-least-once with
// bounded retries and a dead-letter record; events sharing an ordering
// key are delivered to subscribers in emission order.
package bus

import (
	"context"
	"time"
)

// Event topic constants
const (
	TopicInboundReceived    = "souschef.inbound.received"
	TopicOutboundSend       = "souschef.outbound.send"
	TopicOutboundSuppressed = "souschef.outbound.suppressed"
	TopicDeliveryReceipt    = "souschef.delivery.receipt"
	TopicSagaFailed         = "souschef.saga.failed"
	TopicContextAbandoned   = "souschef.context.abandoned"
	TopicContextDirty       = "souschef.context.dirty"
	TopicRecipeSaved        = "souschef.recipe.saved"
)

// Event is one bus message. Key is the ordering key: events with the
// same key are delivered in emission order; no ordering holds across
// keys. Payload is topic-specific.
type Event struct {
	Topic   string
	Key     string
	Payload any
}

// Handler processes one event. A non-nil error triggers redelivery up to
// the publisher's retry bound, then dead-lettering.
type Handler func(ctx context.Context, evt Event) error

// DeadLetter records an event whose handler exhausted its retries.
type DeadLetter struct {
	Event    Event
	Err      string
	Attempts int
	At       time.Time
}

// Bus is the publish/subscribe contract used by the engine.
type Bus interface {
	// Emit publishes an event. It fails only when the bus is closed.
	Emit(ctx context.Context, evt Event) error

	// Subscribe registers a handler for a topic. The returned function
	// unsubscribes.
	Subscribe(topic string, h Handler) (unsubscribe func())

	// DeadLetters returns the operator-visible record of failed
	// deliveries.
	DeadLetters() []DeadLetter

	// Close stops delivery and waits for in-flight handlers.
	Close() error
}

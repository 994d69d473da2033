// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the engine's NATS subjects.
const (
	// SubjectEvents carries every published engine event; subscribers
	// filter client-side by correlation ID and type.
	SubjectEvents = "sagas.events"

	// SubjectAgentRequest dispatches an agentCall step to external workers.
	SubjectAgentRequest = "sagas.agent.request"

	// SubjectAgentResult carries results back from external workers.
	SubjectAgentResult = "sagas.agent.result"

	// SubjectSagaCancel requests cancellation of a running saga.
	SubjectSagaCancel = "sagas.cancel"
)

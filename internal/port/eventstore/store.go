// Package eventstore defines the port interface for the append-only event store.
package eventstore

import (
	"context"

	"github.com/fluxline/conductor/internal/domain/event"
)

// Store is the port interface for durable event persistence. Append must
// complete its write before returning: callers treat a nil error as a
// durability guarantee and checkpoint saga state on it.
type Store interface {
	// Append persists a new event and assigns its per-correlation sequence.
	Append(ctx context.Context, ev *event.Event) error

	// Replay returns all events for the given correlation ID ordered by
	// sequence ascending.
	Replay(ctx context.Context, correlationID string) ([]event.Event, error)

	// Load returns events matching the filter in insertion order, at most
	// limit at a time. Projections catching up after a restart page
	// through the log by advancing Filter.AfterPosition past the last
	// event of each batch.
	Load(ctx context.Context, filter event.Filter, limit int) ([]event.Event, error)
}

package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventSagaStatus   = "saga.status"
	EventBreakerState = "breaker.state"
	EventQueueDepth   = "queue.depth"
	EventDeadlock     = "deadlock.detected"
)

// SagaStatusEvent is broadcast when a saga's status changes.
type SagaStatusEvent struct {
	SagaID      string `json:"saga_id"`
	Definition  string `json:"definition"`
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BreakerStateEvent is broadcast when a circuit breaker transitions.
type BreakerStateEvent struct {
	DependencyID string `json:"dependency_id"`
	From         string `json:"from"`
	To           string `json:"to"`
}

// QueueDepthEvent is broadcast periodically with scheduler queue depths.
type QueueDepthEvent struct {
	Total        int            `json:"total"`
	PerRequester map[string]int `json:"per_requester,omitempty"`
}

// DeadlockEvent is broadcast when a deadlock cycle is detected.
type DeadlockEvent struct {
	Cycle  []string `json:"cycle"`
	Victim string   `json:"victim"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}

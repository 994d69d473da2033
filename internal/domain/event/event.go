// Package event defines the immutable Event record for event sourcing.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of engine event.
type Type string

const (
	TypeSagaStarted        Type = "saga.started"
	TypeSagaCompleted      Type = "saga.completed"
	TypeSagaFailed         Type = "saga.failed"
	TypeSagaCompensated    Type = "saga.compensated"
	TypeSagaCancelled      Type = "saga.cancelled"
	TypeStepStarted        Type = "saga.step.started"
	TypeStepCompleted      Type = "saga.step.completed"
	TypeStepRetried        Type = "saga.step.retried"
	TypeStepCompensated    Type = "saga.step.compensated"
	TypeCompensationFailed Type = "saga.compensation.failed"

	TypeWorkerSpawned    Type = "worker.spawned"
	TypeWorkerFinished   Type = "worker.finished"
	TypeQuotaRejected    Type = "quota.rejected"
	TypeQuotaUpdated     Type = "quota.updated"
	TypeBreakerChanged   Type = "breaker.state.changed"
	TypeDeadlockDetected Type = "deadlock.detected"
	TypeDeadlockVictim   Type = "deadlock.victim.terminated"
)

// Event is a single immutable fact in the append-only log. Once
// published it is never mutated; ordering within a correlation ID is
// preserved by the monotonically increasing Sequence, and Position
// orders events across the whole log.
type Event struct {
	ID            string          `json:"eventId"`
	Type          Type            `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Version       int             `json:"version"`
	Sequence      int64           `json:"sequence"`
	Position      int64           `json:"position"`
}

// Filter selects events on replay and subscription. Zero-value fields match everything.
type Filter struct {
	CorrelationID string     `json:"correlation_id,omitempty"`
	Types         []Type     `json:"types,omitempty"`
	After         *time.Time `json:"after,omitempty"`
	Before        *time.Time `json:"before,omitempty"`

	// AfterPosition skips events at or before the given log position.
	// Used to page through the stored log in insertion order.
	AfterPosition int64 `json:"after_position,omitempty"`
}

// Matches reports whether ev passes the filter.
func (f Filter) Matches(ev *Event) bool {
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AfterPosition > 0 && ev.Position <= f.AfterPosition {
		return false
	}
	if f.After != nil && !ev.Timestamp.After(*f.After) {
		return false
	}
	if f.Before != nil && !ev.Timestamp.Before(*f.Before) {
		return false
	}
	return true
}

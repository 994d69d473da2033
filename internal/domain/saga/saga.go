package saga

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// IsTerminal reports whether no further automatic transitions occur.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCompensated || s == StatusFailed
}

// CompensationEntry records one compensation attempt. A non-empty Error
// marks a manual-intervention item; the chain continued past it.
type CompensationEntry struct {
	StepName   string    `json:"step_name"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Instance is one execution of a Definition. Owned exclusively by the
// orchestrator (single writer per saga ID) and persisted after every
// transition so a crash mid-execution resumes from the last durable state.
type Instance struct {
	SagaID            string                     `json:"saga_id"`
	Definition        string                     `json:"definition"`
	DefinitionVersion int                        `json:"definition_version"`
	CorrelationID     string                     `json:"correlation_id"`
	RequesterKey      string                     `json:"requester_key"`
	Payload           json.RawMessage            `json:"payload"`
	CurrentStepIndex  int                        `json:"current_step_index"`
	Status            Status                     `json:"status"`
	StepResults       map[string]json.RawMessage `json:"step_results"`
	CompensationLog   []CompensationEntry        `json:"compensation_log,omitempty"`
	Error             string                     `json:"error,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	LastUpdatedAt     time.Time                  `json:"last_updated_at"`
}

// SubmitRequest is the input for starting a new saga.
type SubmitRequest struct {
	SagaID       string          `json:"saga_id,omitempty"`
	Definition   string          `json:"definition"`
	RequesterKey string          `json:"requester_key"`
	Payload      json.RawMessage `json:"payload"`
}

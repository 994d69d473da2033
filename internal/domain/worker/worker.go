// Package worker defines the ephemeral execution unit spawned per step.
package worker

import "time"

// Status is the lifecycle state of a worker.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// IsTerminal reports whether the worker has finished.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Instance is one step execution attempt. Instances form a tree via
// ParentID rooted at the saga that spawned them; SpawnDepth and sibling
// counts are checked against quotas before creation. The record is
// garbage-collected after a grace period past its terminal state; the
// audit trail survives in the event log.
type Instance struct {
	ID          string     `json:"id"`
	ParentID    string     `json:"parent_id,omitempty"`
	SagaID      string     `json:"saga_id"`
	StepName    string     `json:"step_name"`
	SpawnDepth  int        `json:"spawn_depth"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

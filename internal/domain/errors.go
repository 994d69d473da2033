// Package domain provides shared domain-level errors for the engine.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateSaga indicates a saga with the same ID was already submitted.
var ErrDuplicateSaga = errors.New("saga already exists")

// QuotaError is returned when the resource manager rejects a spawn.
// It is surfaced to the caller and never retried automatically: silent
// retry under quota pressure would turn back-pressure into a livelock.
type QuotaError struct {
	RequesterKey string
	Reason       string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %s", e.RequesterKey, e.Reason)
}

// QueueFullError is returned when a scheduler queue is at capacity.
// Callers may retry after the suggested backoff.
type QueueFullError struct {
	RequesterKey string
	Depth        int
	RetryAfter   time.Duration
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full for %s (depth %d), retry after %s", e.RequesterKey, e.Depth, e.RetryAfter)
}

// StepError is a handler failure. Retried per step policy, then compensated.
type StepError struct {
	SagaID   string
	StepName string
	Attempt  int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s of saga %s failed (attempt %d): %v", e.StepName, e.SagaID, e.Attempt, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// StepTimeoutError marks a step attempt that exceeded its deadline.
// Treated identically to a StepError: retried, then compensated.
type StepTimeoutError struct {
	SagaID   string
	StepName string
	Timeout  time.Duration
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s of saga %s timed out after %s", e.StepName, e.SagaID, e.Timeout)
}

// CompensationError records a failed compensation action. The chain
// continues past it; the entry stays in the compensation log for
// operator review.
type CompensationError struct {
	SagaID   string
	StepName string
	Err      error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %s of saga %s failed: %v", e.StepName, e.SagaID, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }

// DeadlockError terminates a deadlock victim. The orchestrator treats
// it as a StepError and runs ordinary compensation.
type DeadlockError struct {
	SagaID string
	Cycle  []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("saga %s terminated as deadlock victim (cycle %v)", e.SagaID, e.Cycle)
}

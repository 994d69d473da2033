// Package handler defines the contract every business-specific step
// implementation must satisfy to plug into the engine.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// StepContext carries the execution context for one step attempt. The
// idempotency key for the attempt is SagaID:StepName:Attempt.
type StepContext struct {
	SagaID   string          `json:"saga_id"`
	StepName string          `json:"step_name"`
	Attempt  int             `json:"attempt"`
	Payload  json.RawMessage `json:"payload"`
}

// IdempotencyKey returns the deterministic key under which this attempt's
// side effect is recorded. Handlers must be safe to execute more than
// once under the same key.
func (c StepContext) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%d", c.SagaID, c.StepName, c.Attempt)
}

// StepHandler is the uniform contract for business step implementations.
// Execute must have no side effect on failure beyond what Compensate can
// undo; both must be idempotent under the attempt's idempotency key.
type StepHandler interface {
	Execute(ctx context.Context, sc StepContext) (json.RawMessage, error)
	Compensate(ctx context.Context, sc StepContext) error
}

// Func adapts plain functions to the StepHandler interface.
type Func struct {
	OnExecute    func(ctx context.Context, sc StepContext) (json.RawMessage, error)
	OnCompensate func(ctx context.Context, sc StepContext) error
}

func (f Func) Execute(ctx context.Context, sc StepContext) (json.RawMessage, error) {
	if f.OnExecute == nil {
		return nil, nil
	}
	return f.OnExecute(ctx, sc)
}

func (f Func) Compensate(ctx context.Context, sc StepContext) error {
	if f.OnCompensate == nil {
		return nil
	}
	return f.OnCompensate(ctx, sc)
}

// Registry maps handler names referenced by saga definitions to
// implementations. Registration happens at startup; lookups are
// concurrent-safe.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]StepHandler)}
}

// Register binds a handler name. Re-registering a name replaces it.
func (r *Registry) Register(name string, h StepHandler) {
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

// Get returns the handler for the given name.
func (r *Registry) Get(name string) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

package main

import (
	"context"
	"encoding/json"

	"github.com/fluxline/conductor/internal/port/handler"
)

// registerStepHandlers binds the command handlers this binary ships with.
// Deployments embedding the engine register their business handlers here;
// any handler a loaded definition references but nobody registers is
// reported at startup and fails when its step runs.
func registerStepHandlers(reg *handler.Registry) {
	// debug.echo returns the step payload unchanged. Lets a definition
	// be exercised end to end before its real handlers exist.
	reg.Register("debug.echo", handler.Func{
		OnExecute: func(_ context.Context, sc handler.StepContext) (json.RawMessage, error) {
			return sc.Payload, nil
		},
	})
}

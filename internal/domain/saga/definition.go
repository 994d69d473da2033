// Package saga defines saga workflow templates and their runtime instances.
// A Definition is a static, versioned template loaded from YAML; an Instance
// is one execution of it with compensating rollback on failure.
package saga

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNameRequired      = errors.New("definition name is required")
	ErrNoSteps           = errors.New("definition must have at least one step")
	ErrStepMissingName   = errors.New("step name is required")
	ErrStepMissingAction = errors.New("step action is required")
	ErrDuplicateStep     = errors.New("duplicate step name")
	ErrInvalidActionKind = errors.New("invalid action kind")
	ErrRouteMissingField = errors.New("conditional route requires a field and routes")
	ErrRouteUnknownStep  = errors.New("route target references unknown step")
	ErrRouteNotForward   = errors.New("route target must follow the route step")
)

// ActionKind is the tagged variant of a step action. The kind is resolved
// to a concrete handler reference at definition load time so the hot path
// never dispatches on strings.
type ActionKind string

const (
	// KindCommand invokes a registered in-process step handler.
	KindCommand ActionKind = "command"
	// KindAgentCall dispatches the step to an external worker over the
	// message queue and waits for the correlated result.
	KindAgentCall ActionKind = "agentCall"
	// KindConditionalRoute picks the next step from a payload field.
	KindConditionalRoute ActionKind = "conditionalRoute"
)

// ActionSpec describes what a step does. Exactly one interpretation
// applies depending on Kind.
type ActionSpec struct {
	Kind    ActionKind        `json:"kind" yaml:"kind"`
	Handler string            `json:"handler,omitempty" yaml:"handler,omitempty"`
	Subject string            `json:"subject,omitempty" yaml:"subject,omitempty"`
	Field   string            `json:"field,omitempty" yaml:"field,omitempty"`
	Routes  map[string]string `json:"routes,omitempty" yaml:"routes,omitempty"`
}

// Step is one unit of forward work paired with its compensation.
type Step struct {
	Name         string     `json:"name" yaml:"name"`
	Action       ActionSpec `json:"action" yaml:"action"`
	Compensation ActionSpec `json:"compensation,omitempty" yaml:"compensation,omitempty"`
	TimeoutMS    int        `json:"timeout_ms" yaml:"timeout_ms"`
	MaxRetries   int        `json:"max_retries" yaml:"max_retries"`
}

// Timeout returns the per-attempt deadline for the step.
func (s *Step) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Definition is a static, versioned saga template. Immutable at runtime.
type Definition struct {
	Name        string `json:"name" yaml:"name"`
	Version     int    `json:"version" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Validate checks the definition for structural correctness and resolves
// route targets against step names.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return ErrNameRequired
	}
	if len(d.Steps) == 0 {
		return ErrNoSteps
	}

	index := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d: %w", i, ErrStepMissingName)
		}
		if _, dup := index[s.Name]; dup {
			return fmt.Errorf("step %d (%s): %w", i, s.Name, ErrDuplicateStep)
		}
		index[s.Name] = i
	}

	for i, s := range d.Steps {
		if err := validateAction(s.Action, i, index); err != nil {
			return fmt.Errorf("step %d (%s) action: %w", i, s.Name, err)
		}
		if s.Compensation.Kind != "" {
			if s.Compensation.Kind == KindConditionalRoute {
				return fmt.Errorf("step %d (%s) compensation: %w", i, s.Name, ErrInvalidActionKind)
			}
			if err := validateAction(s.Compensation, i, index); err != nil {
				return fmt.Errorf("step %d (%s) compensation: %w", i, s.Name, err)
			}
		}
	}
	return nil
}

func validateAction(a ActionSpec, stepIdx int, index map[string]int) error {
	switch a.Kind {
	case KindCommand:
		if a.Handler == "" {
			return ErrStepMissingAction
		}
	case KindAgentCall:
		if a.Subject == "" {
			return ErrStepMissingAction
		}
	case KindConditionalRoute:
		if a.Field == "" || len(a.Routes) == 0 {
			return ErrRouteMissingField
		}
		for _, target := range a.Routes {
			ti, known := index[target]
			if !known {
				return fmt.Errorf("%q: %w", target, ErrRouteUnknownStep)
			}
			// Routes only jump forward; a backward or self target would
			// loop the step sequence without ever terminating.
			if ti <= stepIdx {
				return fmt.Errorf("%q: %w", target, ErrRouteNotForward)
			}
		}
	default:
		return fmt.Errorf("%q: %w", a.Kind, ErrInvalidActionKind)
	}
	return nil
}

// StepIndex returns the index of the named step, or -1.
func (d *Definition) StepIndex(name string) int {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

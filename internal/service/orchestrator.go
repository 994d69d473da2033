package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	adapterotel "github.com/fluxline/conductor/internal/adapter/otel"
	"github.com/fluxline/conductor/internal/adapter/ws"
	"github.com/fluxline/conductor/internal/config"
	"github.com/fluxline/conductor/internal/domain"
	"github.com/fluxline/conductor/internal/domain/event"
	"github.com/fluxline/conductor/internal/domain/saga"
	"github.com/fluxline/conductor/internal/domain/worker"
	"github.com/fluxline/conductor/internal/port/broadcast"
	"github.com/fluxline/conductor/internal/port/database"
	"github.com/fluxline/conductor/internal/port/handler"
	"github.com/fluxline/conductor/internal/port/messagequeue"
	"github.com/fluxline/conductor/internal/resilience"
)

const eventSource = "orchestrator"

// IdempotencyStore records completed step attempts so redelivery or crash
// recovery never double-applies a side effect.
type IdempotencyStore interface {
	Seen(ctx context.Context, key string) ([]byte, bool, error)
	Record(ctx context.Context, key string, result []byte) error
}

// OrchestratorDeps bundles the collaborators of the orchestrator.
type OrchestratorDeps struct {
	Definitions *saga.Registry
	Handlers    *handler.Registry
	Store       database.Store
	Bus         *EventBus
	Queue       messagequeue.Queue
	Breakers    *resilience.Registry
	Resources   *ResourceManager
	Scheduler   *Scheduler
	Deadlock    *DeadlockDetector
	Idempotency IdempotencyStore
	Hub         broadcast.Broadcaster
	Metrics     *adapterotel.Metrics
	Config      config.Orchestrator
	Log         *slog.Logger
}

// Orchestrator drives saga instances through their step sequence and runs
// the compensation chain on failure. It is the single writer of every
// instance: at most one execution task per saga ID at a time.
type Orchestrator struct {
	definitions *saga.Registry
	handlers    *handler.Registry
	store       database.Store
	bus         *EventBus
	queue       messagequeue.Queue
	breakers    *resilience.Registry
	resources   *ResourceManager
	scheduler   *Scheduler
	deadlock    *DeadlockDetector
	idem        IdempotencyStore
	hub         broadcast.Broadcaster
	metrics     *adapterotel.Metrics
	cfg         config.Orchestrator
	log         *slog.Logger

	agentWaiter *syncWaiter[messagequeue.AgentResultPayload]

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	stops   []func()
}

// NewOrchestrator creates an orchestrator from its dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		definitions: deps.Definitions,
		handlers:    deps.Handlers,
		store:       deps.Store,
		bus:         deps.Bus,
		queue:       deps.Queue,
		breakers:    deps.Breakers,
		resources:   deps.Resources,
		scheduler:   deps.Scheduler,
		deadlock:    deps.Deadlock,
		idem:        deps.Idempotency,
		hub:         deps.Hub,
		metrics:     deps.Metrics,
		cfg:         deps.Config,
		log:         deps.Log,
		agentWaiter: newSyncWaiter[messagequeue.AgentResultPayload]("agent call"),
		running:     make(map[string]context.CancelCauseFunc),
	}
}

// Start subscribes to agent results and cancel requests, then resumes
// every saga that was mid-flight when the previous process stopped.
// MissingHandlers returns the handler names referenced by command steps
// (actions and compensations) in defs that reg cannot resolve, sorted and
// deduplicated. A non-empty result means those steps will fail at runtime.
func MissingHandlers(defs *saga.Registry, reg *handler.Registry) []string {
	seen := make(map[string]bool)
	var missing []string
	note := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		if _, ok := reg.Get(name); !ok {
			missing = append(missing, name)
		}
	}
	for _, name := range defs.Names() {
		def := defs.Get(name)
		for i := range def.Steps {
			step := &def.Steps[i]
			if step.Action.Kind == saga.KindCommand {
				note(step.Action.Handler)
			}
			if step.Compensation.Kind == saga.KindCommand {
				note(step.Compensation.Handler)
			}
		}
	}
	sort.Strings(missing)
	return missing
}

func (o *Orchestrator) Start(ctx context.Context) error {
	for _, name := range MissingHandlers(o.definitions, o.handlers) {
		o.log.Warn("definition references an unregistered command handler, steps using it will fail",
			"handler", name)
	}

	if o.queue != nil {
		stop, err := o.queue.Subscribe(ctx, messagequeue.SubjectAgentResult, o.onAgentResult)
		if err != nil {
			return fmt.Errorf("subscribe agent results: %w", err)
		}
		o.stops = append(o.stops, stop)

		stop, err = o.queue.Subscribe(ctx, messagequeue.SubjectSagaCancel, o.onCancelRequest)
		if err != nil {
			return fmt.Errorf("subscribe cancel requests: %w", err)
		}
		o.stops = append(o.stops, stop)
	}

	unfinished, err := o.store.ListUnfinishedSagas(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished sagas: %w", err)
	}
	for _, inst := range unfinished {
		if err := o.enqueueRun(inst.SagaID, inst.RequesterKey, inst.Status == saga.StatusCompensating); err != nil {
			o.log.Error("resume enqueue failed", "saga_id", inst.SagaID, "error", err)
		}
	}
	if len(unfinished) > 0 {
		o.log.Info("resuming unfinished sagas", "count", len(unfinished))
	}
	return nil
}

// Stop cancels the queue subscriptions.
func (o *Orchestrator) Stop() {
	for _, stop := range o.stops {
		stop()
	}
}

// Submit validates and persists a new saga instance and queues its
// execution. Returns *domain.QueueFullError when the scheduler is at
// capacity and domain.ErrDuplicateSaga on saga ID reuse.
func (o *Orchestrator) Submit(ctx context.Context, req saga.SubmitRequest) (*saga.Instance, error) {
	def := o.definitions.Get(req.Definition)
	if def == nil {
		return nil, fmt.Errorf("unknown saga definition %q: %w", req.Definition, domain.ErrNotFound)
	}
	if req.RequesterKey == "" {
		return nil, errors.New("requester key is required")
	}

	sagaID := req.SagaID
	if sagaID == "" {
		sagaID = uuid.NewString()
	}
	payload := req.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	inst := &saga.Instance{
		SagaID:            sagaID,
		Definition:        def.Name,
		DefinitionVersion: def.Version,
		CorrelationID:     sagaID,
		RequesterKey:      req.RequesterKey,
		Payload:           payload,
		Status:            saga.StatusPending,
		StepResults:       make(map[string]json.RawMessage),
	}
	if err := o.store.CreateSaga(ctx, inst); err != nil {
		return nil, err
	}

	if err := o.enqueueRun(sagaID, req.RequesterKey, false); err != nil {
		return nil, err
	}
	return inst, nil
}

// Cancel injects a synthetic failure at the saga's current step, driving
// the same compensation path as a real failure.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID, reason string) error {
	inst, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.Status.IsTerminal() {
		return fmt.Errorf("saga %s already %s", sagaID, inst.Status)
	}
	if reason == "" {
		reason = "cancelled by operator"
	}

	o.bus.Emit(ctx, event.TypeSagaCancelled, eventSource, sagaID, "",
		event.SagaStatusPayload{
			SagaID:       sagaID,
			Definition:   inst.Definition,
			RequesterKey: inst.RequesterKey,
			Status:       string(saga.StatusCompensating),
			Error:        reason,
		})

	o.mu.Lock()
	cancel, live := o.running[sagaID]
	o.mu.Unlock()

	if live {
		// The execution task observes the cause and compensates.
		cancel(fmt.Errorf("cancelled: %s", reason))
		return nil
	}

	// Not executing right now (queued or between dispatches): mark it and
	// queue a priority compensation task.
	inst.Status = saga.StatusCompensating
	inst.Error = reason
	if err := o.store.SaveSaga(ctx, inst); err != nil {
		return fmt.Errorf("mark saga cancelled: %w", err)
	}
	return o.enqueueRun(sagaID, inst.RequesterKey, true)
}

// Terminate is the deadlock detector's entry point for a chosen victim.
func (o *Orchestrator) Terminate(ctx context.Context, sagaID string, cycle []string) {
	cause := &domain.DeadlockError{SagaID: sagaID, Cycle: cycle}

	if o.hub != nil {
		o.hub.BroadcastEvent(ctx, ws.EventDeadlock, ws.DeadlockEvent{Cycle: cycle, Victim: sagaID})
	}
	if o.metrics != nil {
		o.metrics.DeadlocksBroken.Add(ctx, 1)
	}

	o.mu.Lock()
	cancel, live := o.running[sagaID]
	o.mu.Unlock()

	if live {
		cancel(cause)
		return
	}
	if err := o.Cancel(ctx, sagaID, cause.Error()); err != nil {
		o.log.Error("terminate deadlock victim failed", "saga_id", sagaID, "error", err)
	}
}

func (o *Orchestrator) enqueueRun(sagaID, requesterKey string, compensation bool) error {
	enqueued := time.Now()
	return o.scheduler.Enqueue(&Task{
		SagaID:       sagaID,
		RequesterKey: requesterKey,
		Compensation: compensation,
		Run: func(ctx context.Context) error {
			if o.metrics != nil {
				o.metrics.QueueWaitTime.Record(ctx, time.Since(enqueued).Seconds())
			}
			return o.execute(ctx, sagaID)
		},
	})
}

// execute runs one saga toward a terminal state. A returned error requeues
// the task with backoff (quota pressure uses this); nil means the saga
// reached a terminal state or is already being handled elsewhere.
func (o *Orchestrator) execute(ctx context.Context, sagaID string) error {
	o.mu.Lock()
	if _, busy := o.running[sagaID]; busy {
		o.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	o.running[sagaID] = cancel
	o.mu.Unlock()

	defer func() {
		cancel(nil)
		o.mu.Lock()
		delete(o.running, sagaID)
		o.mu.Unlock()
	}()

	inst, err := o.store.GetSaga(ctx, sagaID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.log.Error("saga vanished before execution", "saga_id", sagaID)
			return nil
		}
		return err
	}
	if inst.Status.IsTerminal() {
		return nil
	}

	def := o.definitions.Get(inst.Definition)
	if def == nil {
		// Definition removed across a restart. Nothing can run or be
		// compensated mechanically; flag for the operator.
		o.log.Error("definition missing for stored saga",
			"saga_id", sagaID, "definition", inst.Definition)
		inst.Status = saga.StatusFailed
		inst.Error = fmt.Sprintf("definition %q is not registered", inst.Definition)
		if err := o.store.SaveSaga(ctx, inst); err != nil {
			return err
		}
		o.publishStatus(ctx, event.TypeSagaFailed, inst)
		return nil
	}

	// One admission slot per executing saga. Quota pressure requeues the
	// task instead of dropping it.
	if err := o.resources.Acquire(ctx, inst.RequesterKey, "", 1); err != nil {
		if o.metrics != nil {
			o.metrics.QuotaRejections.Add(ctx, 1)
		}
		return err
	}
	defer o.resources.Release(inst.RequesterKey, "")

	o.deadlock.Track(sagaID, inst.CreatedAt)
	defer o.deadlock.Forget(sagaID)

	if inst.Status == saga.StatusCompensating {
		o.runCompensation(runCtx, inst, def)
		return nil
	}

	sagaCtx, span := adapterotel.StartSagaSpan(runCtx, sagaID, inst.Definition)
	defer span.End()
	started := time.Now()

	if inst.Status == saga.StatusPending {
		inst.Status = saga.StatusRunning
		if err := o.store.SaveSaga(sagaCtx, inst); err != nil {
			return err
		}
		o.publishStatus(sagaCtx, event.TypeSagaStarted, inst)
		if o.metrics != nil {
			o.metrics.SagasStarted.Add(sagaCtx, 1)
		}
	}

	for inst.CurrentStepIndex < len(def.Steps) {
		if sagaCtx.Err() != nil {
			o.failAndCompensate(context.WithoutCancel(sagaCtx), inst, def, context.Cause(sagaCtx))
			return nil
		}

		step := def.Steps[inst.CurrentStepIndex]

		if step.Action.Kind == saga.KindConditionalRoute {
			if err := o.routeStep(sagaCtx, inst, def, step); err != nil {
				o.failAndCompensate(context.WithoutCancel(sagaCtx), inst, def, err)
				return nil
			}
			continue
		}

		result, err := o.runStep(sagaCtx, inst, step)
		if err != nil {
			o.failAndCompensate(context.WithoutCancel(sagaCtx), inst, def, err)
			return nil
		}

		inst.StepResults[step.Name] = result
		inst.CurrentStepIndex++
		if err := o.store.SaveSaga(sagaCtx, inst); err != nil {
			return err
		}
		o.bus.Emit(sagaCtx, event.TypeStepCompleted, eventSource, inst.CorrelationID, "",
			event.StepPayload{SagaID: inst.SagaID, StepName: step.Name})
	}

	inst.Status = saga.StatusCompleted
	if err := o.store.SaveSaga(sagaCtx, inst); err != nil {
		return err
	}
	o.publishStatus(sagaCtx, event.TypeSagaCompleted, inst)
	if o.metrics != nil {
		o.metrics.SagasCompleted.Add(sagaCtx, 1)
		o.metrics.SagaDuration.Record(sagaCtx, time.Since(started).Seconds())
	}
	o.collectWorkers(inst.SagaID)
	return nil
}

// routeStep resolves a conditionalRoute step: it inspects the configured
// payload field and jumps to the mapped step. Routing never touches a
// dependency, so it bypasses workers and breakers.
func (o *Orchestrator) routeStep(ctx context.Context, inst *saga.Instance, def *saga.Definition, step saga.Step) error {
	var payload map[string]any
	if err := json.Unmarshal(inst.Payload, &payload); err != nil {
		return &domain.StepError{SagaID: inst.SagaID, StepName: step.Name, Attempt: 1,
			Err: fmt.Errorf("route payload: %w", err)}
	}

	value, _ := payload[step.Action.Field].(string)
	target, ok := step.Action.Routes[value]
	if !ok {
		target, ok = step.Action.Routes["default"]
	}
	if !ok {
		return &domain.StepError{SagaID: inst.SagaID, StepName: step.Name, Attempt: 1,
			Err: fmt.Errorf("no route for %s=%q", step.Action.Field, value)}
	}

	next := def.StepIndex(target)
	if next <= inst.CurrentStepIndex {
		return &domain.StepError{SagaID: inst.SagaID, StepName: step.Name, Attempt: 1,
			Err: fmt.Errorf("route target %q does not advance the saga", target)}
	}

	result, _ := json.Marshal(map[string]string{"routedTo": target})
	inst.StepResults[step.Name] = result
	inst.CurrentStepIndex = next
	if err := o.store.SaveSaga(ctx, inst); err != nil {
		return err
	}
	o.bus.Emit(ctx, event.TypeStepCompleted, eventSource, inst.CorrelationID, "",
		event.StepPayload{SagaID: inst.SagaID, StepName: step.Name})
	return nil
}

// runStep executes one forward step inside a worker record so in-flight
// work stays observable.
func (o *Orchestrator) runStep(ctx context.Context, inst *saga.Instance, step saga.Step) (json.RawMessage, error) {
	w := &worker.Instance{
		ID:         uuid.NewString(),
		SagaID:     inst.SagaID,
		StepName:   step.Name,
		SpawnDepth: 1,
		Status:     worker.StatusRunning,
	}
	now := time.Now().UTC()
	w.StartedAt = &now
	if err := o.store.CreateWorker(ctx, w); err != nil {
		o.log.Error("create worker record", "saga_id", inst.SagaID, "step", step.Name, "error", err)
	}
	o.bus.Emit(ctx, event.TypeWorkerSpawned, eventSource, inst.CorrelationID, "",
		event.WorkerPayload{WorkerID: w.ID, SagaID: inst.SagaID, StepName: step.Name,
			SpawnDepth: w.SpawnDepth, Status: string(worker.StatusRunning)})
	o.bus.Emit(ctx, event.TypeStepStarted, eventSource, inst.CorrelationID, "",
		event.StepPayload{SagaID: inst.SagaID, StepName: step.Name})

	result, err := o.attemptLoop(ctx, inst, step, false)

	status := worker.StatusCompleted
	if err != nil {
		status = worker.StatusFailed
		var timeoutErr *domain.StepTimeoutError
		if errors.As(err, &timeoutErr) {
			status = worker.StatusTimeout
		}
	}
	if uerr := o.store.UpdateWorkerStatus(ctx, w.ID, status); uerr != nil {
		o.log.Error("update worker record", "worker_id", w.ID, "error", uerr)
	}
	o.bus.Emit(ctx, event.TypeWorkerFinished, eventSource, inst.CorrelationID, "",
		event.WorkerPayload{WorkerID: w.ID, SagaID: inst.SagaID, StepName: step.Name,
			SpawnDepth: w.SpawnDepth, Status: string(status)})

	return result, err
}

// attemptLoop is the shared retry engine for forward actions and
// compensations. Each attempt is bounded by the step timeout and routed
// through the dependency's circuit breaker.
func (o *Orchestrator) attemptLoop(ctx context.Context, inst *saga.Instance, step saga.Step, compensating bool) (json.RawMessage, error) {
	action := step.Action
	if compensating {
		action = step.Compensation
	}
	dependencyID := action.Handler
	if action.Kind == saga.KindAgentCall {
		dependencyID = action.Subject
	}
	breaker := o.breakers.Get(dependencyID)

	maxAttempts := step.MaxRetries + 1
	backoff := o.cfg.RetryBackoffBase
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, causeOf(ctx)
		}

		sc := handler.StepContext{
			SagaID:   inst.SagaID,
			StepName: step.Name,
			Attempt:  attempt,
			Payload:  inst.Payload,
		}

		if !compensating && o.idem != nil {
			if data, seen, err := o.idem.Seen(ctx, sc.IdempotencyKey()); err == nil && seen {
				o.log.Info("step attempt already applied, reusing result",
					"saga_id", inst.SagaID, "step", step.Name, "attempt", attempt)
				return data, nil
			}
		}

		if !o.resources.ConsumeAPIBudget(ctx, inst.RequesterKey, 1) {
			lastErr = fmt.Errorf("api budget exhausted for %s", inst.RequesterKey)
		} else {
			spanCtx, span := adapterotel.StartStepSpan(ctx, inst.SagaID, step.Name, attempt)
			attemptCtx, cancel := context.WithTimeout(spanCtx, step.Timeout())

			var result json.RawMessage
			err := breaker.Execute(func() error {
				var execErr error
				result, execErr = o.invoke(attemptCtx, inst, step, compensating, sc)
				return execErr
			})
			cancel()
			span.End()

			if err == nil {
				if !compensating && o.idem != nil {
					if rerr := o.idem.Record(ctx, sc.IdempotencyKey(), result); rerr != nil {
						o.log.Warn("idempotency record failed",
							"key", sc.IdempotencyKey(), "error", rerr)
					}
				}
				return result, nil
			}

			if errors.Is(err, context.DeadlineExceeded) {
				err = &domain.StepTimeoutError{SagaID: inst.SagaID, StepName: step.Name, Timeout: step.Timeout()}
			}
			lastErr = err

			// A cancelled saga must not burn retries.
			if ctx.Err() != nil {
				return nil, causeOf(ctx)
			}
		}

		if attempt < maxAttempts {
			if !compensating {
				o.bus.Emit(ctx, event.TypeStepRetried, eventSource, inst.CorrelationID, "",
					event.StepPayload{SagaID: inst.SagaID, StepName: step.Name,
						Attempt: attempt, Error: lastErr.Error()})
				if o.metrics != nil {
					o.metrics.StepRetries.Add(ctx, 1)
				}
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, causeOf(ctx)
			}
			backoff *= 2
			if backoff > o.cfg.RetryBackoffMax {
				backoff = o.cfg.RetryBackoffMax
			}
		}
	}

	return nil, &domain.StepError{
		SagaID:   inst.SagaID,
		StepName: step.Name,
		Attempt:  maxAttempts,
		Err:      lastErr,
	}
}

// invoke dispatches one attempt of an action.
func (o *Orchestrator) invoke(ctx context.Context, inst *saga.Instance, step saga.Step, compensating bool, sc handler.StepContext) (json.RawMessage, error) {
	action := step.Action
	if compensating {
		action = step.Compensation
	}

	switch action.Kind {
	case saga.KindCommand:
		h, ok := o.handlers.Get(action.Handler)
		if !ok {
			return nil, fmt.Errorf("no handler registered for %q", action.Handler)
		}
		if compensating {
			return nil, h.Compensate(ctx, sc)
		}
		return h.Execute(ctx, sc)

	case saga.KindAgentCall:
		return o.agentCall(ctx, inst, action.Subject, sc)

	default:
		return nil, fmt.Errorf("action kind %q is not executable", action.Kind)
	}
}

// agentCall dispatches a step to external workers over the queue and
// blocks until the correlated result arrives or the attempt deadline
// passes. If the saga's payload names a saga it waits on, the edge is
// registered with the deadlock detector for the duration of the wait.
func (o *Orchestrator) agentCall(ctx context.Context, inst *saga.Instance, subject string, sc handler.StepContext) (json.RawMessage, error) {
	if o.queue == nil {
		return nil, errors.New("no message queue configured for agent calls")
	}

	requestID := uuid.NewString()
	ch := o.agentWaiter.register(requestID)
	defer o.agentWaiter.unregister(requestID)

	if target := waitsOnSaga(inst.Payload); target != "" && target != inst.SagaID {
		o.deadlock.RegisterWait(inst.SagaID, target)
		defer o.deadlock.ClearWait(inst.SagaID)
	}

	req := messagequeue.AgentRequestPayload{
		RequestID: requestID,
		SagaID:    sc.SagaID,
		StepName:  sc.StepName,
		Attempt:   sc.Attempt,
		Payload:   sc.Payload,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal agent request: %w", err)
	}
	if err := o.queue.Publish(ctx, subject, data); err != nil {
		return nil, fmt.Errorf("dispatch agent call: %w", err)
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return nil, fmt.Errorf("agent call failed: %s", res.Error)
		}
		return res.Result, nil
	case <-ctx.Done():
		return nil, causeOf(ctx)
	}
}

// failAndCompensate marks the saga failed and runs the compensation chain.
func (o *Orchestrator) failAndCompensate(ctx context.Context, inst *saga.Instance, def *saga.Definition, cause error) {
	if cause == nil {
		cause = errors.New("saga aborted")
	}
	inst.Status = saga.StatusCompensating
	inst.Error = cause.Error()
	if err := o.store.SaveSaga(ctx, inst); err != nil {
		o.log.Error("persist compensating status", "saga_id", inst.SagaID, "error", err)
	}
	o.publishStatus(ctx, event.TypeSagaFailed, inst)
	if o.metrics != nil {
		o.metrics.SagasFailed.Add(ctx, 1)
	}

	o.runCompensation(ctx, inst, def)
}

// runCompensation undoes completed steps strictly in reverse order. A
// failed compensation is logged and the chain continues: earlier steps
// may hold resources that still need releasing.
func (o *Orchestrator) runCompensation(ctx context.Context, inst *saga.Instance, def *saga.Definition) {
	compCtx, span := adapterotel.StartCompensationSpan(ctx, inst.SagaID)
	defer span.End()

	for i := len(def.Steps) - 1; i >= 0; i-- {
		step := def.Steps[i]
		if _, done := inst.StepResults[step.Name]; !done {
			continue
		}
		if alreadyCompensated(inst, step.Name) {
			continue
		}
		if step.Compensation.Kind == "" {
			continue
		}

		entry := saga.CompensationEntry{StepName: step.Name, ExecutedAt: time.Now().UTC()}
		_, err := o.attemptLoop(compCtx, inst, step, true)
		if err != nil {
			compErr := &domain.CompensationError{SagaID: inst.SagaID, StepName: step.Name, Err: err}
			entry.Error = compErr.Error()
			o.log.Error("compensation failed, continuing chain",
				"saga_id", inst.SagaID, "step", step.Name, "error", err)
			o.bus.Emit(compCtx, event.TypeCompensationFailed, eventSource, inst.CorrelationID, "",
				event.StepPayload{SagaID: inst.SagaID, StepName: step.Name, Error: entry.Error})
		} else {
			o.bus.Emit(compCtx, event.TypeStepCompensated, eventSource, inst.CorrelationID, "",
				event.StepPayload{SagaID: inst.SagaID, StepName: step.Name})
		}

		inst.CompensationLog = append(inst.CompensationLog, entry)
		if serr := o.store.SaveSaga(compCtx, inst); serr != nil {
			o.log.Error("persist compensation log", "saga_id", inst.SagaID, "error", serr)
		}
	}

	inst.Status = saga.StatusCompensated
	if err := o.store.SaveSaga(compCtx, inst); err != nil {
		o.log.Error("persist compensated status", "saga_id", inst.SagaID, "error", err)
	}

	items := make([]event.CompensationItem, len(inst.CompensationLog))
	for i, e := range inst.CompensationLog {
		items[i] = event.CompensationItem{StepName: e.StepName, Error: e.Error}
	}
	o.bus.Emit(compCtx, event.TypeSagaCompensated, eventSource, inst.CorrelationID, "",
		event.CompensationPayload{SagaID: inst.SagaID, Entries: items})
	o.broadcastStatus(compCtx, inst)
	if o.metrics != nil {
		o.metrics.SagasCompensated.Add(compCtx, 1)
	}
	o.collectWorkers(inst.SagaID)
}

// publishStatus emits a saga lifecycle event and mirrors it to the
// dashboard feed.
func (o *Orchestrator) publishStatus(ctx context.Context, typ event.Type, inst *saga.Instance) {
	o.bus.Emit(ctx, typ, eventSource, inst.CorrelationID, "",
		event.SagaStatusPayload{
			SagaID:       inst.SagaID,
			Definition:   inst.Definition,
			RequesterKey: inst.RequesterKey,
			Status:       string(inst.Status),
			Error:        inst.Error,
		})
	o.broadcastStatus(ctx, inst)
}

func (o *Orchestrator) broadcastStatus(ctx context.Context, inst *saga.Instance) {
	if o.hub == nil {
		return
	}
	current := ""
	if def := o.definitions.Get(inst.Definition); def != nil && inst.CurrentStepIndex < len(def.Steps) {
		current = def.Steps[inst.CurrentStepIndex].Name
	}
	o.hub.BroadcastEvent(ctx, ws.EventSagaStatus, ws.SagaStatusEvent{
		SagaID:      inst.SagaID,
		Definition:  inst.Definition,
		Status:      string(inst.Status),
		CurrentStep: current,
		Error:       inst.Error,
	})
}

// collectWorkers garbage-collects finished worker records after the
// grace period. History survives in the event log.
func (o *Orchestrator) collectWorkers(sagaID string) {
	grace := o.cfg.WorkerGrace
	if grace <= 0 {
		grace = time.Minute
	}
	time.AfterFunc(grace, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.store.DeleteFinishedWorkers(ctx, sagaID); err != nil {
			o.log.Warn("worker gc failed", "saga_id", sagaID, "error", err)
		}
	})
}

// onAgentResult routes external worker results to the blocked attempt.
func (o *Orchestrator) onAgentResult(_ context.Context, _ string, data []byte) error {
	var res messagequeue.AgentResultPayload
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("decode agent result: %w", err)
	}
	o.agentWaiter.deliver(res.RequestID, &res)
	return nil
}

// onCancelRequest handles cancel messages arriving over the queue.
func (o *Orchestrator) onCancelRequest(ctx context.Context, _ string, data []byte) error {
	var req messagequeue.SagaCancelPayload
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("decode cancel request: %w", err)
	}
	if err := o.Cancel(ctx, req.SagaID, req.Reason); err != nil {
		o.log.Warn("cancel request rejected", "saga_id", req.SagaID, "error", err)
	}
	return nil
}

func causeOf(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

func alreadyCompensated(inst *saga.Instance, stepName string) bool {
	for _, e := range inst.CompensationLog {
		if e.StepName == stepName {
			return true
		}
	}
	return false
}

// waitsOnSaga extracts the optional waits-on declaration from a saga
// payload. A step whose action synchronously waits for another saga's
// result declares it via the waitsOnSagaId payload field.
func waitsOnSaga(payload json.RawMessage) string {
	var p struct {
		WaitsOnSagaID string `json:"waitsOnSagaId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return p.WaitsOnSagaID
}

package http

import (
	"context"
	"net/http"
	"sort"

	"github.com/fluxline/conductor/internal/adapter/ws"
	"github.com/fluxline/conductor/internal/domain/quota"
	"github.com/fluxline/conductor/internal/domain/saga"
	"github.com/fluxline/conductor/internal/port/database"
	"github.com/fluxline/conductor/internal/port/messagequeue"
	"github.com/fluxline/conductor/internal/resilience"
	"github.com/fluxline/conductor/internal/service"
)

const bodyLimit = 1 << 20 // 1 MiB

// Handlers carries the service dependencies for the REST API.
type Handlers struct {
	orch        *service.Orchestrator
	projector   *service.Projector
	resources   *service.ResourceManager
	scheduler   *service.Scheduler
	bus         *service.EventBus
	breakers    *resilience.Registry
	definitions *saga.Registry
	store       database.Store
	queue       messagequeue.Queue
	hub         *ws.Hub

	// dbPing reports storage health for readiness checks.
	dbPing func(ctx context.Context) error
}

// HandlersDeps bundles the constructor arguments for Handlers.
type HandlersDeps struct {
	Orchestrator *service.Orchestrator
	Projector    *service.Projector
	Resources    *service.ResourceManager
	Scheduler    *service.Scheduler
	Bus          *service.EventBus
	Breakers     *resilience.Registry
	Definitions  *saga.Registry
	Store        database.Store
	Queue        messagequeue.Queue
	Hub          *ws.Hub
	DBPing       func(ctx context.Context) error
}

// NewHandlers creates the API handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		orch:        deps.Orchestrator,
		projector:   deps.Projector,
		resources:   deps.Resources,
		scheduler:   deps.Scheduler,
		bus:         deps.Bus,
		breakers:    deps.Breakers,
		definitions: deps.Definitions,
		store:       deps.Store,
		queue:       deps.Queue,
		hub:         deps.Hub,
		dbPing:      deps.DBPing,
	}
}

// SubmitSaga starts a new saga instance.
func (h *Handlers) SubmitSaga(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[saga.SubmitRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if !requireField(w, req.Definition, "definition") {
		return
	}
	if !requireField(w, req.RequesterKey, "requester_key") {
		return
	}

	inst, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "unknown saga definition")
		return
	}
	writeJSON(w, http.StatusAccepted, inst)
}

// GetSaga returns the durable instance state: status, step results and
// the full compensation log.
func (h *Handlers) GetSaga(w http.ResponseWriter, r *http.Request) {
	inst, err := h.store.GetSaga(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "saga not found")
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GetSagaView returns the projected read-model view of a saga.
func (h *Handlers) GetSagaView(w http.ResponseWriter, r *http.Request) {
	view, err := h.projector.GetView(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "saga view not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListSagas returns projected views, optionally filtered by status.
func (h *Handlers) ListSagas(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	writeJSON(w, http.StatusOK, h.projector.ListViews(status))
}

// CancelSaga injects a synthetic failure and rolls the saga back.
func (h *Handlers) CancelSaga(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[struct {
		Reason string `json:"reason"`
	}](w, r, bodyLimit)
	if !ok {
		return
	}
	if err := h.orch.Cancel(r.Context(), urlParam(r, "id"), body.Reason); err != nil {
		writeDomainError(w, err, "saga not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// ListSagaEvents replays the durable event log for one saga.
func (h *Handlers) ListSagaEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.bus.Replay(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "saga not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// ListWorkers returns the live worker records of a saga.
func (h *Handlers) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := h.store.ListWorkersBySaga(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "saga not found")
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

// ListDefinitions returns the registered saga definition names.
func (h *Handlers) ListDefinitions(w http.ResponseWriter, _ *http.Request) {
	names := h.definitions.Names()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

// ListBreakers reports every circuit breaker's current state.
func (h *Handlers) ListBreakers(w http.ResponseWriter, _ *http.Request) {
	states := h.breakers.States()
	out := make(map[string]string, len(states))
	for dep, state := range states {
		out[dep] = state.String()
	}
	writeJSON(w, http.StatusOK, out)
}

// QueueDepths reports scheduler back-pressure.
func (h *Handlers) QueueDepths(w http.ResponseWriter, _ *http.Request) {
	total, per := h.scheduler.Depths()
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         total,
		"per_requester": per,
	})
}

// GetQuota returns the effective quota for a requester.
func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	key := urlParam(r, "key")
	writeJSON(w, http.StatusOK, h.resources.QuotaFor(r.Context(), key))
}

// PutQuota overrides a requester's quota.
func (h *Handlers) PutQuota(w http.ResponseWriter, r *http.Request) {
	q, ok := readJSON[quota.Quota](w, r, bodyLimit)
	if !ok {
		return
	}
	q.RequesterKey = urlParam(r, "key")
	if err := h.resources.SetQuota(r.Context(), &q); err != nil {
		writeDomainError(w, err, "quota update failed")
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// ListQuotas returns all stored quota overrides.
func (h *Handlers) ListQuotas(w http.ResponseWriter, r *http.Request) {
	quotas, err := h.store.ListQuotas(r.Context())
	if err != nil {
		writeDomainError(w, err, "quotas unavailable")
		return
	}
	writeJSON(w, http.StatusOK, quotas)
}

// HandleWS upgrades to the live event feed.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWS(w, r)
}

// Health reports liveness plus dependency status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	deps := map[string]string{}

	if h.queue != nil {
		if h.queue.IsConnected() {
			deps["nats"] = "up"
		} else {
			deps["nats"] = "down"
			status = http.StatusServiceUnavailable
		}
	}
	if h.dbPing != nil {
		if err := h.dbPing(r.Context()); err != nil {
			deps["postgres"] = "down"
			status = http.StatusServiceUnavailable
		} else {
			deps["postgres"] = "up"
		}
	}

	writeJSON(w, status, map[string]any{
		"status":       http.StatusText(status),
		"dependencies": deps,
	})
}

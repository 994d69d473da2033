package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluxline/conductor/internal/domain"
	"github.com/fluxline/conductor/internal/domain/event"
	"github.com/fluxline/conductor/internal/port/cache"
)

// SagaView is the denormalized read-model projection of one saga, built
// from the event stream and served to the dashboard and CLI.
type SagaView struct {
	SagaID         string             `json:"saga_id"`
	Definition     string             `json:"definition"`
	RequesterKey   string             `json:"requester_key"`
	Status         string             `json:"status"`
	CurrentStep    string             `json:"current_step,omitempty"`
	StepsCompleted int                `json:"steps_completed"`
	Retries        int                `json:"retries"`
	Compensations  []CompensationView `json:"compensations,omitempty"`
	Error          string             `json:"error,omitempty"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// CompensationView is one compensation log line in a saga view.
type CompensationView struct {
	StepName string `json:"step_name"`
	Error    string `json:"error,omitempty"`
}

// Projector folds engine events into saga views. Malformed events are
// logged and skipped; one bad payload must not wedge the projection.
type Projector struct {
	bus   *EventBus
	cache cache.Cache
	log   *slog.Logger

	mu     sync.RWMutex
	views  map[string]*SagaView
	cancel func()
}

const (
	viewCacheTTL = 10 * time.Minute

	// catchUpPage bounds each Load batch during catch-up; the stored log
	// can be far larger than a single query is allowed to return.
	catchUpPage = 1000
)

// NewProjector creates a projector. cache may be nil; views are then
// in-process only.
func NewProjector(bus *EventBus, c cache.Cache, log *slog.Logger) *Projector {
	return &Projector{
		bus:   bus,
		cache: c,
		log:   log,
		views: make(map[string]*SagaView),
	}
}

// Start replays the stored event log to rebuild views, then subscribes
// for live events.
func (p *Projector) Start(ctx context.Context) error {
	var cursor int64
	replayed := 0
	for {
		events, err := p.bus.Load(ctx, event.Filter{AfterPosition: cursor}, catchUpPage)
		if err != nil {
			return fmt.Errorf("projector catch-up: %w", err)
		}
		for _, ev := range events {
			p.apply(ctx, ev)
			cursor = ev.Position
		}
		replayed += len(events)
		if len(events) < catchUpPage {
			break
		}
	}

	p.cancel = p.bus.Subscribe(event.Filter{}, func(ev event.Event) {
		p.apply(context.Background(), ev)
	})
	p.log.Info("projector started", "replayed_events", replayed)
	return nil
}

// Stop cancels the live subscription.
func (p *Projector) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// GetView returns the projected view for a saga.
func (p *Projector) GetView(ctx context.Context, sagaID string) (*SagaView, error) {
	p.mu.RLock()
	v, ok := p.views[sagaID]
	if ok {
		cp := *v
		p.mu.RUnlock()
		return &cp, nil
	}
	p.mu.RUnlock()

	if p.cache != nil {
		data, found, err := p.cache.Get(ctx, viewKey(sagaID))
		if err == nil && found {
			var view SagaView
			if err := json.Unmarshal(data, &view); err == nil {
				return &view, nil
			}
		}
	}
	return nil, fmt.Errorf("view for saga %s: %w", sagaID, domain.ErrNotFound)
}

// ListViews returns views, optionally filtered by status, newest first.
func (p *Projector) ListViews(status string) []SagaView {
	p.mu.RLock()
	out := make([]SagaView, 0, len(p.views))
	for _, v := range p.views {
		if status != "" && v.Status != status {
			continue
		}
		out = append(out, *v)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SagaID < out[j].SagaID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// apply folds one event into the projection.
func (p *Projector) apply(ctx context.Context, ev event.Event) {
	switch ev.Type {
	case event.TypeSagaStarted, event.TypeSagaCompleted, event.TypeSagaFailed,
		event.TypeSagaCompensated, event.TypeSagaCancelled:
		var payload event.SagaStatusPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.SagaID == "" {
			p.skip(ev, err)
			return
		}
		p.mu.Lock()
		v := p.view(payload.SagaID)
		v.Definition = payload.Definition
		if payload.RequesterKey != "" {
			v.RequesterKey = payload.RequesterKey
		}
		v.Status = payload.Status
		v.Error = payload.Error
		v.UpdatedAt = ev.Timestamp
		if ev.Type != event.TypeSagaStarted {
			v.CurrentStep = ""
		}
		p.mu.Unlock()
		p.writeThrough(ctx, payload.SagaID)

	case event.TypeStepStarted, event.TypeStepCompleted, event.TypeStepRetried:
		var payload event.StepPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.SagaID == "" {
			p.skip(ev, err)
			return
		}
		p.mu.Lock()
		v := p.view(payload.SagaID)
		switch ev.Type {
		case event.TypeStepStarted:
			v.CurrentStep = payload.StepName
		case event.TypeStepCompleted:
			v.StepsCompleted++
		case event.TypeStepRetried:
			v.Retries++
		}
		v.UpdatedAt = ev.Timestamp
		p.mu.Unlock()
		p.writeThrough(ctx, payload.SagaID)

	case event.TypeStepCompensated, event.TypeCompensationFailed:
		var payload event.StepPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil || payload.SagaID == "" {
			p.skip(ev, err)
			return
		}
		p.mu.Lock()
		v := p.view(payload.SagaID)
		v.Compensations = append(v.Compensations, CompensationView{
			StepName: payload.StepName,
			Error:    payload.Error,
		})
		v.UpdatedAt = ev.Timestamp
		p.mu.Unlock()
		p.writeThrough(ctx, payload.SagaID)
	}
}

// view returns the view for a saga, creating it if absent. Caller holds p.mu.
func (p *Projector) view(sagaID string) *SagaView {
	v, ok := p.views[sagaID]
	if !ok {
		v = &SagaView{SagaID: sagaID}
		p.views[sagaID] = v
	}
	return v
}

func (p *Projector) skip(ev event.Event, err error) {
	p.log.Warn("skipping malformed event",
		"event_id", ev.ID,
		"type", ev.Type,
		"correlation_id", ev.CorrelationID,
		"error", err)
}

func (p *Projector) writeThrough(ctx context.Context, sagaID string) {
	if p.cache == nil {
		return
	}
	p.mu.RLock()
	v, ok := p.views[sagaID]
	if !ok {
		p.mu.RUnlock()
		return
	}
	cp := *v
	p.mu.RUnlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return
	}
	if err := p.cache.Set(ctx, viewKey(sagaID), data, viewCacheTTL); err != nil {
		p.log.Debug("view cache write failed", "saga_id", sagaID, "error", err)
	}
}

func viewKey(sagaID string) string {
	return "view/saga/" + sagaID
}

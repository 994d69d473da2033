package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluxline/conductor/internal/domain"
	"github.com/fluxline/conductor/internal/domain/event"
	"github.com/fluxline/conductor/internal/domain/quota"
	"github.com/fluxline/conductor/internal/domain/saga"
	"github.com/fluxline/conductor/internal/domain/worker"
	"github.com/fluxline/conductor/internal/port/messagequeue"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memEvents is an in-memory append-only event store.
type memEvents struct {
	mu     sync.Mutex
	events []event.Event
	seqs   map[string]int64
}

func newMemEvents() *memEvents {
	return &memEvents{seqs: make(map[string]int64)}
}

func (m *memEvents) Append(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqs[ev.CorrelationID]++
	ev.Sequence = m.seqs[ev.CorrelationID]
	ev.Position = int64(len(m.events) + 1)
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("ev-%d", len(m.events)+1)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *memEvents) Replay(_ context.Context, correlationID string) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.CorrelationID == correlationID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Load mirrors the postgres store: a limit of zero or less falls back to
// 1000, so callers that want the full log must page via AfterPosition.
func (m *memEvents) Load(_ context.Context, filter event.Filter, limit int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 1000
	}
	var out []event.Event
	for i := range m.events {
		if filter.Matches(&m.events[i]) {
			out = append(out, m.events[i])
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memEvents) byType(typ event.Type) []event.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.Event
	for _, ev := range m.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// memStore is an in-memory snapshot store.
type memStore struct {
	mu      sync.Mutex
	sagas   map[string]*saga.Instance
	workers map[string]*worker.Instance
	quotas  map[string]*quota.Quota
}

func newMemStore() *memStore {
	return &memStore{
		sagas:   make(map[string]*saga.Instance),
		workers: make(map[string]*worker.Instance),
		quotas:  make(map[string]*quota.Quota),
	}
}

func cloneSaga(inst *saga.Instance) *saga.Instance {
	cp := *inst
	cp.StepResults = make(map[string]json.RawMessage, len(inst.StepResults))
	for k, v := range inst.StepResults {
		cp.StepResults[k] = append(json.RawMessage(nil), v...)
	}
	cp.CompensationLog = append([]saga.CompensationEntry(nil), inst.CompensationLog...)
	return &cp
}

func (m *memStore) CreateSaga(_ context.Context, inst *saga.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[inst.SagaID]; ok {
		return domain.ErrDuplicateSaga
	}
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}
	inst.LastUpdatedAt = inst.CreatedAt
	m.sagas[inst.SagaID] = cloneSaga(inst)
	return nil
}

func (m *memStore) SaveSaga(_ context.Context, inst *saga.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sagas[inst.SagaID]; !ok {
		return domain.ErrNotFound
	}
	inst.LastUpdatedAt = time.Now().UTC()
	m.sagas[inst.SagaID] = cloneSaga(inst)
	return nil
}

func (m *memStore) GetSaga(_ context.Context, sagaID string) (*saga.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.sagas[sagaID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneSaga(inst), nil
}

func (m *memStore) ListSagas(_ context.Context, status saga.Status, limit int) ([]saga.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []saga.Instance
	for _, inst := range m.sagas {
		if status != "" && inst.Status != status {
			continue
		}
		out = append(out, *cloneSaga(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListUnfinishedSagas(_ context.Context) ([]saga.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []saga.Instance
	for _, inst := range m.sagas {
		if !inst.Status.IsTerminal() {
			out = append(out, *cloneSaga(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) CreateWorker(_ context.Context, w *worker.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workers[w.ID] = &cp
	return nil
}

func (m *memStore) UpdateWorkerStatus(_ context.Context, id string, status worker.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return domain.ErrNotFound
	}
	w.Status = status
	if status.IsTerminal() {
		now := time.Now().UTC()
		w.CompletedAt = &now
	}
	return nil
}

func (m *memStore) ListWorkersBySaga(_ context.Context, sagaID string) ([]worker.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []worker.Instance
	for _, w := range m.workers {
		if w.SagaID == sagaID {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *memStore) DeleteFinishedWorkers(_ context.Context, sagaID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.workers {
		if w.SagaID == sagaID && w.Status.IsTerminal() {
			delete(m.workers, id)
		}
	}
	return nil
}

func (m *memStore) GetQuota(_ context.Context, requesterKey string) (*quota.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.quotas[requesterKey]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *q
	return &cp, nil
}

func (m *memStore) UpsertQuota(_ context.Context, q *quota.Quota) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *q
	m.quotas[q.RequesterKey] = &cp
	return nil
}

func (m *memStore) ListQuotas(_ context.Context) ([]quota.Quota, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []quota.Quota
	for _, q := range m.quotas {
		out = append(out, *q)
	}
	return out, nil
}

// memQueue is an in-memory message queue with synchronous delivery.
type memQueue struct {
	mu        sync.Mutex
	handlers  map[string][]messagequeue.Handler
	published map[string][][]byte
}

func newMemQueue() *memQueue {
	return &memQueue{
		handlers:  make(map[string][]messagequeue.Handler),
		published: make(map[string][][]byte),
	}
}

func (m *memQueue) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	m.published[subject] = append(m.published[subject], data)
	handlers := append([]messagequeue.Handler(nil), m.handlers[subject]...)
	m.mu.Unlock()
	for _, h := range handlers {
		if err := h(ctx, subject, data); err != nil {
			return err
		}
	}
	return nil
}

func (m *memQueue) Subscribe(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	m.mu.Lock()
	m.handlers[subject] = append(m.handlers[subject], handler)
	m.mu.Unlock()
	return func() {}, nil
}

func (m *memQueue) Drain() error      { return nil }
func (m *memQueue) Close() error      { return nil }
func (m *memQueue) IsConnected() bool { return true }

func (m *memQueue) sent(subject string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.published[subject]...)
}

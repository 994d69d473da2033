package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxline/conductor/internal/adapter/postgres"
	"github.com/fluxline/conductor/internal/domain"
	"github.com/fluxline/conductor/internal/domain/event"
	"github.com/fluxline/conductor/internal/domain/quota"
	"github.com/fluxline/conductor/internal/domain/saga"
	"github.com/fluxline/conductor/internal/domain/worker"
)

// testPool connects to DATABASE_URL and runs migrations, or skips the test
// when no database is available.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := postgres.RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("run migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func newTestSaga(requesterKey string) *saga.Instance {
	id := uuid.NewString()
	return &saga.Instance{
		SagaID:            id,
		Definition:        "order-fulfillment",
		DefinitionVersion: 1,
		CorrelationID:     id,
		RequesterKey:      requesterKey,
		Payload:           json.RawMessage(`{"orderId":"o-1"}`),
		Status:            saga.StatusPending,
		StepResults:       map[string]json.RawMessage{},
	}
}

func TestEventStoreAppendAssignsSequence(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewEventStore(pool)
	ctx := context.Background()

	correlationID := uuid.NewString()
	for i := 1; i <= 3; i++ {
		ev := &event.Event{
			Type:          event.TypeStepCompleted,
			Source:        "orchestrator",
			CorrelationID: correlationID,
			Payload:       json.RawMessage(`{}`),
			Version:       1,
		}
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if ev.Sequence != int64(i) {
			t.Fatalf("sequence = %d, want %d", ev.Sequence, i)
		}
		if ev.ID == "" {
			t.Fatal("expected assigned event ID")
		}
	}

	events, err := store.Replay(ctx, correlationID)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("replay returned %d events, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("replay[%d].Sequence = %d, want %d", i, ev.Sequence, i+1)
		}
	}
}

func TestEventStoreLoadFilters(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewEventStore(pool)
	ctx := context.Background()

	correlationID := uuid.NewString()
	types := []event.Type{event.TypeSagaStarted, event.TypeStepCompleted, event.TypeSagaCompleted}
	for _, typ := range types {
		ev := &event.Event{Type: typ, CorrelationID: correlationID, Payload: json.RawMessage(`{}`), Version: 1}
		if err := store.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := store.Load(ctx, event.Filter{
		CorrelationID: correlationID,
		Types:         []event.Type{event.TypeStepCompleted},
	}, 10)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].Type != event.TypeStepCompleted {
		t.Fatalf("load returned %+v, want one step.completed", got)
	}

	// Paging by position: skip past the first event, keep insertion order.
	all, err := store.Load(ctx, event.Filter{CorrelationID: correlationID}, 10)
	if err != nil {
		t.Fatalf("load all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("load all returned %d events, want 3", len(all))
	}
	rest, err := store.Load(ctx, event.Filter{
		CorrelationID: correlationID,
		AfterPosition: all[0].Position,
	}, 10)
	if err != nil {
		t.Fatalf("load after position: %v", err)
	}
	if len(rest) != 2 || rest[0].Type != event.TypeStepCompleted || rest[1].Type != event.TypeSagaCompleted {
		t.Fatalf("load after position returned %+v, want the later two events", rest)
	}
}

func TestSagaRoundTrip(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	inst := newTestSaga("team-a")
	if err := store.CreateSaga(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}

	inst.Status = saga.StatusCompensating
	inst.CurrentStepIndex = 2
	inst.StepResults["reserve-stock"] = json.RawMessage(`{"reservationId":"r-9"}`)
	inst.CompensationLog = append(inst.CompensationLog, saga.CompensationEntry{
		StepName:   "reserve-stock",
		ExecutedAt: time.Now().UTC(),
	})
	if err := store.SaveSaga(ctx, inst); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetSaga(ctx, inst.SagaID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != saga.StatusCompensating || got.CurrentStepIndex != 2 {
		t.Fatalf("got status=%s step=%d", got.Status, got.CurrentStepIndex)
	}
	if string(got.StepResults["reserve-stock"]) != `{"reservationId": "r-9"}` &&
		string(got.StepResults["reserve-stock"]) != `{"reservationId":"r-9"}` {
		t.Fatalf("step results not preserved: %s", got.StepResults["reserve-stock"])
	}
	if len(got.CompensationLog) != 1 || got.CompensationLog[0].StepName != "reserve-stock" {
		t.Fatalf("compensation log not preserved: %+v", got.CompensationLog)
	}
}

func TestCreateSagaDuplicate(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	inst := newTestSaga("team-a")
	if err := store.CreateSaga(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateSaga(ctx, inst); !errors.Is(err, domain.ErrDuplicateSaga) {
		t.Fatalf("expected ErrDuplicateSaga, got %v", err)
	}
}

func TestGetSagaNotFound(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStore(pool)

	_, err := store.GetSaga(context.Background(), uuid.NewString())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	inst := newTestSaga("team-b")
	if err := store.CreateSaga(ctx, inst); err != nil {
		t.Fatalf("create saga: %v", err)
	}

	now := time.Now().UTC()
	w := &worker.Instance{
		ID:         uuid.NewString(),
		SagaID:     inst.SagaID,
		StepName:   "charge-card",
		SpawnDepth: 1,
		Status:     worker.StatusRunning,
		StartedAt:  &now,
	}
	if err := store.CreateWorker(ctx, w); err != nil {
		t.Fatalf("create worker: %v", err)
	}

	if err := store.UpdateWorkerStatus(ctx, w.ID, worker.StatusCompleted); err != nil {
		t.Fatalf("update worker: %v", err)
	}

	workers, err := store.ListWorkersBySaga(ctx, inst.SagaID)
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(workers) != 1 || workers[0].Status != worker.StatusCompleted {
		t.Fatalf("workers = %+v", workers)
	}
	if workers[0].CompletedAt == nil {
		t.Fatal("expected completed_at to be set for terminal status")
	}

	if err := store.DeleteFinishedWorkers(ctx, inst.SagaID); err != nil {
		t.Fatalf("delete finished: %v", err)
	}
	workers, err = store.ListWorkersBySaga(ctx, inst.SagaID)
	if err != nil {
		t.Fatalf("list after delete: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected no workers after GC, got %d", len(workers))
	}
}

func TestQuotaUpsertAndList(t *testing.T) {
	pool := testPool(t)
	store := postgres.NewStore(pool)
	ctx := context.Background()

	key := "team-" + uuid.NewString()
	q := &quota.Quota{RequesterKey: key, MaxConcurrentAgents: 4, MaxSpawnDepth: 2, MaxChildrenPerParent: 3, APICallsPerMinute: 30}
	if err := store.UpsertQuota(ctx, q); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	q.MaxConcurrentAgents = 8
	if err := store.UpsertQuota(ctx, q); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	got, err := store.GetQuota(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MaxConcurrentAgents != 8 {
		t.Fatalf("MaxConcurrentAgents = %d, want 8", got.MaxConcurrentAgents)
	}

	_, err = store.GetQuota(ctx, "no-such-requester")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

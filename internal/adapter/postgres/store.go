package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fluxline/conductor/internal/domain"
	"github.com/fluxline/conductor/internal/domain/quota"
	"github.com/fluxline/conductor/internal/domain/saga"
	"github.com/fluxline/conductor/internal/domain/worker"
)

// Store implements database.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Sagas ---

const sagaColumns = `saga_id, definition, definition_version, correlation_id, requester_key, payload, current_step, status, step_results, compensation_log, error, created_at, updated_at`

func scanSaga(scanner scannable) (saga.Instance, error) {
	var inst saga.Instance
	var stepResults, compLog []byte
	err := scanner.Scan(
		&inst.SagaID, &inst.Definition, &inst.DefinitionVersion, &inst.CorrelationID,
		&inst.RequesterKey, &inst.Payload, &inst.CurrentStepIndex, &inst.Status,
		&stepResults, &compLog, &inst.Error, &inst.CreatedAt, &inst.LastUpdatedAt,
	)
	if err != nil {
		return inst, err
	}
	if err := json.Unmarshal(stepResults, &inst.StepResults); err != nil {
		return inst, fmt.Errorf("unmarshal step results: %w", err)
	}
	if err := json.Unmarshal(compLog, &inst.CompensationLog); err != nil {
		return inst, fmt.Errorf("unmarshal compensation log: %w", err)
	}
	return inst, nil
}

func marshalSagaJSON(inst *saga.Instance) (stepResults, compLog []byte, err error) {
	results := inst.StepResults
	if results == nil {
		results = map[string]json.RawMessage{}
	}
	stepResults, err = json.Marshal(results)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal step results: %w", err)
	}
	log := inst.CompensationLog
	if log == nil {
		log = []saga.CompensationEntry{}
	}
	compLog, err = json.Marshal(log)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal compensation log: %w", err)
	}
	return stepResults, compLog, nil
}

func (s *Store) CreateSaga(ctx context.Context, inst *saga.Instance) error {
	stepResults, compLog, err := marshalSagaJSON(inst)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO sagas (saga_id, definition, definition_version, correlation_id, requester_key, payload, current_step, status, step_results, compensation_log, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING created_at, updated_at`,
		inst.SagaID, inst.Definition, inst.DefinitionVersion, inst.CorrelationID,
		inst.RequesterKey, inst.Payload, inst.CurrentStepIndex, string(inst.Status),
		stepResults, compLog, inst.Error).
		Scan(&inst.CreatedAt, &inst.LastUpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("create saga %s: %w", inst.SagaID, domain.ErrDuplicateSaga)
		}
		return fmt.Errorf("create saga %s: %w", inst.SagaID, err)
	}
	return nil
}

func (s *Store) SaveSaga(ctx context.Context, inst *saga.Instance) error {
	stepResults, compLog, err := marshalSagaJSON(inst)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sagas
		 SET current_step = $2, status = $3, step_results = $4, compensation_log = $5, error = $6, updated_at = now()
		 WHERE saga_id = $1`,
		inst.SagaID, inst.CurrentStepIndex, string(inst.Status), stepResults, compLog, inst.Error)
	if err != nil {
		return fmt.Errorf("save saga %s: %w", inst.SagaID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("save saga %s: %w", inst.SagaID, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) GetSaga(ctx context.Context, sagaID string) (*saga.Instance, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM sagas WHERE saga_id = $1`, sagaColumns), sagaID)

	inst, err := scanSaga(row)
	if err != nil {
		return nil, notFoundWrap(err, "get saga %s", sagaID)
	}
	return &inst, nil
}

func (s *Store) ListSagas(ctx context.Context, status saga.Status, limit int) ([]saga.Instance, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM sagas ORDER BY created_at DESC LIMIT $1`, sagaColumns), limit)
	} else {
		rows, err = s.pool.Query(ctx,
			fmt.Sprintf(`SELECT %s FROM sagas WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, sagaColumns),
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	defer rows.Close()

	var sagas []saga.Instance
	for rows.Next() {
		inst, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		sagas = append(sagas, inst)
	}
	return sagas, rows.Err()
}

// ListUnfinishedSagas returns every saga that has not reached a terminal
// status, ordered oldest first. Used to resume work after a restart.
func (s *Store) ListUnfinishedSagas(ctx context.Context) ([]saga.Instance, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM sagas WHERE status IN ('pending', 'running', 'compensating') ORDER BY created_at ASC`, sagaColumns))
	if err != nil {
		return nil, fmt.Errorf("list unfinished sagas: %w", err)
	}
	defer rows.Close()

	var sagas []saga.Instance
	for rows.Next() {
		inst, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan saga: %w", err)
		}
		sagas = append(sagas, inst)
	}
	return sagas, rows.Err()
}

// --- Workers ---

func (s *Store) CreateWorker(ctx context.Context, w *worker.Instance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workers (id, parent_id, saga_id, step_name, spawn_depth, status, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		w.ID, nullIfEmpty(w.ParentID), w.SagaID, w.StepName, w.SpawnDepth,
		string(w.Status), nullTime(w.StartedAt), nullTime(w.CompletedAt))
	if err != nil {
		return fmt.Errorf("create worker %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) UpdateWorkerStatus(ctx context.Context, id string, status worker.Status) error {
	completed := "completed_at"
	if status.IsTerminal() {
		completed = "now()"
	}
	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE workers SET status = $2, completed_at = %s WHERE id = $1`, completed),
		id, string(status))
	if err != nil {
		return fmt.Errorf("update worker %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update worker %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) ListWorkersBySaga(ctx context.Context, sagaID string) ([]worker.Instance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, COALESCE(parent_id::text, ''), saga_id, step_name, spawn_depth, status, started_at, completed_at
		 FROM workers WHERE saga_id = $1 ORDER BY started_at ASC NULLS LAST`, sagaID)
	if err != nil {
		return nil, fmt.Errorf("list workers for saga %s: %w", sagaID, err)
	}
	defer rows.Close()

	var workers []worker.Instance
	for rows.Next() {
		var w worker.Instance
		if err := rows.Scan(&w.ID, &w.ParentID, &w.SagaID, &w.StepName, &w.SpawnDepth,
			&w.Status, &w.StartedAt, &w.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// DeleteFinishedWorkers removes terminal worker rows for a saga. The event
// log keeps the execution history.
func (s *Store) DeleteFinishedWorkers(ctx context.Context, sagaID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM workers WHERE saga_id = $1 AND status IN ('completed', 'failed', 'timeout')`, sagaID)
	if err != nil {
		return fmt.Errorf("delete finished workers for saga %s: %w", sagaID, err)
	}
	return nil
}

// --- Quotas ---

func (s *Store) GetQuota(ctx context.Context, requesterKey string) (*quota.Quota, error) {
	var q quota.Quota
	err := s.pool.QueryRow(ctx,
		`SELECT requester_key, max_concurrent_agents, max_spawn_depth, max_children_per_parent, api_calls_per_minute
		 FROM quotas WHERE requester_key = $1`, requesterKey).
		Scan(&q.RequesterKey, &q.MaxConcurrentAgents, &q.MaxSpawnDepth, &q.MaxChildrenPerParent, &q.APICallsPerMinute)
	if err != nil {
		return nil, notFoundWrap(err, "get quota %s", requesterKey)
	}
	return &q, nil
}

func (s *Store) UpsertQuota(ctx context.Context, q *quota.Quota) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO quotas (requester_key, max_concurrent_agents, max_spawn_depth, max_children_per_parent, api_calls_per_minute)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (requester_key) DO UPDATE
		 SET max_concurrent_agents = EXCLUDED.max_concurrent_agents,
		     max_spawn_depth = EXCLUDED.max_spawn_depth,
		     max_children_per_parent = EXCLUDED.max_children_per_parent,
		     api_calls_per_minute = EXCLUDED.api_calls_per_minute,
		     updated_at = now()`,
		q.RequesterKey, q.MaxConcurrentAgents, q.MaxSpawnDepth, q.MaxChildrenPerParent, q.APICallsPerMinute)
	if err != nil {
		return fmt.Errorf("upsert quota %s: %w", q.RequesterKey, err)
	}
	return nil
}

func (s *Store) ListQuotas(ctx context.Context) ([]quota.Quota, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT requester_key, max_concurrent_agents, max_spawn_depth, max_children_per_parent, api_calls_per_minute
		 FROM quotas ORDER BY requester_key`)
	if err != nil {
		return nil, fmt.Errorf("list quotas: %w", err)
	}
	defer rows.Close()

	var quotas []quota.Quota
	for rows.Next() {
		var q quota.Quota
		if err := rows.Scan(&q.RequesterKey, &q.MaxConcurrentAgents, &q.MaxSpawnDepth,
			&q.MaxChildrenPerParent, &q.APICallsPerMinute); err != nil {
			return nil, fmt.Errorf("scan quota: %w", err)
		}
		quotas = append(quotas, q)
	}
	return quotas, rows.Err()
}

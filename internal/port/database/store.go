// Package database defines the snapshot store port (interface).
package database

import (
	"context"

	"github.com/fluxline/conductor/internal/domain/quota"
	"github.com/fluxline/conductor/internal/domain/saga"
	"github.com/fluxline/conductor/internal/domain/worker"
)

// Store is the port interface for the periodic snapshot of live saga and
// worker state. Snapshots let a restart resume from the last durable
// checkpoint instead of replaying the entire event log.
type Store interface {
	// Sagas
	CreateSaga(ctx context.Context, inst *saga.Instance) error
	SaveSaga(ctx context.Context, inst *saga.Instance) error
	GetSaga(ctx context.Context, sagaID string) (*saga.Instance, error)
	ListSagas(ctx context.Context, status saga.Status, limit int) ([]saga.Instance, error)
	ListUnfinishedSagas(ctx context.Context) ([]saga.Instance, error)

	// Workers
	CreateWorker(ctx context.Context, w *worker.Instance) error
	UpdateWorkerStatus(ctx context.Context, id string, status worker.Status) error
	ListWorkersBySaga(ctx context.Context, sagaID string) ([]worker.Instance, error)
	DeleteFinishedWorkers(ctx context.Context, sagaID string) error

	// Quotas
	GetQuota(ctx context.Context, requesterKey string) (*quota.Quota, error)
	UpsertQuota(ctx context.Context, q *quota.Quota) error
	ListQuotas(ctx context.Context) ([]quota.Quota, error)
}

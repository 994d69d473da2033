package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fluxline/conductor/internal/domain"
	"github.com/fluxline/conductor/internal/domain/event"
	"github.com/fluxline/conductor/internal/domain/quota"
	"github.com/fluxline/conductor/internal/port/database"
	"github.com/fluxline/conductor/internal/resilience"
)

// ResourceManager enforces per-requester quotas: concurrent workers,
// spawn depth, children per parent, and API call budget. Admission is
// atomic; a granted slot is held until Release.
type ResourceManager struct {
	store    database.Store
	bus      *EventBus
	log      *slog.Logger
	defaults quota.Quota

	mu         sync.Mutex
	requesters map[string]*requesterState
}

type requesterState struct {
	quota    quota.Quota
	active   int
	children map[string]int // parent worker ID -> live child count
	bucket   *resilience.TokenBucket
}

// NewResourceManager creates a resource manager with the given default
// quota for requesters without an explicit policy.
func NewResourceManager(store database.Store, bus *EventBus, defaults quota.Quota, log *slog.Logger) *ResourceManager {
	return &ResourceManager{
		store:      store,
		bus:        bus,
		log:        log,
		defaults:   defaults,
		requesters: make(map[string]*requesterState),
	}
}

// Acquire admits one worker for the requester or rejects with a
// *domain.QuotaError. parentID is the spawning worker ("" for a saga
// root); depth is the would-be spawn depth of the new worker.
func (m *ResourceManager) Acquire(ctx context.Context, requesterKey, parentID string, depth int) error {
	m.mu.Lock()
	st := m.state(ctx, requesterKey)

	var reason string
	switch {
	case st.active >= st.quota.MaxConcurrentAgents:
		reason = fmt.Sprintf("concurrent workers at limit (%d)", st.quota.MaxConcurrentAgents)
	case depth > st.quota.MaxSpawnDepth:
		reason = fmt.Sprintf("spawn depth %d exceeds limit %d", depth, st.quota.MaxSpawnDepth)
	case parentID != "" && st.children[parentID] >= st.quota.MaxChildrenPerParent:
		reason = fmt.Sprintf("parent %s at children limit (%d)", parentID, st.quota.MaxChildrenPerParent)
	}

	if reason != "" {
		m.mu.Unlock()
		m.bus.Emit(ctx, event.TypeQuotaRejected, "resource-manager", requesterKey, "",
			event.QuotaPayload{RequesterKey: requesterKey, Reason: reason})
		return &domain.QuotaError{RequesterKey: requesterKey, Reason: reason}
	}

	st.active++
	if parentID != "" {
		st.children[parentID]++
	}
	m.mu.Unlock()
	return nil
}

// Release returns a worker slot acquired with Acquire. Safe to call with
// counts already at zero; releases never go negative.
func (m *ResourceManager) Release(requesterKey, parentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.requesters[requesterKey]
	if !ok {
		return
	}
	if st.active > 0 {
		st.active--
	}
	if parentID != "" {
		if n := st.children[parentID]; n > 1 {
			st.children[parentID] = n - 1
		} else {
			delete(st.children, parentID)
		}
	}
}

// ConsumeAPIBudget takes n tokens from the requester's API budget and
// reports whether the call is within quota. Callers that get false should
// back off; the bucket refills continuously.
func (m *ResourceManager) ConsumeAPIBudget(ctx context.Context, requesterKey string, n int) bool {
	m.mu.Lock()
	st := m.state(ctx, requesterKey)
	bucket := st.bucket
	m.mu.Unlock()

	return bucket.Consume(n)
}

// ActiveCount returns the number of held worker slots for a requester.
func (m *ResourceManager) ActiveCount(requesterKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.requesters[requesterKey]; ok {
		return st.active
	}
	return 0
}

// SetQuota persists a quota override and applies it to live admission
// state. The API budget bucket is rebuilt with the new rate.
func (m *ResourceManager) SetQuota(ctx context.Context, q *quota.Quota) error {
	if err := m.store.UpsertQuota(ctx, q); err != nil {
		return fmt.Errorf("set quota: %w", err)
	}

	merged := quota.Merge(m.defaults, *q)

	m.mu.Lock()
	if st, ok := m.requesters[q.RequesterKey]; ok {
		st.quota = merged
		st.bucket = resilience.NewTokenBucket(merged.APICallsPerMinute, merged.APICallsPerMinute)
	}
	m.mu.Unlock()

	m.bus.Emit(ctx, event.TypeQuotaUpdated, "resource-manager", q.RequesterKey, "",
		event.QuotaPayload{RequesterKey: q.RequesterKey})
	return nil
}

// QuotaFor returns the effective quota for a requester (defaults merged
// with any stored override).
func (m *ResourceManager) QuotaFor(ctx context.Context, requesterKey string) quota.Quota {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state(ctx, requesterKey).quota
}

// state returns the live admission state for a requester, loading the
// stored quota override on first use. Caller holds m.mu.
func (m *ResourceManager) state(ctx context.Context, requesterKey string) *requesterState {
	if st, ok := m.requesters[requesterKey]; ok {
		return st
	}

	effective := m.defaults
	stored, err := m.store.GetQuota(ctx, requesterKey)
	switch {
	case err == nil:
		effective = quota.Merge(m.defaults, *stored)
	case !errors.Is(err, domain.ErrNotFound):
		m.log.Warn("quota lookup failed, using defaults",
			"requester_key", requesterKey, "error", err)
	}

	st := &requesterState{
		quota:    effective,
		children: make(map[string]int),
		bucket:   resilience.NewTokenBucket(effective.APICallsPerMinute, effective.APICallsPerMinute),
	}
	m.requesters[requesterKey] = st
	return st
}

package service

import (
	"context"
	"errors"
	"testing"

	"github.com/fluxline/conductor/internal/domain"
	"github.com/fluxline/conductor/internal/domain/event"
	"github.com/fluxline/conductor/internal/domain/quota"
)

func newTestResources(t *testing.T, defaults quota.Quota) (*ResourceManager, *memEvents) {
	t.Helper()
	events := newMemEvents()
	bus := NewEventBus(events, nil, testLogger())
	return NewResourceManager(newMemStore(), bus, defaults, testLogger()), events
}

func TestResourceConcurrencyLimit(t *testing.T) {
	rm, events := newTestResources(t, quota.Quota{
		MaxConcurrentAgents: 2, MaxSpawnDepth: 3, MaxChildrenPerParent: 5, APICallsPerMinute: 60,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := rm.Acquire(ctx, "team-a", "", 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	err := rm.Acquire(ctx, "team-a", "", 1)
	var qe *domain.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("got %v, want QuotaError", err)
	}
	if qe.RequesterKey != "team-a" {
		t.Fatalf("error names requester %q", qe.RequesterKey)
	}
	if got := len(events.byType(event.TypeQuotaRejected)); got != 1 {
		t.Fatalf("got %d quota.rejected events, want 1", got)
	}

	// Releasing a slot makes room again.
	rm.Release("team-a", "")
	if err := rm.Acquire(ctx, "team-a", "", 1); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestResourceQuotasAreIndependentPerRequester(t *testing.T) {
	rm, _ := newTestResources(t, quota.Quota{
		MaxConcurrentAgents: 1, MaxSpawnDepth: 3, MaxChildrenPerParent: 5, APICallsPerMinute: 60,
	})
	ctx := context.Background()

	if err := rm.Acquire(ctx, "team-a", "", 1); err != nil {
		t.Fatalf("team-a acquire: %v", err)
	}
	if err := rm.Acquire(ctx, "team-b", "", 1); err != nil {
		t.Fatalf("team-b must not be affected by team-a's usage: %v", err)
	}
}

func TestResourceSpawnDepthLimit(t *testing.T) {
	rm, _ := newTestResources(t, quota.Quota{
		MaxConcurrentAgents: 10, MaxSpawnDepth: 2, MaxChildrenPerParent: 5, APICallsPerMinute: 60,
	})
	ctx := context.Background()

	if err := rm.Acquire(ctx, "team-a", "", 2); err != nil {
		t.Fatalf("depth at limit should pass: %v", err)
	}
	err := rm.Acquire(ctx, "team-a", "", 3)
	var qe *domain.QuotaError
	if !errors.As(err, &qe) {
		t.Fatalf("depth beyond limit: got %v, want QuotaError", err)
	}
}

func TestResourceChildrenPerParentLimit(t *testing.T) {
	rm, _ := newTestResources(t, quota.Quota{
		MaxConcurrentAgents: 10, MaxSpawnDepth: 5, MaxChildrenPerParent: 2, APICallsPerMinute: 60,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := rm.Acquire(ctx, "team-a", "parent-1", 2); err != nil {
			t.Fatalf("child %d: %v", i, err)
		}
	}
	var qe *domain.QuotaError
	if err := rm.Acquire(ctx, "team-a", "parent-1", 2); !errors.As(err, &qe) {
		t.Fatalf("third child: got %v, want QuotaError", err)
	}

	// A different parent has its own budget.
	if err := rm.Acquire(ctx, "team-a", "parent-2", 2); err != nil {
		t.Fatalf("other parent: %v", err)
	}

	rm.Release("team-a", "parent-1")
	if err := rm.Acquire(ctx, "team-a", "parent-1", 2); err != nil {
		t.Fatalf("after child release: %v", err)
	}
}

func TestResourceAPIBudgetIndependentOfConcurrency(t *testing.T) {
	rm, _ := newTestResources(t, quota.Quota{
		MaxConcurrentAgents: 10, MaxSpawnDepth: 3, MaxChildrenPerParent: 5, APICallsPerMinute: 3,
	})
	ctx := context.Background()

	// Burst equals the per-minute rate; the fourth call in the window is
	// rejected even though no worker slots are held.
	for i := 0; i < 3; i++ {
		if !rm.ConsumeAPIBudget(ctx, "team-a", 1) {
			t.Fatalf("call %d should be within budget", i)
		}
	}
	if rm.ConsumeAPIBudget(ctx, "team-a", 1) {
		t.Fatal("budget exhausted, consume should fail")
	}

	// Budget rejection must not consume worker slots.
	if err := rm.Acquire(ctx, "team-a", "", 1); err != nil {
		t.Fatalf("acquire unaffected by api budget: %v", err)
	}
}

func TestResourceSetQuotaAppliesToLiveState(t *testing.T) {
	rm, events := newTestResources(t, quota.Quota{
		MaxConcurrentAgents: 1, MaxSpawnDepth: 3, MaxChildrenPerParent: 5, APICallsPerMinute: 60,
	})
	ctx := context.Background()

	if err := rm.Acquire(ctx, "team-a", "", 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := rm.Acquire(ctx, "team-a", "", 1); err == nil {
		t.Fatal("second acquire should exceed default quota")
	}

	if err := rm.SetQuota(ctx, &quota.Quota{RequesterKey: "team-a", MaxConcurrentAgents: 5}); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	if err := rm.Acquire(ctx, "team-a", "", 1); err != nil {
		t.Fatalf("acquire under raised quota: %v", err)
	}
	if got := rm.QuotaFor(ctx, "team-a").MaxConcurrentAgents; got != 5 {
		t.Fatalf("effective quota = %d, want 5", got)
	}
	if got := len(events.byType(event.TypeQuotaUpdated)); got != 1 {
		t.Fatalf("got %d quota.updated events, want 1", got)
	}
}

func TestResourceReleaseNeverGoesNegative(t *testing.T) {
	rm, _ := newTestResources(t, quota.Quota{
		MaxConcurrentAgents: 2, MaxSpawnDepth: 3, MaxChildrenPerParent: 5, APICallsPerMinute: 60,
	})

	rm.Release("team-a", "")
	rm.Release("team-a", "parent-1")
	if got := rm.ActiveCount("team-a"); got != 0 {
		t.Fatalf("active = %d, want 0", got)
	}
}

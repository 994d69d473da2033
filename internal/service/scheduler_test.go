package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fluxline/conductor/internal/config"
	"github.com/fluxline/conductor/internal/domain"
)

func testSchedulerConfig() config.Scheduler {
	return config.Scheduler{
		PerRequesterCap: 3,
		TotalCap:        10,
		Workers:         2,
		RequeueBase:     5 * time.Millisecond,
		RequeueMax:      50 * time.Millisecond,
	}
}

func noopTask(requester string) *Task {
	return &Task{
		SagaID:       "s",
		RequesterKey: requester,
		Run:          func(context.Context) error { return nil },
	}
}

func TestSchedulerPerRequesterCap(t *testing.T) {
	s := NewScheduler(testSchedulerConfig(), testLogger())

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(noopTask("team-a")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	err := s.Enqueue(noopTask("team-a"))
	var qf *domain.QueueFullError
	if !errors.As(err, &qf) {
		t.Fatalf("got %v, want QueueFullError", err)
	}
	if qf.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive backoff hint", qf.RetryAfter)
	}

	// Another requester still has room.
	if err := s.Enqueue(noopTask("team-b")); err != nil {
		t.Fatalf("team-b enqueue: %v", err)
	}
}

func TestSchedulerTotalCap(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.PerRequesterCap = 100
	cfg.TotalCap = 4
	s := NewScheduler(cfg, testLogger())

	for i := 0; i < 4; i++ {
		if err := s.Enqueue(noopTask("team-a")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	var qf *domain.QueueFullError
	if err := s.Enqueue(noopTask("team-b")); !errors.As(err, &qf) {
		t.Fatal("total cap must apply across requesters")
	}
}

func TestSchedulerCompensationBypassesPerRequesterCap(t *testing.T) {
	s := NewScheduler(testSchedulerConfig(), testLogger())

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(noopTask("team-a")); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	comp := noopTask("team-a")
	comp.Compensation = true
	if err := s.Enqueue(comp); err != nil {
		t.Fatalf("compensation blocked by the backlog that caused it: %v", err)
	}
}

func TestSchedulerCompensationRunsFirst(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Workers = 1
	s := NewScheduler(cfg, testLogger())

	var mu sync.Mutex
	var ran []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		}
	}

	s.Enqueue(&Task{SagaID: "n1", RequesterKey: "a", Run: record("normal-1")})
	s.Enqueue(&Task{SagaID: "n2", RequesterKey: "a", Run: record("normal-2")})
	s.Enqueue(&Task{SagaID: "c1", RequesterKey: "a", Compensation: true, Run: record("comp-1")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 3
	})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if ran[0] != "comp-1" {
		t.Fatalf("execution order %v, compensation must drain first", ran)
	}
}

func TestSchedulerRoundRobinFairness(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Workers = 1
	cfg.PerRequesterCap = 10
	cfg.TotalCap = 100
	s := NewScheduler(cfg, testLogger())

	var mu sync.Mutex
	var ran []string
	enqueue := func(requester string, n int) {
		for i := 0; i < n; i++ {
			s.Enqueue(&Task{SagaID: requester, RequesterKey: requester,
				Run: func(context.Context) error {
					mu.Lock()
					ran = append(ran, requester)
					mu.Unlock()
					return nil
				}})
		}
	}
	// A noisy requester with a deep queue and a quiet one with a single task.
	enqueue("noisy", 8)
	enqueue("quiet", 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ran) == 9
	})
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	// The quiet requester's task must interleave near the front, not
	// after the noisy backlog drains.
	for i, name := range ran {
		if name == "quiet" {
			if i > 2 {
				t.Fatalf("quiet requester starved: dispatched at position %d of %v", i, ran)
			}
			return
		}
	}
	t.Fatalf("quiet task never dispatched: %v", ran)
}

func TestSchedulerRequeueWithBackoff(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.Workers = 1
	s := NewScheduler(cfg, testLogger())

	var mu sync.Mutex
	attempts := 0
	s.Enqueue(&Task{
		SagaID:       "s1",
		RequesterKey: "a",
		Run: func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts < 3 {
				return errors.New("grant failed")
			}
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	})
	cancel()
	<-done
}

func TestSchedulerDepths(t *testing.T) {
	s := NewScheduler(testSchedulerConfig(), testLogger())
	s.Enqueue(noopTask("team-a"))
	s.Enqueue(noopTask("team-a"))
	s.Enqueue(noopTask("team-b"))

	total, per := s.Depths()
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if per["team-a"] != 2 || per["team-b"] != 1 {
		t.Fatalf("per-requester depths = %v", per)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

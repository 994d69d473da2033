package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxline/conductor/internal/config"
	"github.com/fluxline/conductor/internal/domain"
)

// Task is one schedulable unit of work. Run is invoked by a scheduler
// worker; a non-nil return requeues the task with exponential backoff.
type Task struct {
	SagaID       string
	RequesterKey string
	Compensation bool
	Run          func(ctx context.Context) error

	attempts   int
	enqueuedAt time.Time
}

// Scheduler is a bounded, fair dispatcher. Each requester gets its own
// FIFO pair (compensations drain before normal work); workers pick
// requesters round-robin so one noisy requester cannot starve the rest.
type Scheduler struct {
	cfg config.Scheduler
	log *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queues map[string]*requesterQueue
	order  []string // round-robin visit order, grows as requesters appear
	rrIdx  int
	total  int
	closed bool
}

type requesterQueue struct {
	compensation []*Task
	normal       []*Task
}

func (q *requesterQueue) depth() int {
	return len(q.compensation) + len(q.normal)
}

// NewScheduler creates a scheduler with the given capacity configuration.
func NewScheduler(cfg config.Scheduler, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		log:    log,
		queues: make(map[string]*requesterQueue),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue admits a task or rejects it with a *domain.QueueFullError.
// Compensation tasks are exempt from the per-requester cap: rollback work
// releases resources and must not be blocked by the backlog that caused
// the failure. The global cap still applies.
func (s *Scheduler) Enqueue(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return context.Canceled
	}

	q, ok := s.queues[task.RequesterKey]
	if !ok {
		q = &requesterQueue{}
		s.queues[task.RequesterKey] = q
		s.order = append(s.order, task.RequesterKey)
	}

	if s.total >= s.cfg.TotalCap {
		return &domain.QueueFullError{
			RequesterKey: task.RequesterKey,
			Depth:        s.total,
			RetryAfter:   s.cfg.RequeueBase,
		}
	}
	if !task.Compensation && q.depth() >= s.cfg.PerRequesterCap {
		return &domain.QueueFullError{
			RequesterKey: task.RequesterKey,
			Depth:        q.depth(),
			RetryAfter:   s.cfg.RequeueBase,
		}
	}

	task.enqueuedAt = time.Now()
	if task.Compensation {
		q.compensation = append(q.compensation, task)
	} else {
		q.normal = append(q.normal, task)
	}
	s.total++
	s.cond.Signal()
	return nil
}

// Run blocks executing tasks with cfg.Workers workers until ctx is
// cancelled, then drains nothing further and returns.
func (s *Scheduler) Run(ctx context.Context) error {
	// Wake blocked workers when the context ends.
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.worker(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) worker(ctx context.Context) {
	for {
		task := s.next()
		if task == nil {
			return
		}

		wait := time.Since(task.enqueuedAt)
		if err := task.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.requeue(task, err)
			continue
		}
		s.log.Debug("task dispatched",
			"saga_id", task.SagaID,
			"requester_key", task.RequesterKey,
			"queue_wait", wait)
	}
}

// next blocks until a task is available or the scheduler closes. Round
// robin: resume scanning at the requester after the last dispatched one.
func (s *Scheduler) next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return nil
		}
		if s.total > 0 {
			n := len(s.order)
			for i := 0; i < n; i++ {
				key := s.order[(s.rrIdx+i)%n]
				q := s.queues[key]
				var task *Task
				if len(q.compensation) > 0 {
					task, q.compensation = q.compensation[0], q.compensation[1:]
				} else if len(q.normal) > 0 {
					task, q.normal = q.normal[0], q.normal[1:]
				}
				if task != nil {
					s.rrIdx = (s.rrIdx + i + 1) % n
					s.total--
					return task
				}
			}
		}
		s.cond.Wait()
	}
}

// requeue puts a failed task back after an exponential backoff delay.
// The caps are bypassed: the slot was already accounted for when the
// task was first admitted.
func (s *Scheduler) requeue(task *Task, cause error) {
	task.attempts++
	delay := s.cfg.RequeueBase << (task.attempts - 1)
	if delay > s.cfg.RequeueMax || delay <= 0 {
		delay = s.cfg.RequeueMax
	}

	s.log.Info("task requeued",
		"saga_id", task.SagaID,
		"requester_key", task.RequesterKey,
		"attempt", task.attempts,
		"delay", delay,
		"cause", cause)

	time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		q, ok := s.queues[task.RequesterKey]
		if !ok {
			q = &requesterQueue{}
			s.queues[task.RequesterKey] = q
			s.order = append(s.order, task.RequesterKey)
		}
		task.enqueuedAt = time.Now()
		if task.Compensation {
			q.compensation = append(q.compensation, task)
		} else {
			q.normal = append(q.normal, task)
		}
		s.total++
		s.cond.Signal()
	})
}

// Depths returns the total queued task count and the per-requester depths.
func (s *Scheduler) Depths() (total int, perRequester map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	perRequester = make(map[string]int, len(s.queues))
	for key, q := range s.queues {
		if d := q.depth(); d > 0 {
			perRequester[key] = d
		}
	}
	return s.total, perRequester
}

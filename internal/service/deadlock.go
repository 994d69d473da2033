package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fluxline/conductor/internal/domain/event"
)

// TerminateFunc is called for the chosen victim of a deadlock cycle.
type TerminateFunc func(ctx context.Context, sagaID string, cycle []string)

// DeadlockDetector maintains the saga wait-for graph and periodically
// scans it for cycles. On detection it picks a deterministic victim (the
// youngest saga; lexically greatest saga ID on equal age) and hands it to
// the terminate callback.
type DeadlockDetector struct {
	bus       *EventBus
	log       *slog.Logger
	interval  time.Duration
	terminate TerminateFunc

	mu      sync.Mutex
	created map[string]time.Time // saga ID -> createdAt
	waits   map[string]string    // waiter saga ID -> holder saga ID
}

// NewDeadlockDetector creates a detector scanning at the given interval.
func NewDeadlockDetector(bus *EventBus, interval time.Duration, terminate TerminateFunc, log *slog.Logger) *DeadlockDetector {
	return &DeadlockDetector{
		bus:       bus,
		log:       log,
		interval:  interval,
		terminate: terminate,
		created:   make(map[string]time.Time),
		waits:     make(map[string]string),
	}
}

// Track registers a live saga so it can participate in victim selection.
func (d *DeadlockDetector) Track(sagaID string, createdAt time.Time) {
	d.mu.Lock()
	d.created[sagaID] = createdAt
	d.mu.Unlock()
}

// Forget removes a finished saga and any edge it holds.
func (d *DeadlockDetector) Forget(sagaID string) {
	d.mu.Lock()
	delete(d.created, sagaID)
	delete(d.waits, sagaID)
	for waiter, holder := range d.waits {
		if holder == sagaID {
			delete(d.waits, waiter)
		}
	}
	d.mu.Unlock()
}

// RegisterWait records that waiter is blocked on holder. A saga waits on
// at most one other saga at a time.
func (d *DeadlockDetector) RegisterWait(waiter, holder string) {
	d.mu.Lock()
	d.waits[waiter] = holder
	d.mu.Unlock()
}

// ClearWait removes the waiter's outgoing edge.
func (d *DeadlockDetector) ClearWait(waiter string) {
	d.mu.Lock()
	delete(d.waits, waiter)
	d.mu.Unlock()
}

// Run scans for cycles until ctx is cancelled.
func (d *DeadlockDetector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Scan(ctx)
		}
	}
}

// Scan runs one detection pass, breaking every cycle found.
func (d *DeadlockDetector) Scan(ctx context.Context) {
	for _, cycle := range d.detect() {
		victim := d.pickVictim(cycle)

		d.log.Warn("deadlock detected",
			"cycle", cycle,
			"victim", victim)
		d.bus.Emit(ctx, event.TypeDeadlockDetected, "deadlock-detector", victim, "",
			event.DeadlockPayload{Cycle: cycle, Victim: victim})

		// Drop the victim's edge so the cycle is broken even if
		// termination is slow to take effect.
		d.ClearWait(victim)
		if d.terminate != nil {
			d.terminate(ctx, victim, cycle)
		}

		d.bus.Emit(ctx, event.TypeDeadlockVictim, "deadlock-detector", victim, "",
			event.DeadlockPayload{Cycle: cycle, Victim: victim})
	}
}

// detect returns all distinct wait-for cycles. Nodes are visited in
// sorted order so detection is deterministic.
func (d *DeadlockDetector) detect() [][]string {
	d.mu.Lock()
	waits := make(map[string]string, len(d.waits))
	for k, v := range d.waits {
		waits[k] = v
	}
	d.mu.Unlock()

	nodes := make([]string, 0, len(waits))
	for waiter := range waits {
		nodes = append(nodes, waiter)
	}
	sort.Strings(nodes)

	const (
		white = 0 // unvisited
		gray  = 1 // on current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(waits))

	var cycles [][]string
	for _, start := range nodes {
		if color[start] != white {
			continue
		}
		// Each node has at most one outgoing edge, so the walk from
		// start is a simple chain that either exits the graph, reaches
		// explored territory, or loops back onto itself.
		var path []string
		node := start
		for {
			if color[node] == gray {
				// Found a cycle: the portion of path from node onward.
				for i, p := range path {
					if p == node {
						cycles = append(cycles, append([]string(nil), path[i:]...))
						break
					}
				}
				break
			}
			if color[node] == black {
				break
			}
			color[node] = gray
			path = append(path, node)
			next, ok := waits[node]
			if !ok {
				break
			}
			node = next
		}
		for _, p := range path {
			color[p] = black
		}
	}
	return cycles
}

// pickVictim selects the youngest saga in the cycle; ties break to the
// lexically greatest saga ID so every instance picks the same victim.
func (d *DeadlockDetector) pickVictim(cycle []string) string {
	d.mu.Lock()
	defer d.mu.Unlock()

	victim := cycle[0]
	for _, id := range cycle[1:] {
		vt, vok := d.created[victim]
		it, iok := d.created[id]
		switch {
		case !iok:
			continue
		case !vok:
			victim = id
		case it.After(vt):
			victim = id
		case it.Equal(vt) && id > victim:
			victim = id
		}
	}
	return victim
}

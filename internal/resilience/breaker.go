// Package resilience provides reliability patterns for external service calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the circuit breaker state, exported for dashboards.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	}
	return "UNKNOWN"
}

// BreakerConfig tunes a single breaker.
type BreakerConfig struct {
	// MaxFailures is the consecutive-failure count that trips the breaker.
	MaxFailures int
	// WindowSize is the number of recent calls tracked for the failure-rate
	// trip condition. Zero disables the rate condition.
	WindowSize int
	// FailureRate over the full window that trips the breaker (e.g. 0.5).
	FailureRate float64
	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration
}

// TransitionFunc observes breaker state changes.
type TransitionFunc func(dependencyID string, from, to State)

// Breaker implements a circuit breaker protecting one external dependency.
// It trips on consecutive failures or on a failure rate over a rolling
// window, rejects calls while open, and lets a single probe through after
// the cooldown elapses.
type Breaker struct {
	mu           sync.Mutex
	dependencyID string
	cfg          BreakerConfig
	state        State
	failures     int    // consecutive failures
	window       []bool // rolling outcome buffer, true = failure
	windowPos    int
	windowFull   bool
	probing      bool // a half-open probe is in flight
	openedAt     time.Time
	now          func() time.Time // for testing
	onTransition TransitionFunc
}

// NewBreaker creates a circuit breaker for the given dependency.
func NewBreaker(dependencyID string, cfg BreakerConfig) *Breaker {
	b := &Breaker{
		dependencyID: dependencyID,
		cfg:          cfg,
		now:          time.Now,
	}
	if cfg.WindowSize > 0 {
		b.window = make([]bool, cfg.WindowSize)
	}
	return b
}

// OnTransition registers a callback invoked on every state change.
// The callback runs outside the breaker lock.
func (b *Breaker) OnTransition(fn TransitionFunc) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// State returns the current state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn if the circuit allows it. While open, calls fail
// immediately with ErrCircuitOpen and fn is never invoked. In half-open
// only one probe call is admitted at a time.
func (b *Breaker) Execute(fn func() error) error {
	if transition, ok := b.allowRequest(); !ok {
		return ErrCircuitOpen
	} else if transition != nil {
		transition()
	}

	err := fn()
	b.record(err != nil)
	return err
}

// allowRequest decides admission and returns a deferred transition
// notification to run outside the lock.
func (b *Breaker) allowRequest() (notify func(), ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil, true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			notify = b.transitionLocked(StateHalfOpen)
			b.probing = true
			return notify, true
		}
		return nil, false
	case StateHalfOpen:
		if b.probing {
			return nil, false // another probe is already in flight
		}
		b.probing = true
		return nil, true
	}
	return nil, false
}

// record registers the outcome of an admitted call.
func (b *Breaker) record(failed bool) {
	var notify func()

	b.mu.Lock()
	b.probing = false

	if b.window != nil {
		b.window[b.windowPos] = failed
		b.windowPos = (b.windowPos + 1) % len(b.window)
		if b.windowPos == 0 {
			b.windowFull = true
		}
	}

	if failed {
		b.failures++
		if b.state == StateHalfOpen || b.tripLocked() {
			b.openedAt = b.now()
			notify = b.transitionLocked(StateOpen)
		}
	} else {
		b.failures = 0
		if b.state != StateClosed {
			b.resetWindowLocked()
			notify = b.transitionLocked(StateClosed)
		}
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// tripLocked reports whether the closed breaker should open. Caller holds b.mu.
func (b *Breaker) tripLocked() bool {
	if b.failures >= b.cfg.MaxFailures {
		return true
	}
	if b.window == nil || !b.windowFull || b.cfg.FailureRate <= 0 {
		return false
	}
	var failed int
	for _, f := range b.window {
		if f {
			failed++
		}
	}
	return float64(failed)/float64(len(b.window)) > b.cfg.FailureRate
}

// resetWindowLocked clears the rolling window. Caller holds b.mu.
func (b *Breaker) resetWindowLocked() {
	for i := range b.window {
		b.window[i] = false
	}
	b.windowPos = 0
	b.windowFull = false
}

// transitionLocked changes state and returns the deferred notification.
// Caller holds b.mu.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	fn := b.onTransition
	if fn == nil {
		return nil
	}
	dep := b.dependencyID
	return func() { fn(dep, from, to) }
}

package resilience

import (
	"sync"
	"time"
)

// TokenBucket is a wall-clock token bucket. Refill is proportional to
// elapsed time; Consume never blocks, it reports whether the budget
// allowed the call.
type TokenBucket struct {
	mu        sync.Mutex
	tokens    float64
	burst     float64
	ratePerS  float64
	updatedAt time.Time
	now       func() time.Time // for testing
}

// NewTokenBucket creates a bucket that refills ratePerMinute tokens per
// minute up to burst. The bucket starts full.
func NewTokenBucket(ratePerMinute, burst int) *TokenBucket {
	tb := &TokenBucket{
		tokens:   float64(burst),
		burst:    float64(burst),
		ratePerS: float64(ratePerMinute) / 60.0,
		now:      time.Now,
	}
	tb.updatedAt = tb.now()
	return tb
}

// Consume takes n tokens if available and reports whether it succeeded.
func (tb *TokenBucket) Consume(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.updatedAt).Seconds()
	tb.tokens += elapsed * tb.ratePerS
	if tb.tokens > tb.burst {
		tb.tokens = tb.burst
	}
	tb.updatedAt = now

	if tb.tokens < float64(n) {
		return false
	}
	tb.tokens -= float64(n)
	return true
}

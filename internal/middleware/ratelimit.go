package middleware

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// maxClients caps the number of tracked remote addresses so a scan
// across many source IPs cannot exhaust memory.
const maxClients = 100000

// RateLimiter applies a per-client token bucket to incoming requests.
// Clients are keyed by remote IP; proxy headers are never trusted.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	rate    float64 // tokens per second
	burst   int
}

type client struct {
	tokens     float64
	refilledAt time.Time
	lastSeen   time.Time
}

// NewRateLimiter creates a limiter with the given sustained rate
// (requests per second) and burst size.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*client),
		rate:    rate,
		burst:   burst,
	}
}

// Handler enforces the limit, answering 429 with a Retry-After header
// and the API's standard error body when a client is over budget.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remaining, wait, ok := rl.take(clientIP(r))

		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", time.Now().Add(time.Second).Unix()))

		if !ok {
			secs := int(math.Ceil(wait))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after":%d}`, secs)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// take consumes one token for key, reporting the remaining budget and,
// on rejection, the seconds until the next token accrues.
func (rl *RateLimiter) take(key string) (remaining int, wait float64, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	c, exists := rl.clients[key]
	if !exists {
		if len(rl.clients) >= maxClients {
			return 0, 1.0 / rl.rate, false
		}
		c = &client{tokens: float64(rl.burst) - 1, refilledAt: now, lastSeen: now}
		rl.clients[key] = c
		return int(c.tokens), 0, true
	}

	c.tokens += now.Sub(c.refilledAt).Seconds() * rl.rate
	if c.tokens > float64(rl.burst) {
		c.tokens = float64(rl.burst)
	}
	c.refilledAt = now
	c.lastSeen = now

	if c.tokens < 1 {
		return 0, (1 - c.tokens) / rl.rate, false
	}
	c.tokens--
	return int(c.tokens), 0, true
}

// StartCleanup evicts clients idle longer than maxIdle on the given
// interval. The returned function stops the sweep goroutine.
func (rl *RateLimiter) StartCleanup(interval, maxIdle time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.sweep(maxIdle)
			}
		}
	}()
	return cancel
}

func (rl *RateLimiter) sweep(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
		}
	}
}

// Len reports the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// clientIP derives the limiter key from RemoteAddr only. X-Forwarded-For
// and X-Real-Ip are attacker-controlled and would make the limit trivial
// to bypass.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

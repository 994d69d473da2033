package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func limited(rl *RateLimiter) http.Handler {
	return rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(h http.Handler, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterAllowsBurst(t *testing.T) {
	h := limited(NewRateLimiter(10, 10))
	for i := range 10 {
		if rec := hit(h, "192.168.1.1:4000"); rec.Code != http.StatusOK {
			t.Errorf("request %d: got %d, want 200", i+1, rec.Code)
		}
	}
}

func TestRateLimiterRejectsOverBudget(t *testing.T) {
	h := limited(NewRateLimiter(10, 5))
	for range 5 {
		hit(h, "192.168.1.1:4000")
	}

	rec := hit(h, "192.168.1.1:4000")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if !strings.Contains(rec.Body.String(), "retry_after") {
		t.Errorf("body %q missing retry_after", rec.Body.String())
	}
}

func TestRateLimiterSetsBudgetHeaders(t *testing.T) {
	rec := hit(limited(NewRateLimiter(10, 10)), "192.168.1.1:4000")
	if rec.Header().Get("X-RateLimit-Remaining") == "" {
		t.Error("missing X-RateLimit-Remaining header")
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("missing X-RateLimit-Reset header")
	}
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	h := limited(NewRateLimiter(10, 2))
	for range 2 {
		hit(h, "10.0.0.1:4000")
	}

	if rec := hit(h, "10.0.0.1:4000"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("10.0.0.1: got %d, want 429", rec.Code)
	}
	if rec := hit(h, "10.0.0.2:4000"); rec.Code != http.StatusOK {
		t.Errorf("10.0.0.2: got %d, want 200", rec.Code)
	}
}

func TestRateLimiterSweepEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(10, 2)
	h := limited(rl)
	hit(h, "10.0.0.1:4000")
	hit(h, "10.0.0.2:4000")
	if got := rl.Len(); got != 2 {
		t.Fatalf("tracked clients = %d, want 2", got)
	}

	time.Sleep(5 * time.Millisecond)
	rl.sweep(time.Millisecond)
	if got := rl.Len(); got != 0 {
		t.Fatalf("tracked clients after sweep = %d, want 0", got)
	}
}

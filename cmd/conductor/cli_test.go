package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   int
	}{
		{"ok", http.StatusOK, `{"saga_id":"s-1","definition":"order","status":"completed"}`, exitOK},
		{"not found", http.StatusNotFound, `{"error":"saga s-1: not found"}`, exitError},
		{"server error", http.StatusInternalServerError, `{"error":"event store unavailable"}`, exitInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			t.Setenv("CONDUCTOR_URL", srv.URL)

			if got := runStatus([]string{"s-1"}); got != tt.want {
				t.Fatalf("exit code = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSubmitServerErrorExitsInternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"database down"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	t.Setenv("CONDUCTOR_URL", srv.URL)

	if got := runSubmit([]string{"--definition", "order"}); got != exitInternal {
		t.Fatalf("exit code = %d, want %d", got, exitInternal)
	}
}

func TestUnreachableServerExitsInternal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	t.Setenv("CONDUCTOR_URL", srv.URL)

	if got := runList(nil); got != exitInternal {
		t.Fatalf("exit code = %d, want %d", got, exitInternal)
	}
}

package logger

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// recordingHandler collects slog.Records for test assertions.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
	delay   time.Duration // optional per-record processing delay
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, rec slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

func TestAsyncHandlerDeliversRecords(t *testing.T) {
	inner := &recordingHandler{}
	ah := NewAsyncHandler(inner, 100, 1)

	for i := 0; i < 10; i++ {
		rec := slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)
		if err := ah.Handle(context.Background(), rec); err != nil {
			t.Fatalf("Handle returned error: %v", err)
		}
	}

	ah.Close()

	if got := inner.count(); got != 10 {
		t.Fatalf("expected 10 records after Close, got %d", got)
	}
	if ah.DroppedCount() != 0 {
		t.Fatalf("expected no drops, got %d", ah.DroppedCount())
	}
}

func TestAsyncHandlerDropsWhenFull(t *testing.T) {
	inner := &recordingHandler{delay: 50 * time.Millisecond}
	ah := NewAsyncHandler(inner, 1, 1)

	for i := 0; i < 20; i++ {
		rec := slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)
		_ = ah.Handle(context.Background(), rec)
	}

	if ah.DroppedCount() == 0 {
		t.Fatal("expected drops with a full channel and slow inner handler")
	}
	ah.Close()
}

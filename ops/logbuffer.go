// Package ops holds the daemon's self-observation surface: an in-memory ring
// of recent log records that the dashboard can fetch or stream.
package ops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LogEntry is one structured log record flattened for serving.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"msg"`
	Attrs   string    `json:"attrs,omitempty"`
}

// LogBuffer is a fixed-capacity ring of log entries with pub/sub fan-out to
// live subscribers. A subscriber that falls behind loses entries, never
// blocks the logger.
type LogBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	size    int

	subMu sync.RWMutex
	subs  map[string]chan LogEntry
}

// NewLogBuffer allocates a ring with the given capacity.
func NewLogBuffer(capacity int) *LogBuffer {
	return &LogBuffer{
		entries: make([]LogEntry, capacity),
		subs:    make(map[string]chan LogEntry),
	}
}

// Add appends an entry, overwriting the oldest once full, and fans it out.
func (lb *LogBuffer) Add(entry LogEntry) {
	lb.mu.Lock()
	lb.entries[lb.head] = entry
	lb.head = (lb.head + 1) % len(lb.entries)
	if lb.size < len(lb.entries) {
		lb.size++
	}
	lb.mu.Unlock()

	lb.subMu.RLock()
	for _, ch := range lb.subs {
		select {
		case ch <- entry:
		default:
		}
	}
	lb.subMu.RUnlock()
}

// Recent returns up to n of the newest entries, oldest first.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	if n > lb.size {
		n = lb.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]LogEntry, n)
	start := (lb.head - n + len(lb.entries)) % len(lb.entries)
	for i := 0; i < n; i++ {
		out[i] = lb.entries[(start+i)%len(lb.entries)]
	}
	return out
}

// Subscribe registers a live feed of new entries. The returned id is passed
// to Unsubscribe when done.
func (lb *LogBuffer) Subscribe() (string, <-chan LogEntry) {
	id := uuid.New().String()
	ch := make(chan LogEntry, 100)
	lb.subMu.Lock()
	lb.subs[id] = ch
	lb.subMu.Unlock()
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (lb *LogBuffer) Unsubscribe(id string) {
	lb.subMu.Lock()
	ch, ok := lb.subs[id]
	delete(lb.subs, id)
	lb.subMu.Unlock()
	if ok {
		close(ch)
	}
}

// TeeHandler copies every record into a LogBuffer before delegating to the
// wrapped handler, so the dashboard sees exactly what went to stderr.
type TeeHandler struct {
	inner slog.Handler
	buf   *LogBuffer
}

var _ slog.Handler = (*TeeHandler)(nil)

// NewTeeHandler wraps inner.
func NewTeeHandler(inner slog.Handler, buf *LogBuffer) *TeeHandler {
	return &TeeHandler{inner: inner, buf: buf}
}

func (h *TeeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TeeHandler) Handle(ctx context.Context, r slog.Record) error {
	var attrs strings.Builder
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&attrs, "%s=%v ", a.Key, a.Value.Any())
		return true
	})
	h.buf.Add(LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   strings.TrimSpace(attrs.String()),
	})
	return h.inner.Handle(ctx, r)
}

func (h *TeeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TeeHandler{inner: h.inner.WithAttrs(attrs), buf: h.buf}
}

func (h *TeeHandler) WithGroup(name string) slog.Handler {
	return &TeeHandler{inner: h.inner.WithGroup(name), buf: h.buf}
}

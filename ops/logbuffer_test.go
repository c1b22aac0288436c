package ops

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(msg string) LogEntry {
	return LogEntry{Time: time.Now(), Level: "INFO", Message: msg}
}

func TestRecentOrdering(t *testing.T) {
	lb := NewLogBuffer(5)
	for _, m := range []string{"a", "b", "c"} {
		lb.Add(entry(m))
	}

	got := lb.Recent(10)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Message)
	assert.Equal(t, "c", got[2].Message)
}

func TestRingOverwritesOldest(t *testing.T) {
	lb := NewLogBuffer(3)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		lb.Add(entry(m))
	}

	got := lb.Recent(3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"c", "d", "e"}, []string{got[0].Message, got[1].Message, got[2].Message})
}

func TestRecentEmpty(t *testing.T) {
	lb := NewLogBuffer(3)
	assert.Nil(t, lb.Recent(5))
	assert.Nil(t, lb.Recent(0))
}

func TestSubscribeReceivesNewEntries(t *testing.T) {
	lb := NewLogBuffer(3)
	id, ch := lb.Subscribe()
	defer lb.Unsubscribe(id)

	lb.Add(entry("hello"))

	select {
	case e := <-ch:
		assert.Equal(t, "hello", e.Message)
	case <-time.After(time.Second):
		t.Fatal("no entry delivered")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	lb := NewLogBuffer(3)
	id, ch := lb.Subscribe()
	lb.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)

	// Adding after unsubscribe must not panic.
	lb.Add(entry("later"))
}

func TestTeeHandlerCapturesRecords(t *testing.T) {
	lb := NewLogBuffer(10)
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(io.Discard, nil), lb))

	logger.Info("Feed channel connected", "key", "quotes?instrument=ABC")

	got := lb.Recent(1)
	require.Len(t, got, 1)
	assert.Equal(t, "INFO", got[0].Level)
	assert.Equal(t, "Feed channel connected", got[0].Message)
	assert.Contains(t, got[0].Attrs, "key=quotes?instrument=ABC")
}

func TestTeeHandlerWithAttrs(t *testing.T) {
	lb := NewLogBuffer(10)
	logger := slog.New(NewTeeHandler(slog.NewTextHandler(io.Discard, nil), lb)).With("component", "feed")

	logger.Warn("reconnecting")

	got := lb.Recent(1)
	require.Len(t, got, 1)
	assert.Equal(t, "WARN", got[0].Level)
}

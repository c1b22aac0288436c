package chart

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/twan507/finext-sync/feed"
	"github.com/twan507/finext-sync/series"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is a scripted push connection shared with the feed fake transport.
type fakeConn struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.msgs:
		return msg, nil
	case <-c.closed:
		return nil, fmt.Errorf("connection closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	conns map[string]*fakeConn // keyed by instrument
}

func (t *fakeTransport) Connect(ctx context.Context, channel string, params url.Values) (feed.Conn, error) {
	conn := &fakeConn{
		msgs:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*fakeConn)
	}
	t.conns[params.Get("instrument")] = conn
	t.mu.Unlock()
	return conn, nil
}

func (t *fakeTransport) conn(tb testing.TB, instrument string) *fakeConn {
	tb.Helper()
	deadline := time.After(2 * time.Second)
	for {
		t.mu.Lock()
		conn := t.conns[instrument]
		t.mu.Unlock()
		if conn != nil {
			return conn
		}
		select {
		case <-deadline:
			tb.Fatalf("no connection for %s", instrument)
		case <-time.After(time.Millisecond):
		}
	}
}

// fakeFetcher serves canned history payloads per instrument, optionally
// holding a response until its gate is closed.
type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string][]byte
	gates     map[string]chan struct{}
	calls     int
}

func (f *fakeFetcher) GetCached(ctx context.Context, path string, query url.Values, ttl time.Duration) ([]byte, error) {
	instrument := query.Get("instrument")
	f.mu.Lock()
	gate := f.gates[instrument]
	body, ok := f.responses[instrument]
	f.calls++
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("no history for %s", instrument)
	}
	return body, nil
}

func historyJSON(dates []string, closes []float64) []byte {
	out := "["
	for i, d := range dates {
		if i > 0 {
			out += ","
		}
		c := closes[i]
		out += fmt.Sprintf(`{"date":%q,"open":%v,"high":%v,"low":%v,"close":%v,"volume":100}`, d, c, c+1, c-1, c)
	}
	return []byte(out + "]")
}

func livePayload(date string, close float64) []byte {
	return []byte(fmt.Sprintf(`[{"date":%q,"open":%v,"high":%v,"low":%v,"close":%v,"volume":50}]`, date, close, close+1, close-1, close))
}

func newTestController(t *testing.T, fetcher *fakeFetcher, transport *fakeTransport) *Controller {
	t.Helper()

	registry, err := feed.NewRegistry(feed.Config{
		Transport: transport,
		Logger:    testLogger(),
		BaseDelay: time.Millisecond,
		MaxDelay:  5 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(registry.Shutdown)

	c, err := NewController(Config{
		Client: fetcher,
		Feed:   registry,
		Logger: testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func waitUpdate(t *testing.T, c *Controller, pred func(Update) bool) Update {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case u, ok := <-c.Updates():
			require.True(t, ok, "updates channel closed while waiting")
			if pred(u) {
				return u
			}
		case <-deadline:
			t.Fatal("timed out waiting for update")
			return Update{}
		}
	}
}

func TestControllerHistoryThenLiveOverride(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string][]byte{
		"ABC": historyJSON([]string{"2024-01-02", "2024-01-03"}, []float64{100, 101}),
	}}
	transport := &fakeTransport{}
	c := newTestController(t, fetcher, transport)

	require.NoError(t, c.SetInstrument(context.Background(), "ABC", series.TimeframeDay))

	first := waitUpdate(t, c, func(u Update) bool { return len(u.Bars) == 2 })
	assert.Equal(t, "ABC", first.Instrument)
	assert.Equal(t, 101.0, first.Bars[1].Close)

	// An intraday tick for the last trading day replaces that bar in place.
	transport.conn(t, "ABC").msgs <- livePayload("2024-01-03", 105)
	updated := waitUpdate(t, c, func(u Update) bool {
		return len(u.Bars) == 2 && u.Bars[1].Close == 105
	})
	assert.Equal(t, "2024-01-02", updated.Bars[0].Date, "historical bars unaffected")
}

func TestControllerNewTradingDayAppends(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string][]byte{
		"ABC": historyJSON([]string{"2024-01-02", "2024-01-03"}, []float64{100, 101}),
	}}
	transport := &fakeTransport{}
	c := newTestController(t, fetcher, transport)

	require.NoError(t, c.SetInstrument(context.Background(), "ABC", series.TimeframeDay))
	waitUpdate(t, c, func(u Update) bool { return len(u.Bars) == 2 })

	transport.conn(t, "ABC").msgs <- livePayload("2024-01-04", 110)
	grown := waitUpdate(t, c, func(u Update) bool { return len(u.Bars) == 3 })
	assert.Equal(t, "2024-01-04", grown.Bars[2].Date)
	assert.Equal(t, 110.0, grown.Bars[2].Close)
}

func TestControllerDiscardsStaleFetchOnInstrumentSwitch(t *testing.T) {
	gateA := make(chan struct{})
	fetcher := &fakeFetcher{
		responses: map[string][]byte{
			"AAA": historyJSON([]string{"2024-01-02"}, []float64{1}),
			"BBB": historyJSON([]string{"2024-01-02"}, []float64{2}),
		},
		gates: map[string]chan struct{}{"AAA": gateA},
	}
	transport := &fakeTransport{}
	c := newTestController(t, fetcher, transport)

	// AAA's history fetch is stuck in flight when the user switches to BBB.
	require.NoError(t, c.SetInstrument(context.Background(), "AAA", series.TimeframeDay))
	require.NoError(t, c.SetInstrument(context.Background(), "BBB", series.TimeframeDay))

	got := waitUpdate(t, c, func(u Update) bool { return len(u.Bars) == 1 })
	assert.Equal(t, "BBB", got.Instrument)
	assert.Equal(t, 2.0, got.Bars[0].Close)

	// The old fetch completes late; its result must not be applied.
	close(gateA)
	time.Sleep(50 * time.Millisecond)

	state := c.State()
	assert.Equal(t, "BBB", state.Instrument)
	require.Len(t, state.Bars, 1)
	assert.Equal(t, 2.0, state.Bars[0].Close)
}

func TestControllerGenerationIncrementsPerSwitch(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string][]byte{
		"AAA": historyJSON([]string{"2024-01-02"}, []float64{1}),
		"BBB": historyJSON([]string{"2024-01-02"}, []float64{2}),
	}}
	transport := &fakeTransport{}
	c := newTestController(t, fetcher, transport)

	require.NoError(t, c.SetInstrument(context.Background(), "AAA", series.TimeframeDay))
	first := waitUpdate(t, c, func(u Update) bool { return u.Instrument == "AAA" })

	require.NoError(t, c.SetInstrument(context.Background(), "BBB", series.TimeframeDay))
	second := waitUpdate(t, c, func(u Update) bool { return u.Instrument == "BBB" })

	assert.Greater(t, second.Generation, first.Generation)
}

func TestControllerTimeframeReaggregates(t *testing.T) {
	// One full week, Mon-Fri of ISO week 1 2024.
	dates := []string{"2024-01-01", "2024-01-02", "2024-01-03", "2024-01-04", "2024-01-05"}
	fetcher := &fakeFetcher{responses: map[string][]byte{
		"ABC": historyJSON(dates, []float64{10, 11, 12, 13, 14}),
	}}
	transport := &fakeTransport{}
	c := newTestController(t, fetcher, transport)

	require.NoError(t, c.SetInstrument(context.Background(), "ABC", series.TimeframeDay))
	waitUpdate(t, c, func(u Update) bool { return len(u.Bars) == 5 })

	c.SetTimeframe(series.TimeframeWeek)
	weekly := waitUpdate(t, c, func(u Update) bool { return u.Timeframe == series.TimeframeWeek })
	require.Len(t, weekly.Bars, 1)
	assert.Equal(t, 10.0, weekly.Bars[0].Open)
	assert.Equal(t, 14.0, weekly.Bars[0].Close)
}

func TestControllerUpdateCarriesViewport(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string][]byte{
		"ABC": historyJSON([]string{"2024-01-02", "2024-01-03"}, []float64{100, 101}),
	}}
	transport := &fakeTransport{}
	c := newTestController(t, fetcher, transport)

	require.NoError(t, c.SetInstrument(context.Background(), "ABC", series.TimeframeDay))
	first := waitUpdate(t, c, func(u Update) bool { return len(u.Bars) == 2 })
	assert.Equal(t, DefaultViewport(2), first.Viewport)

	// With a captured viewport at the live edge, a new trading day shifts it.
	c.Viewport().Capture(Viewport{From: 0, To: 2}, 2)
	transport.conn(t, "ABC").msgs <- livePayload("2024-01-04", 110)
	grown := waitUpdate(t, c, func(u Update) bool { return len(u.Bars) == 3 })
	assert.Equal(t, Viewport{From: 1, To: 3}, grown.Viewport)
}

func TestControllerCloseClosesUpdates(t *testing.T) {
	fetcher := &fakeFetcher{responses: map[string][]byte{
		"ABC": historyJSON([]string{"2024-01-02"}, []float64{100}),
	}}
	transport := &fakeTransport{}
	c := newTestController(t, fetcher, transport)

	require.NoError(t, c.SetInstrument(context.Background(), "ABC", series.TimeframeDay))
	waitUpdate(t, c, func(u Update) bool { return len(u.Bars) == 1 })

	c.Close()
	for range c.Updates() {
		// drain whatever was buffered before the close
	}

	assert.Error(t, c.SetInstrument(context.Background(), "XYZ", series.TimeframeDay))
}

func TestNewControllerValidation(t *testing.T) {
	_, err := NewController(Config{})
	assert.Error(t, err)
	_, err = NewController(Config{Client: &fakeFetcher{}})
	assert.Error(t, err)
}

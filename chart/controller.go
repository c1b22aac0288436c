package chart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/twan507/finext-sync/feed"
	"github.com/twan507/finext-sync/series"
)

// DefaultHistoryTTL is how long a daily history snapshot stays cached. Daily
// bars change once per trading day, so the snapshot is worth a long TTL; the
// push channel carries everything fresher.
const DefaultHistoryTTL = 24 * time.Hour

// Fetcher is the slice of the request client the controller needs.
type Fetcher interface {
	GetCached(ctx context.Context, path string, query url.Values, ttl time.Duration) ([]byte, error)
}

// Subscriber is the slice of the feed registry the controller needs.
type Subscriber interface {
	Subscribe(channel string, params url.Values) (*feed.Subscription, error)
}

// Update is one recomputed view of the active instrument, delivered on the
// controller's Updates channel.
type Update struct {
	Instrument string
	Timeframe  series.Timeframe
	Bars       series.Series
	Viewport   Viewport
	Generation uint64
}

// Config holds configuration for creating a Controller.
type Config struct {
	Client Fetcher     // required
	Feed   Subscriber  // required
	Logger *slog.Logger // optional

	HistoryPath string        // history snapshot endpoint, default "/api/history"
	HistoryTTL  time.Duration // default DefaultHistoryTTL
	Channel     string        // push channel name, default "quotes"
}

// Controller owns one chart session: the selected instrument and timeframe,
// the history snapshot, the live bars received so far, and the merged series
// built from them. Every instrument switch bumps a generation counter;
// results of work started under an older generation are discarded, so a
// pending fetch for the previous instrument can never overwrite the new one.
type Controller struct {
	client Fetcher
	feed   Subscriber
	logger *slog.Logger

	historyPath string
	historyTTL  time.Duration
	channel     string

	updates  chan Update
	viewport *ViewportMemory

	mu         sync.Mutex
	generation uint64
	instrument string
	timeframe  series.Timeframe
	historical series.Series
	live       series.Series
	view       series.Series
	sub        *feed.Subscription
	closed     bool
	wg         sync.WaitGroup
}

// NewController creates a controller with no instrument selected.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.Feed == nil {
		return nil, fmt.Errorf("feed is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "/api/history"
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = DefaultHistoryTTL
	}
	if cfg.Channel == "" {
		cfg.Channel = "quotes"
	}
	return &Controller{
		client:      cfg.Client,
		feed:        cfg.Feed,
		logger:      logger,
		historyPath: cfg.HistoryPath,
		historyTTL:  cfg.HistoryTTL,
		channel:     cfg.Channel,
		updates:     make(chan Update, 16),
		viewport:    NewViewportMemory(),
	}, nil
}

// Updates delivers recomputed views. A consumer that falls behind misses
// intermediate states, never the channel itself; each update carries the
// complete current series.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// Viewport exposes the session's pan/zoom memory.
func (c *Controller) Viewport() *ViewportMemory {
	return c.viewport
}

// SetInstrument switches the session to a new instrument: previous state and
// viewport are discarded, any pending fetch for the old instrument is
// invalidated, the history snapshot is re-fetched and the instrument's push
// channel joined. The fetch runs in the background; the first Update arrives
// once history lands or a cached live payload is replayed.
func (c *Controller) SetInstrument(ctx context.Context, instrument string, tf series.Timeframe) error {
	if instrument == "" {
		return fmt.Errorf("instrument is required")
	}
	if tf == "" {
		tf = series.TimeframeDay
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("controller closed")
	}
	c.generation++
	gen := c.generation
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	c.instrument = instrument
	c.timeframe = tf
	c.historical = nil
	c.live = nil
	c.view = nil
	c.viewport.Reset()
	c.mu.Unlock()

	sub, err := c.feed.Subscribe(c.channel, url.Values{"instrument": {instrument}})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", instrument, err)
	}

	c.mu.Lock()
	if gen != c.generation || c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil
	}
	c.sub = sub
	c.wg.Add(2)
	c.mu.Unlock()

	go c.fetchHistory(ctx, gen, instrument)
	go c.consume(gen, sub)
	return nil
}

// SetTimeframe re-aggregates the current series under a new timeframe. The
// viewport resets because bar-index coordinates do not translate between
// timeframes.
func (c *Controller) SetTimeframe(tf series.Timeframe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || tf == c.timeframe {
		return
	}
	c.timeframe = tf
	c.viewport.Reset()
	if c.instrument != "" {
		c.recomputeLocked()
	}
}

// State is the controller's current merged view.
type State struct {
	Instrument string            `json:"instrument"`
	Timeframe  series.Timeframe  `json:"timeframe"`
	Bars       series.Series     `json:"bars"`
}

// State returns a copy of the current view.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Instrument: c.instrument,
		Timeframe:  c.timeframe,
		Bars:       append(series.Series(nil), c.view...),
	}
}

// Close tears the session down: the push subscription ends, background work
// is invalidated and waited out, and the Updates channel closes.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.generation++
	if c.sub != nil {
		c.sub.Unsubscribe()
		c.sub = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	close(c.updates)
}

func (c *Controller) fetchHistory(ctx context.Context, gen uint64, instrument string) {
	defer c.wg.Done()

	body, err := c.client.GetCached(ctx, c.historyPath, url.Values{"instrument": {instrument}}, c.historyTTL)
	if err != nil {
		c.logger.Warn("History fetch failed", "instrument", instrument, "error", err)
		return
	}
	bars, dropped, err := series.ParseBars(body)
	if err != nil {
		c.logger.Warn("History payload unreadable", "instrument", instrument, "error", err)
		return
	}
	if dropped > 0 {
		c.logger.Warn("History payload had malformed bars", "instrument", instrument, "dropped", dropped)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		c.logger.Debug("Discarding stale history fetch", "instrument", instrument)
		return
	}
	c.historical = bars
	c.recomputeLocked()
}

func (c *Controller) consume(gen uint64, sub *feed.Subscription) {
	defer c.wg.Done()

	events, errs := sub.Events, sub.Errors
	for events != nil || errs != nil {
		select {
		case bars, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.applyLive(gen, bars)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errors.Is(err, feed.ErrReconnectsExhausted) {
				c.logger.Error("Live channel gave up", "key", sub.Key, "error", err)
			} else {
				c.logger.Warn("Live channel error", "key", sub.Key, "error", err)
			}
		}
	}
}

// applyLive folds a live payload into the session. The merge keys bars by
// calendar day, so an intraday update for today overwrites today's bar in
// place and the first bar of a new trading day appends.
func (c *Controller) applyLive(gen uint64, bars series.Series) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.live = series.Merge(c.live, bars)
	c.recomputeLocked()
}

// recomputeLocked rebuilds the view and emits an Update. Caller holds c.mu.
func (c *Controller) recomputeLocked() {
	merged := series.Merge(c.historical, c.live)
	c.view = series.Aggregate(merged, c.timeframe)

	update := Update{
		Instrument: c.instrument,
		Timeframe:  c.timeframe,
		Bars:       append(series.Series(nil), c.view...),
		Viewport:   c.viewport.Restore(len(c.view)),
		Generation: c.generation,
	}
	select {
	case c.updates <- update:
	default:
		c.logger.Debug("Update consumer lagging, state dropped", "instrument", c.instrument)
	}
}

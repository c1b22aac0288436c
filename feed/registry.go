// Package feed multiplexes logical push subscriptions onto shared transport
// connections: one connection per logical key regardless of how many
// consumers listen, cached last payloads for instant first paint, and
// automatic reconnection with bounded exponential backoff.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twan507/finext-sync/series"
)

var (
	// ErrTransport wraps connection-level failures. Non-fatal: the registry
	// keeps reconnecting until attempts are exhausted.
	ErrTransport = errors.New("feed transport error")

	// ErrReconnectsExhausted is terminal for a channel: the subscriber's
	// channels are closed and a fresh Subscribe is required.
	ErrReconnectsExhausted = errors.New("feed reconnect attempts exhausted")

	// ErrRegistryClosed is returned by Subscribe after Shutdown.
	ErrRegistryClosed = errors.New("feed registry closed")
)

// Key derives the logical subscription key from the channel name and its
// query parameters. url.Values encoding sorts parameter names, so logically
// identical subscriptions from independent consumers share one connection.
func Key(channel string, params url.Values) string {
	if len(params) == 0 {
		return channel
	}
	return channel + "?" + params.Encode()
}

// Subscription is one consumer's handle on a logical channel. Live payloads
// arrive on Events in delivery order; parse and transport problems arrive on
// Errors. Both channels are closed when the subscription ends.
type Subscription struct {
	ID     string
	Key    string
	Events <-chan series.Series
	Errors <-chan error

	registry *Registry
	once     sync.Once
}

// Unsubscribe detaches this listener. Safe to call multiple times and safe
// to call during an in-flight dispatch; the listener is removed from future
// dispatches. When the last listener leaves, the shared connection closes.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.registry.unsubscribe(s.Key, s.ID)
	})
}

// listener is the registry-side record of a Subscription.
type listener struct {
	id     string
	events chan series.Series
	errs   chan error
}

// channelState tracks one shared transport connection and its listeners.
// Created when the listener count goes 0→1, destroyed when it returns to 0.
type channelState struct {
	key     string
	channel string
	params  url.Values

	// listeners keeps registration order for fan-out.
	listeners []*listener
	cancel    context.CancelFunc

	connected bool
	attempts  int
}

// Config holds configuration for creating a Registry.
type Config struct {
	Transport Transport    // required
	Cache     *Cache       // optional, defaults to NewCache(DefaultPayloadTTL)
	Logger    *slog.Logger // optional

	BaseDelay   time.Duration // reconnect backoff base, default 500ms
	MaxDelay    time.Duration // reconnect backoff ceiling, default 30s
	MaxAttempts int           // reconnect attempts before giving up, default 10
}

// Registry owns the key → channelState map. It is constructed once at
// application start and disposed via Shutdown; consumers receive it by
// injection rather than through a package-level singleton.
type Registry struct {
	transport Transport
	cache     *Cache
	logger    *slog.Logger

	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu       sync.Mutex
	channels map[string]*channelState
	closed   bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewRegistry creates a registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewCache(DefaultPayloadTTL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		transport:   cfg.Transport,
		cache:       cache,
		logger:      logger,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		channels:    make(map[string]*channelState),
		rootCtx:     ctx,
		rootCancel:  cancel,
	}, nil
}

// Cache exposes the payload cache for consumers that want the last known
// payload without subscribing.
func (r *Registry) Cache() *Cache {
	return r.cache
}

// Subscribe attaches a listener to the logical channel derived from name and
// params, opening the shared connection when this is the first listener. If
// a cached payload exists for the key it is delivered on Events before any
// live event.
func (r *Registry) Subscribe(channel string, params url.Values) (*Subscription, error) {
	key := Key(channel, params)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRegistryClosed
	}

	l := &listener{
		id:     uuid.New().String(),
		events: make(chan series.Series, 16),
		errs:   make(chan error, 4),
	}

	// The cached payload is queued before the listener joins the fan-out
	// set, so it is observed before any live event delivered after
	// subscription.
	if bars, ok := r.cache.Get(key); ok {
		l.events <- bars
	}

	state, ok := r.channels[key]
	if !ok {
		ctx, cancel := context.WithCancel(r.rootCtx)
		state = &channelState{
			key:     key,
			channel: channel,
			params:  params,
			cancel:  cancel,
		}
		r.channels[key] = state
		r.wg.Add(1)
		go r.serve(ctx, state)
		r.logger.Info("Feed channel opened", "key", key)
	}
	state.listeners = append(state.listeners, l)

	return &Subscription{
		ID:       l.id,
		Key:      key,
		Events:   l.events,
		Errors:   l.errs,
		registry: r,
	}, nil
}

// unsubscribe removes one listener; the last removal tears the channel down.
func (r *Registry) unsubscribe(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, ok := r.channels[key]
	if !ok {
		return
	}
	for i, l := range state.listeners {
		if l.id != id {
			continue
		}
		state.listeners = append(state.listeners[:i], state.listeners[i+1:]...)
		close(l.events)
		close(l.errs)
		break
	}
	if len(state.listeners) == 0 {
		state.cancel()
		delete(r.channels, key)
		r.logger.Info("Feed channel closed, last listener gone", "key", key)
	}
}

// serve owns one channel's connection lifecycle: connect, pump, reconnect
// with backoff, give up after maxAttempts.
func (r *Registry) serve(ctx context.Context, state *channelState) {
	defer r.wg.Done()

	for {
		conn, err := r.transport.Connect(ctx, state.channel, state.params)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !r.scheduleReconnect(ctx, state, err) {
				return
			}
			continue
		}

		r.setConnected(state, true)
		r.logger.Info("Feed channel connected", "key", state.key)

		err = r.pump(ctx, state, conn)
		r.setConnected(state, false)
		if ctx.Err() != nil {
			return
		}
		if !r.scheduleReconnect(ctx, state, err) {
			return
		}
	}
}

// pump reads messages until the connection fails. The connection is closed
// when the channel context is cancelled so a blocked read unblocks promptly.
func (r *Registry) pump(ctx context.Context, state *channelState, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		bars, err := decodePayload(msg)
		if err != nil {
			// A malformed event is reported but never closes the channel.
			r.logger.Warn("Feed payload parse error", "key", state.key, "error", err)
			r.dispatchError(state, err)
			continue
		}

		// Successful receipt resets the reconnect budget.
		r.mu.Lock()
		state.attempts = 0
		r.mu.Unlock()

		r.cache.Set(state.key, bars)
		r.dispatch(state, bars)
	}
}

// scheduleReconnect sleeps out the backoff for the next attempt. It returns
// false when the attempt budget is exhausted, after tearing the channel down
// with a terminal error; the registry itself stays usable for a fresh
// Subscribe.
func (r *Registry) scheduleReconnect(ctx context.Context, state *channelState, cause error) bool {
	r.mu.Lock()
	state.attempts++
	attempt := state.attempts
	r.mu.Unlock()

	if attempt > r.maxAttempts {
		r.logger.Error("Feed channel giving up", "key", state.key, "attempts", attempt-1, "error", cause)
		r.terminate(state, fmt.Errorf("%w: %v", ErrReconnectsExhausted, cause))
		return false
	}

	r.dispatchError(state, fmt.Errorf("%w: %v", ErrTransport, cause))

	delay := r.baseDelay << (attempt - 1)
	if delay > r.maxDelay || delay <= 0 {
		delay = r.maxDelay
	}
	r.logger.Warn("Feed channel reconnecting", "key", state.key, "attempt", attempt, "delay", delay, "error", cause)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// terminate delivers a terminal error to every listener and removes the
// channel state.
func (r *Registry) terminate(state *channelState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.channels[state.key]; !ok {
		return
	}
	for _, l := range state.listeners {
		select {
		case l.errs <- err:
		default:
		}
		close(l.events)
		close(l.errs)
	}
	state.listeners = nil
	state.cancel()
	delete(r.channels, state.key)
}

// dispatch fans a payload out to every listener in registration order. A
// slow listener drops the payload rather than blocking the others; the next
// event carries fresher data anyway. Sends happen under the registry lock so
// an unsubscribing listener's channels are never closed mid-send; the sends
// are non-blocking, so holding the lock is cheap.
func (r *Registry) dispatch(state *channelState, bars series.Series) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range state.listeners {
		select {
		case l.events <- bars:
		default:
			r.logger.Debug("Feed listener lagging, payload dropped", "key", state.key, "listener", l.id)
		}
	}
}

func (r *Registry) dispatchError(state *channelState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, l := range state.listeners {
		select {
		case l.errs <- err:
		default:
		}
	}
}

func (r *Registry) setConnected(state *channelState, connected bool) {
	r.mu.Lock()
	state.connected = connected
	r.mu.Unlock()
}

// ChannelInfo is a point-in-time summary of one shared channel for the ops
// surface.
type ChannelInfo struct {
	Key       string `json:"key"`
	Listeners int    `json:"listeners"`
	Connected bool   `json:"connected"`
	Attempts  int    `json:"reconnect_attempts"`
}

// Stats summarizes every open channel.
func (r *Registry) Stats() []ChannelInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChannelInfo, 0, len(r.channels))
	for _, state := range r.channels {
		out = append(out, ChannelInfo{
			Key:       state.key,
			Listeners: len(state.listeners),
			Connected: state.connected,
			Attempts:  state.attempts,
		})
	}
	return out
}

// ChannelCount returns the number of live shared connections.
func (r *Registry) ChannelCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Shutdown closes every channel and waits for the serve goroutines to exit.
// Subsequent Subscribe calls fail with ErrRegistryClosed.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for key, state := range r.channels {
		for _, l := range state.listeners {
			close(l.events)
			close(l.errs)
		}
		state.listeners = nil
		state.cancel()
		delete(r.channels, key)
	}
	r.mu.Unlock()

	r.rootCancel()
	r.wg.Wait()
	r.logger.Info("Feed registry shutdown complete")
}

// decodePayload accepts either a JSON array of bars or a single bar object.
func decodePayload(msg []byte) (series.Series, error) {
	trimmed := firstNonSpace(msg)
	switch trimmed {
	case '[':
		bars, dropped, err := series.ParseBars(msg)
		if err != nil {
			return nil, err
		}
		if dropped > 0 && len(bars) == 0 {
			return nil, fmt.Errorf("payload contained only malformed bars")
		}
		return bars, nil
	case '{':
		var b series.Bar
		if err := json.Unmarshal(msg, &b); err != nil {
			return nil, err
		}
		return series.Series{b}, nil
	}
	return nil, fmt.Errorf("unexpected payload shape")
}

func firstNonSpace(msg []byte) byte {
	for _, c := range msg {
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		}
		return c
	}
	return 0
}

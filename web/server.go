package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/twan507/finext-sync/auth"
	"github.com/twan507/finext-sync/chart"
	"github.com/twan507/finext-sync/client"
	"github.com/twan507/finext-sync/feed"
	"github.com/twan507/finext-sync/ops"
	"github.com/twan507/finext-sync/prefs"
	"github.com/twan507/finext-sync/series"
)

// Config holds configuration for creating a Server.
type Config struct {
	Client *client.Client   // required
	Feed   *feed.Registry   // required
	Store  *auth.TokenStore // required
	Prefs  *prefs.DB        // optional
	Logs   *ops.LogBuffer   // optional
	Logger *slog.Logger     // optional

	Version     string
	HistoryPath string        // upstream snapshot endpoint, default "/api/history"
	HistoryTTL  time.Duration // default chart.DefaultHistoryTTL
	Channel     string        // push channel name, default "quotes"
}

// Server is the daemon's HTTP surface. It re-serves upstream data merged
// with live pushes; it holds no per-request state beyond the SSE streams.
type Server struct {
	client *client.Client
	feed   *feed.Registry
	store  *auth.TokenStore
	prefs  *prefs.DB
	logs   *ops.LogBuffer
	logger *slog.Logger

	version     string
	historyPath string
	historyTTL  time.Duration
	channel     string
	startTime   time.Time

	// keepalive holds SSE connections through idle proxies.
	keepalive time.Duration
}

// NewServer creates the HTTP surface.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Client == nil || cfg.Feed == nil || cfg.Store == nil {
		return nil, fmt.Errorf("client, feed and store are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = "/api/history"
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = chart.DefaultHistoryTTL
	}
	if cfg.Channel == "" {
		cfg.Channel = "quotes"
	}
	return &Server{
		client:      cfg.Client,
		feed:        cfg.Feed,
		store:       cfg.Store,
		prefs:       cfg.Prefs,
		logs:        cfg.Logs,
		logger:      logger,
		version:     cfg.Version,
		historyPath: cfg.HistoryPath,
		historyTTL:  cfg.HistoryTTL,
		channel:     cfg.Channel,
		startTime:   time.Now(),
		keepalive:   15 * time.Second,
	}, nil
}

// Register mounts all routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/series", s.handleSeries)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/logout", s.handleLogout)
	mux.HandleFunc("/api/prefs", s.handlePrefs)
	mux.HandleFunc("/api/logs", s.handleLogs)
	mux.HandleFunc("/", s.handleStatus)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}

// writeUpstreamError maps an upstream fetch failure onto our status space.
func (s *Server) writeUpstreamError(w http.ResponseWriter, err error) {
	if errors.Is(err, auth.ErrUnauthenticated) {
		http.Error(w, "session expired, login required", http.StatusUnauthorized)
		return
	}
	var statusErr *client.StatusError
	if errors.As(err, &statusErr) {
		http.Error(w, fmt.Sprintf("upstream returned %d", statusErr.Code), http.StatusBadGateway)
		return
	}
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
}

type seriesResponse struct {
	Instrument string           `json:"instrument"`
	Timeframe  series.Timeframe `json:"timeframe"`
	Bars       series.Series    `json:"bars"`
}

// handleSeries serves the merged, aggregated series for an instrument: the
// cached history snapshot overlaid with the last live payload, collapsed to
// the requested timeframe.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	instrument := r.URL.Query().Get("instrument")
	if instrument == "" {
		http.Error(w, "instrument is required", http.StatusBadRequest)
		return
	}
	tf, err := series.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	params := url.Values{"instrument": {instrument}}
	body, err := s.client.GetCached(r.Context(), s.historyPath, params, s.historyTTL)
	if err != nil {
		s.logger.Warn("History fetch failed", "instrument", instrument, "error", err)
		s.writeUpstreamError(w, err)
		return
	}
	historical, dropped, err := series.ParseBars(body)
	if err != nil {
		s.logger.Error("History payload unreadable", "instrument", instrument, "error", err)
		http.Error(w, "upstream payload unreadable", http.StatusBadGateway)
		return
	}
	if dropped > 0 {
		s.logger.Warn("History payload had malformed bars", "instrument", instrument, "dropped", dropped)
	}

	live, _ := s.feed.Cache().Get(feed.Key(s.channel, params))
	merged := series.Merge(historical, live)

	s.writeJSON(w, http.StatusOK, seriesResponse{
		Instrument: instrument,
		Timeframe:  tf,
		Bars:       series.Aggregate(merged, tf),
	})
}

// handleStream streams an instrument's live payloads as Server-Sent Events.
// Each subscriber is one registry listener; the registry shares the upstream
// connection across all of them.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	instrument := r.URL.Query().Get("instrument")
	if instrument == "" {
		http.Error(w, "instrument is required", http.StatusBadRequest)
		return
	}
	tf, err := series.ParseTimeframe(r.URL.Query().Get("timeframe"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub, err := s.feed.Subscribe(s.channel, url.Values{"instrument": {instrument}})
	if err != nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Flush headers so the browser's EventSource fires onopen immediately.
	flusher.Flush()

	s.logger.Info("Stream started", "instrument", instrument, "listener", sub.ID)
	defer s.logger.Info("Stream closed", "instrument", instrument, "listener", sub.ID)

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	done := r.Context().Done()
	events, errs := sub.Events, sub.Errors
	for events != nil || errs != nil {
		select {
		case <-done:
			return

		case bars, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			data, err := json.Marshal(series.Aggregate(bars, tf))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(w, "event: error\ndata: %q\n\n", err.Error())
			flusher.Flush()
			if errors.Is(err, feed.ErrReconnectsExhausted) {
				return
			}

		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handleLogout destroys the session. The upstream revocation is best-effort;
// the local credential is cleared no matter what the upstream says.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if _, ok := s.store.Get(); ok {
		if _, err := s.client.Post(r.Context(), "/api/session/logout", nil); err != nil {
			s.logger.Warn("Upstream logout failed, clearing local session anyway", "error", err)
		}
	}
	s.store.Clear()
	s.logger.Info("Session cleared by logout")
	w.WriteHeader(http.StatusNoContent)
}

// handlePrefs reads or replaces the persisted dashboard preferences.
func (s *Server) handlePrefs(w http.ResponseWriter, r *http.Request) {
	if s.prefs == nil {
		http.Error(w, "preferences store disabled", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := s.prefs.Load()
		if err != nil {
			s.logger.Error("Failed to load preferences", "error", err)
			http.Error(w, "preferences unavailable", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, p)

	case http.MethodPut:
		var p prefs.Preferences
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid preferences payload", http.StatusBadRequest)
			return
		}
		if err := s.prefs.Save(p); err != nil {
			s.logger.Error("Failed to save preferences", "error", err)
			http.Error(w, "preferences not saved", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleLogs serves the newest buffered log entries.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		http.Error(w, "log buffer disabled", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, "invalid n", http.StatusBadRequest)
			return
		}
		n = parsed
	}
	entries := s.logs.Recent(n)
	if entries == nil {
		entries = []ops.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

type statusResponse struct {
	Name          string             `json:"name"`
	Version       string             `json:"version"`
	Uptime        string             `json:"uptime"`
	Authenticated bool               `json:"authenticated"`
	User          string             `json:"user,omitempty"`
	Channels      []feed.ChannelInfo `json:"channels"`
}

// handleStatus serves a JSON summary at the root path.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	resp := statusResponse{
		Name:     "finext-sync",
		Version:  s.version,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Channels: s.feed.Stats(),
	}
	if cred, ok := s.store.Get(); ok {
		resp.Authenticated = true
		resp.User = cred.User.Email
	}
	s.writeJSON(w, http.StatusOK, resp)
}

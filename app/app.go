// Package app wires the sync core into a runnable daemon: configuration,
// session storage, the authenticated request client, the shared push feed,
// and the HTTP surface browsers talk to.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/twan507/finext-sync/auth"
	"github.com/twan507/finext-sync/client"
	"github.com/twan507/finext-sync/feed"
	"github.com/twan507/finext-sync/ops"
	"github.com/twan507/finext-sync/prefs"
	"github.com/twan507/finext-sync/web"
)

// Options carries everything main has already built.
type Options struct {
	Config  Config
	Logger  *slog.Logger
	Logs    *ops.LogBuffer
	Version string
}

// App is the composition root.
type App struct {
	cfg    Config
	logger *slog.Logger

	store    *auth.TokenStore
	registry *feed.Registry
	prefsDB  *prefs.DB
	srv      *http.Server
}

// New builds the full dependency graph. Nothing starts listening until Run.
func New(opts Options) (*App, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := auth.NewTokenStore()
	store.SetLogger(logger)

	var prefsDB *prefs.DB
	if cfg.PrefsPath != "" {
		db, err := prefs.Open(cfg.PrefsPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open prefs store: %w", err)
		}
		prefsDB = db
		store.SetDB(db)
		if err := store.LoadFromDB(); err != nil {
			logger.Warn("Could not restore persisted session", "error", err)
		}
	}

	coordinator, err := auth.NewRefreshCoordinator(auth.RefreshConfig{
		Store:   store,
		Refresh: newRefreshFunc(cfg, store),
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	apiClient, err := client.New(client.Config{
		BaseURL:   cfg.UpstreamURL,
		Store:     store,
		Refresher: coordinator,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	transport := feed.NewWebSocketTransport(cfg.FeedURL)
	transport.Header = func() map[string][]string {
		cred, ok := store.Get()
		if !ok {
			return nil
		}
		return map[string][]string{"Authorization": {"Bearer " + cred.AccessToken}}
	}
	registry, err := feed.NewRegistry(feed.Config{
		Transport: transport,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	server, err := web.NewServer(web.Config{
		Client:      apiClient,
		Feed:        registry,
		Store:       store,
		Prefs:       prefsDB,
		Logs:        opts.Logs,
		Logger:      logger,
		Version:     opts.Version,
		HistoryPath: cfg.HistoryPath,
		Channel:     cfg.Channel,
	})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	server.Register(mux)

	limiter := web.NewRateLimiter(web.RateLimitConfig{
		Every: cfg.RateEvery,
		Burst: cfg.RateBurst,
	})

	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
		registry: registry,
		prefsDB:  prefsDB,
		srv: &http.Server{
			Addr:    cfg.Addr(),
			Handler: limiter.Middleware(mux),
			// No WriteTimeout: SSE streams stay open indefinitely.
			ReadHeaderTimeout: 30 * time.Second,
		},
	}, nil
}

// Store exposes the token store so main can seed a credential from env.
func (a *App) Store() *auth.TokenStore {
	return a.store
}

// Run serves until ctx is cancelled, then shuts everything down in order:
// stop accepting requests, close the shared feed connections, close the
// prefs store.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Listening", "addr", a.cfg.Addr())
		if err := a.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("Server shutdown error", "error", err)
	}

	a.registry.Shutdown()
	if a.prefsDB != nil {
		if err := a.prefsDB.Close(); err != nil {
			a.logger.Error("Prefs store close error", "error", err)
		}
	}
	a.logger.Info("Shutdown complete")
	return nil
}

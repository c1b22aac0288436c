package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RefreshFunc performs the credential-renewal network call. The renewal
// endpoint authenticates via an ambient long-lived credential (cookie), so no
// arguments beyond the context are needed.
type RefreshFunc func(ctx context.Context) (Credential, error)

// flight is one in-progress renewal. Result fields are written exactly once,
// before done is closed, so waiters can read them without further locking.
type flight struct {
	done chan struct{}
	cred Credential
	err  error
}

// RefreshCoordinator single-flights credential renewal: concurrent callers
// share one network call and receive the same result. On success the
// TokenStore is updated; on failure it is cleared and every waiter gets
// ErrUnauthenticated.
type RefreshCoordinator struct {
	store   *TokenStore
	refresh RefreshFunc
	logger  *slog.Logger

	// limiter smooths renewal bursts from callers that keep re-triggering
	// refreshes in a tight loop (one flight every two seconds, first one
	// immediate).
	limiter *rate.Limiter

	mu       sync.Mutex
	inFlight *flight
}

// RefreshConfig holds configuration for creating a RefreshCoordinator.
type RefreshConfig struct {
	Store   *TokenStore   // required
	Refresh RefreshFunc   // required
	Logger  *slog.Logger  // optional, defaults to slog.Default
	Limiter *rate.Limiter // optional, defaults to one flight per 2s
}

// NewRefreshCoordinator creates a coordinator around the given renewal call.
func NewRefreshCoordinator(cfg RefreshConfig) (*RefreshCoordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("token store is required")
	}
	if cfg.Refresh == nil {
		return nil, fmt.Errorf("refresh func is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Every(2*time.Second), 1)
	}
	return &RefreshCoordinator{
		store:   cfg.Store,
		refresh: cfg.Refresh,
		logger:  logger,
		limiter: limiter,
	}, nil
}

// Refresh renews the credential, joining an in-progress renewal when one
// exists. Exactly one network call happens per flight regardless of the
// number of concurrent callers. A failed renewal is terminal: the store is
// cleared and ErrUnauthenticated is returned to every waiter.
func (c *RefreshCoordinator) Refresh(ctx context.Context) (Credential, error) {
	c.mu.Lock()
	if f := c.inFlight; f != nil {
		c.mu.Unlock()
		return c.wait(ctx, f)
	}

	f := &flight{done: make(chan struct{})}
	c.inFlight = f
	c.mu.Unlock()

	go c.run(f)

	return c.wait(ctx, f)
}

// run executes one renewal flight. The in-flight slot is cleared on every
// exit path so a later legitimate refresh is never blocked.
func (c *RefreshCoordinator) run(f *flight) {
	defer func() {
		c.mu.Lock()
		c.inFlight = nil
		c.mu.Unlock()
		close(f.done)
	}()

	// The flight owns its own context: waiters may come and go, but the
	// renewal call itself is not tied to any single caller.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		f.err = fmt.Errorf("%w: renewal throttled: %v", ErrUnauthenticated, err)
		return
	}

	cred, err := c.refresh(ctx)
	if err != nil {
		c.logger.Warn("Credential renewal failed, clearing session", "error", err)
		c.store.Clear()
		f.err = fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		return
	}

	c.store.Set(cred)
	c.logger.Info("Credential renewed", "user", cred.User.Email)
	f.cred = cred
}

// wait blocks until the flight resolves or the caller's context is done.
// Abandoning a flight does not cancel it; the shared renewal keeps running
// for the remaining waiters.
func (c *RefreshCoordinator) wait(ctx context.Context, f *flight) (Credential, error) {
	select {
	case <-f.done:
		return f.cred, f.err
	case <-ctx.Done():
		return Credential{}, ctx.Err()
	}
}

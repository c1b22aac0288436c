// Package web serves merged market data, live update streams and session
// endpoints to browser dashboards.
package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-client limiter.
type RateLimitConfig struct {
	Every   time.Duration // token replenish interval, default 1s
	Burst   int           // bucket size, default 10
	MaxIdle time.Duration // forget a client after this much inactivity, default 10m
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-IP token bucket on incoming requests. Idle
// buckets are pruned inline when a new client appears rather than by a
// background goroutine.
type RateLimiter struct {
	every   time.Duration
	burst   int
	maxIdle time.Duration

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter creates a limiter manager.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Every <= 0 {
		cfg.Every = time.Second
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = 10 * time.Minute
	}
	return &RateLimiter{
		every:   cfg.Every,
		burst:   cfg.Burst,
		maxIdle: cfg.MaxIdle,
		clients: make(map[string]*clientLimiter),
	}
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.clients[ip]
	if !ok {
		rl.pruneLocked(now)
		entry = &clientLimiter{limiter: rate.NewLimiter(rate.Every(rl.every), rl.burst)}
		rl.clients[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// pruneLocked drops clients idle past maxIdle. Caller holds rl.mu.
func (rl *RateLimiter) pruneLocked(now time.Time) {
	for ip, entry := range rl.clients {
		if now.Sub(entry.lastSeen) > rl.maxIdle {
			delete(rl.clients, ip)
		}
	}
}

// Middleware wraps next with the rate limit check.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
		if !rl.Allow(ip) {
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Package client provides the authenticated request path to the upstream
// brokerage API: bearer-token attachment, one refresh-then-retry cycle on
// credential expiry, and opt-in TTL caching of GET responses.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twan507/finext-sync/auth"
)

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

// Request describes one logical upstream call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte

	// NoAuth skips the authorization header (login, public endpoints).
	NoAuth bool

	// CacheTTL opts a GET into the response cache for the given duration.
	CacheTTL time.Duration
}

// cacheKey derives the response-cache key from path and query. url.Values
// encoding sorts parameter names, so logically identical requests from
// independent callers share an entry.
func (r Request) cacheKey() string {
	if len(r.Query) == 0 {
		return r.Path
	}
	return r.Path + "?" + r.Query.Encode()
}

// Config holds configuration for creating a Client.
type Config struct {
	BaseURL   string                    // required
	Store     *auth.TokenStore          // required
	Refresher *auth.RefreshCoordinator  // required
	HTTP      *http.Client              // optional, defaults to a 30s-timeout client
	Cache     *Cache[[]byte]            // optional, defaults to a fresh cache
	Logger    *slog.Logger              // optional
}

// Client issues authenticated requests against the upstream API.
type Client struct {
	baseURL   string
	http      *http.Client
	store     *auth.TokenStore
	refresher *auth.RefreshCoordinator
	cache     *Cache[[]byte]
	logger    *slog.Logger
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Store == nil || cfg.Refresher == nil {
		return nil, fmt.Errorf("token store and refresher are required")
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewCache[[]byte]()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		http:      httpClient,
		store:     cfg.Store,
		refresher: cfg.Refresher,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Do executes one logical request. On a 401 with an attached credential it
// refreshes once through the coordinator and re-issues the request exactly
// once with the new token; a failed refresh surfaces auth.ErrUnauthenticated.
// Cached GETs short-circuit the network entirely while fresh.
func (c *Client) Do(ctx context.Context, req Request) ([]byte, error) {
	cacheable := req.Method == http.MethodGet && req.CacheTTL > 0
	if cacheable {
		if body, ok := c.cache.Get(req.cacheKey()); ok {
			return body, nil
		}
	}

	cred, hasCred := c.store.Get()

	// Proactive renewal: a token known to be past its embedded expiry would
	// only buy us a guaranteed 401 round trip.
	if !req.NoAuth && hasCred && cred.Expired(time.Now()) {
		c.logger.Debug("Access token expired, renewing before request", "path", req.Path)
		renewed, err := c.refresher.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		cred = renewed
	}

	body, err := c.send(ctx, req, cred, !req.NoAuth && hasCred)
	var statusErr *StatusError
	if err != nil && errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized && !req.NoAuth {
		// At most one refresh-then-retry cycle per logical request.
		c.logger.Debug("Request rejected with 401, renewing credential", "path", req.Path)
		renewed, rerr := c.refresher.Refresh(ctx)
		if rerr != nil {
			return nil, rerr
		}
		body, err = c.send(ctx, req, renewed, true)
	}
	if err != nil {
		return nil, err
	}

	if cacheable {
		c.cache.Set(req.cacheKey(), body, req.CacheTTL)
	}
	return body, nil
}

// Get is a convenience wrapper for GET requests.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query})
}

// GetCached is Get with response caching.
func (c *Client) GetCached(ctx context.Context, path string, query url.Values, ttl time.Duration) ([]byte, error) {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, CacheTTL: ttl})
}

// Post is a convenience wrapper for POST requests.
func (c *Client) Post(ctx context.Context, path string, body []byte) ([]byte, error) {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body})
}

// InvalidateCache drops a cached response by path and query.
func (c *Client) InvalidateCache(path string, query url.Values) {
	c.cache.Delete(Request{Path: path, Query: query}.cacheKey())
}

// send performs one HTTP round trip.
func (c *Client) send(ctx context.Context, req Request, cred auth.Credential, attachAuth bool) ([]byte, error) {
	u := c.baseURL + req.Path
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if req.Body != nil {
		reader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if attachAuth {
		httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

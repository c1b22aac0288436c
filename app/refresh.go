package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/twan507/finext-sync/auth"
)

// refreshHTTPClient is separate from the request client stack: renewal must
// keep working while the authenticated client is stuck on a dead token.
var refreshHTTPClient = &http.Client{Timeout: 30 * time.Second}

// newRefreshFunc builds the renewal call the RefreshCoordinator drives. It
// posts the current token to the upstream refresh endpoint and decodes the
// replacement credential.
func newRefreshFunc(cfg Config, store *auth.TokenStore) auth.RefreshFunc {
	endpoint := cfg.UpstreamURL + cfg.RefreshPath
	return func(ctx context.Context) (auth.Credential, error) {
		current, ok := store.Get()
		if !ok {
			return auth.Credential{}, fmt.Errorf("renew: %w", auth.ErrNoCredential)
		}

		payload, err := json.Marshal(map[string]string{"access_token": current.AccessToken})
		if err != nil {
			return auth.Credential{}, fmt.Errorf("encode renewal request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return auth.Credential{}, fmt.Errorf("build renewal request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := refreshHTTPClient.Do(req)
		if err != nil {
			return auth.Credential{}, fmt.Errorf("renewal call: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return auth.Credential{}, fmt.Errorf("read renewal response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return auth.Credential{}, fmt.Errorf("renewal rejected with status %d", resp.StatusCode)
		}

		var cred auth.Credential
		if err := json.Unmarshal(body, &cred); err != nil {
			return auth.Credential{}, fmt.Errorf("decode renewal response: %w", err)
		}
		if cred.AccessToken == "" {
			return auth.Credential{}, fmt.Errorf("renewal response missing access token")
		}
		return cred, nil
	}
}

// Package auth owns the session credential: storage, observation, renewal
// coordination and token expiry inspection.
package auth

import (
	"log/slog"
	"sync"
	"time"
)

// User identifies the logged-in account attached to a credential.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

// Credential is the short-lived access credential for the current session.
// At most one credential is active at a time; it is replaced on login and
// refresh success and destroyed on logout or terminal refresh failure.
type Credential struct {
	AccessToken string    `json:"access_token"`
	User        User      `json:"user"`
	StoredAt    time.Time `json:"stored_at"`
}

// ChangeCallback is invoked when the credential is set or cleared. cred is
// nil on clear.
type ChangeCallback func(cred *Credential)

// Persister is an optional write-through backing store for the credential,
// so a daemon restart does not force a fresh login.
type Persister interface {
	SaveCredential(c Credential) error
	LoadCredential() (Credential, bool, error)
	DeleteCredential() error
}

// TokenStore is a thread-safe holder for the session credential. It has no
// network or retry logic of its own; the RefreshCoordinator and RequestClient
// mutate it.
type TokenStore struct {
	mu       sync.RWMutex
	cred     *Credential
	onChange []ChangeCallback
	db       Persister
	logger   *slog.Logger
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{}
}

// SetDB enables write-through persistence for the credential.
func (s *TokenStore) SetDB(db Persister) {
	s.db = db
}

// SetLogger sets the logger for persistence error reporting.
func (s *TokenStore) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// LoadFromDB populates the store from the backing store, if one is set and
// holds a credential.
func (s *TokenStore) LoadFromDB() error {
	if s.db == nil {
		return nil
	}
	cred, ok, err := s.db.LoadCredential()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.mu.Lock()
	s.cred = &cred
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the current credential, or false when logged out.
func (s *TokenStore) Get() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cred == nil {
		return Credential{}, false
	}
	return *s.cred, true
}

// OnChange registers a callback fired when the credential is set or cleared.
func (s *TokenStore) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, cb)
}

// Set replaces the credential and notifies observers. The credential is
// copied before storing so callers cannot mutate shared state.
func (s *TokenStore) Set(cred Credential) {
	if cred.StoredAt.IsZero() {
		cred.StoredAt = time.Now()
	}

	s.mu.Lock()
	stored := cred
	s.cred = &stored
	callbacks := make([]ChangeCallback, len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.SaveCredential(cred); err != nil && s.logger != nil {
			s.logger.Error("Failed to persist credential", "user", cred.User.Email, "error", err)
		}
	}

	// Notify observers outside the lock to avoid deadlocks. Each callback
	// receives its own copy.
	for _, cb := range callbacks {
		cp := cred
		cb(&cp)
	}
}

// Clear destroys the credential and notifies observers.
func (s *TokenStore) Clear() {
	s.mu.Lock()
	s.cred = nil
	callbacks := make([]ChangeCallback, len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.DeleteCredential(); err != nil && s.logger != nil {
			s.logger.Error("Failed to delete persisted credential", "error", err)
		}
	}

	for _, cb := range callbacks {
		cb(nil)
	}
}

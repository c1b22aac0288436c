package auth

import "errors"

var (
	// ErrUnauthenticated is terminal: the session cannot be recovered by a
	// token refresh and the user must log in again. Callers must not retry
	// automatically.
	ErrUnauthenticated = errors.New("unauthenticated: session requires a fresh login")

	// ErrNoCredential means no credential is stored; the caller asked for an
	// authenticated operation while logged out.
	ErrNoCredential = errors.New("no credential stored")
)

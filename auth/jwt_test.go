package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return s
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)

	got, ok := TokenExpiry(signedToken(t, exp))
	require.True(t, ok)
	assert.True(t, got.Equal(exp))
}

func TestTokenExpiryOpaqueToken(t *testing.T) {
	_, ok := TokenExpiry("not-a-jwt")
	assert.False(t, ok)
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()

	fresh := Credential{AccessToken: signedToken(t, now.Add(time.Hour))}
	assert.False(t, fresh.Expired(now))

	// Within the renewal margin counts as expired.
	closing := Credential{AccessToken: signedToken(t, now.Add(10*time.Second))}
	assert.True(t, closing.Expired(now))

	past := Credential{AccessToken: signedToken(t, now.Add(-time.Minute))}
	assert.True(t, past.Expired(now))

	// Opaque tokens never report expired; a 401 handles them instead.
	opaque := Credential{AccessToken: "opaque-session-token"}
	assert.False(t, opaque.Expired(now))
}

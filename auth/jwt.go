package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiryMargin renews tokens slightly before their actual expiry so
// in-flight requests do not race the deadline.
const tokenExpiryMargin = 30 * time.Second

// TokenExpiry decodes the exp claim from a JWT access token without
// verifying the signature — verification is the server's job; the client only
// needs the deadline to renew proactively. Returns false for opaque or
// claimless tokens, in which case callers fall back to reacting to 401s.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Expired reports whether the credential's token is past (or within the
// renewal margin of) its embedded expiry. Opaque tokens never report expired;
// their staleness surfaces as a 401 instead.
func (c Credential) Expired(now time.Time) bool {
	exp, ok := TokenExpiry(c.AccessToken)
	if !ok {
		return false
	}
	return !now.Before(exp.Add(-tokenExpiryMargin))
}

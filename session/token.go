package session

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry decodes the exp claim of an access token without verifying
// its signature. This is a local optimization to skip a round trip the
// server would reject anyway; the server stays authoritative on validity.
func TokenExpiry(raw string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, err
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, err
	}
	if exp == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return exp.Time, nil
}

// expiresWithin reports whether the token is already inside the given
// window before expiry. Undecodable tokens count as expiring, which routes
// them through a refresh rather than a doomed request.
func expiresWithin(raw string, window time.Duration, now time.Time) bool {
	if raw == "" {
		return true
	}
	exp, err := TokenExpiry(raw)
	if err != nil {
		return true
	}
	return now.Add(window).After(exp)
}

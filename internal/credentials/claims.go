package credentials

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var unverified = jwt.NewParser(jwt.WithoutClaimsValidation())

// Expiry returns the exp claim of a JWT without verifying its signature. The result
// is a client-side hint only. ok is false for opaque tokens or tokens without exp.
func Expiry(token string) (exp time.Time, ok bool) {
	if token == "" {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := unverified.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT without verifying its
// signature. The daemon verifies tokens; the client only needs to know
// when to warn about expiry.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, nil
	}
	return exp.Time, nil
}

// TokenExpiresWithin reports whether token expires before now+margin.
// Tokens without an exp claim never expire.
func TokenExpiresWithin(token string, now time.Time, margin time.Duration) (bool, error) {
	exp, err := TokenExpiry(token)
	if err != nil {
		return false, err
	}
	if exp.IsZero() {
		return false, nil
	}
	return now.Add(margin).After(exp), nil
}

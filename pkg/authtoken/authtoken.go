// Package authtoken implements the two-tier wire authentication scheme: a
// shared-secret auth_key every coordinator/worker request carries,
// and an optional admin_auth_key JWT for the privileged control endpoints
// (cancel, config reload).
package authtoken

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// NewInstanceID mints the per-process instance_id carried in every Envelope.
func NewInstanceID() string {
	return uuid.NewString()
}

// CheckAuthKey compares a request's auth_key against the configured secret
// in constant time, so response timing cannot be used to probe the secret.
func CheckAuthKey(configured, given string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(given)) == 1
}

// AdminClaims is the payload of an admin_auth_key token.
type AdminClaims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// AdminIssuer signs and verifies admin_auth_key tokens with a single shared
// HMAC secret, distinct from auth_key.
type AdminIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewAdminIssuer(secret string, ttl time.Duration) *AdminIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AdminIssuer{secret: []byte(secret), ttl: ttl}
}

// Issue mints a signed admin token for subject (an operator or admin CLI
// identity), expiring after the issuer's ttl.
func (a *AdminIssuer) Issue(subject string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	})
	return token.SignedString(a.secret)
}

// Verify parses and validates an admin_auth_key, returning the subject it
// was issued for.
func (a *AdminIssuer) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", fmt.Errorf("authtoken: empty admin_auth_key")
	}
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("authtoken: invalid admin_auth_key: %w", err)
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("authtoken: invalid admin_auth_key claims")
	}
	return claims.Subject, nil
}

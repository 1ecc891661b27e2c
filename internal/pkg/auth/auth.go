// Package auth binds connections and REST calls to a user id.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized is returned when no identity can be established.
	ErrUnauthorized = errors.New("unauthorized")
)

// Authenticator verifies HS256 tokens carrying a user_id claim.
// With an empty secret it trusts the user id supplied by the client.
type Authenticator struct {
	secret []byte
}

// New creates an Authenticator.
func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Enabled reports whether tokens are required.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Authenticate resolves the user id from a token, or from the claimed id
// when token verification is disabled.
func (a *Authenticator) Authenticate(token, claimedID string) (string, error) {
	if !a.Enabled() {
		if claimedID == "" {
			return "", ErrUnauthorized
		}
		return claimedID, nil
	}
	if token == "" {
		return "", ErrUnauthorized
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrUnauthorized
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", fmt.Errorf("%w: missing user_id claim", ErrUnauthorized)
	}
	return userID, nil
}

// Issue signs a token for userID valid for ttl.
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(ttl).Unix(),
	})
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

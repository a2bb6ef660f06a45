// Package auth verifies the bearer tokens presented on the WebSocket
// handshake and the REST API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

// DevUserID is the identity every request gets when auth is disabled.
const DevUserID = "dev"

// Verifier checks HS256 tokens. The subject claim is the user id.
type Verifier struct {
	secret   []byte
	disabled bool
	now      func() time.Time
}

// NewVerifier creates a verifier for secret. With disabled set, every
// request is accepted as DevUserID.
func NewVerifier(secret string, disabled bool) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		disabled: disabled,
		now:      time.Now,
	}
}

// Disabled reports whether tokens are ignored.
func (v *Verifier) Disabled() bool {
	return v.disabled
}

// Verify returns the user id carried by token.
func (v *Verifier) Verify(token string) (string, error) {
	if v.disabled {
		return DevUserID, nil
	}
	if token == "" {
		return "", fmt.Errorf("%w: missing token", model.ErrUnauthorized)
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", model.ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Issue signs a token for userID valid for ttl.
func (v *Verifier) Issue(userID string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenFromRequest extracts a bearer token from the Authorization header,
// falling back to the "token" query parameter that browsers must use for
// WebSocket handshakes.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/remote-agent-terminal/termmux/internal/model"
)

func TestVerifier_IssueAndVerify(t *testing.T) {
	v := NewVerifier("secret", false)

	token, err := v.Issue("alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	user, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if user != "alice" {
		t.Errorf("expected user alice, got %q", user)
	}
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret", false)

	expired := NewVerifier("secret", false)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expiredToken, _ := expired.Issue("alice", time.Hour)

	otherKey, _ := NewVerifier("other", false).Issue("alice", time.Hour)

	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))

	noExpiry, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "alice",
	}).SignedString([]byte("secret"))

	wrongAlg, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"expired", expiredToken},
		{"wrong key", otherKey},
		{"no subject", noSubject},
		{"no expiry", noExpiry},
		{"wrong algorithm", wrongAlg},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			if !errors.Is(err, model.ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestVerifier_Disabled(t *testing.T) {
	v := NewVerifier("", true)
	if !v.Disabled() {
		t.Error("expected verifier to be disabled")
	}
	user, err := v.Verify("")
	if err != nil || user != DevUserID {
		t.Errorf("expected %q with no error, got %q and %v", DevUserID, user, err)
	}
}

func TestVerifier_IssueRequiresUser(t *testing.T) {
	if _, err := NewVerifier("secret", false).Issue("", time.Hour); err == nil {
		t.Error("expected error for empty user id")
	}
}

func TestTokenFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/api/ws?token=from-query", nil)
	if got := TokenFromRequest(req); got != "from-query" {
		t.Errorf("expected query token, got %q", got)
	}

	req.Header.Set("Authorization", "Bearer from-header")
	if got := TokenFromRequest(req); got != "from-header" {
		t.Errorf("expected header token to win, got %q", got)
	}

	req = httptest.NewRequest("GET", "/api/ws", nil)
	req.Header.Set("Authorization", "Basic abc")
	if got := TokenFromRequest(req); got != "" {
		t.Errorf("expected no token, got %q", got)
	}
}

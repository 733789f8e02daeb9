package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTokens(t *testing.T, secret string, leeway time.Duration, now time.Time) *HMACTokens {
	t.Helper()
	tokens, err := NewHMACTokens(secret, leeway)
	if err != nil {
		t.Fatalf("NewHMACTokens: %v", err)
	}
	tokens.WithClock(func() time.Time { return now })
	return tokens
}

func TestHMACTokensIssueAndVerify(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", time.Second, now)

	token, err := tokens.Issue("tuner-desk", ScopeEdit, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := tokens.Verify(token)
	if err != nil {
		t.Fatalf("Verify returned error: %v", err)
	}
	if claims.Subject != "tuner-desk" || claims.Scope != ScopeEdit {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.ExpiresAt.Equal(now.Add(time.Hour)) || !claims.IssuedAt.Equal(now) {
		t.Fatalf("unexpected validity window %v..%v", claims.IssuedAt, claims.ExpiresAt)
	}
}

func TestHMACTokensRejectExpiredToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", 0, now)
	token := makeToken(t, "secret", "viewer-7", "", now.Add(-time.Second))

	if _, err := tokens.Verify(token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestHMACTokensRejectInvalidSignature(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", time.Second, now)
	token := makeToken(t, "other-secret", "viewer-7", "edit", now.Add(time.Minute))

	if _, err := tokens.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestHMACTokensScopes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tokens := newTokens(t, "secret", 0, now)

	legacy := makeToken(t, "secret", "viewer-7", "", now.Add(time.Minute))
	claims, err := tokens.Authorize(legacy, ScopeView)
	if err != nil || claims.Scope != ScopeView {
		t.Fatalf("unscoped token must be view-only, got %+v, %v", claims, err)
	}
	if _, err := tokens.Authorize(legacy, ScopeEdit); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := tokens.Verify(makeToken(t, "secret", "viewer-7", "admin", now.Add(time.Minute))); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("unknown scope must be rejected, got %v", err)
	}

	tests := map[string]struct {
		scope    Scope
		required Scope
		want     bool
	}{
		"edit covers view": {scope: ScopeEdit, required: ScopeView, want: true},
		"edit covers edit": {scope: ScopeEdit, required: ScopeEdit, want: true},
		"view covers view": {scope: ScopeView, required: ScopeView, want: true},
		"view lacks edit":  {scope: ScopeView, required: ScopeEdit, want: false},
	}
	for name, tc := range tests {
		if got := tc.scope.Allows(tc.required); got != tc.want {
			t.Fatalf("%s: Allows = %v, want %v", name, got, tc.want)
		}
	}
}

func TestHMACTokensIssueValidation(t *testing.T) {
	tokens := newTokens(t, "secret", 0, time.Unix(1700000000, 0))
	if _, err := tokens.Issue(" ", ScopeView, time.Hour); err == nil {
		t.Fatal("expected error for empty subject")
	}
	if _, err := tokens.Issue("desk", "root", time.Hour); err == nil {
		t.Fatal("expected error for unknown scope")
	}
	if _, err := tokens.Issue("desk", ScopeView, 0); err == nil {
		t.Fatal("expected error for non-positive ttl")
	}
	if _, err := NewHMACTokens("  ", 0); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func makeToken(t *testing.T, secret, subject, scope string, expires time.Time) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload := fmt.Sprintf(`{"sub":"%s","exp":%d,"iat":%d}`, subject, expires.Unix(), expires.Add(-time.Minute).Unix())
	if scope != "" {
		payload = fmt.Sprintf(`{"sub":"%s","scope":"%s","exp":%d,"iat":%d}`, subject, scope, expires.Unix(), expires.Add(-time.Minute).Unix())
	}
	encodedPayload := base64.RawURLEncoding.EncodeToString([]byte(payload))
	signingInput := header + "." + encodedPayload
	mac := hmac.New(sha256.New, []byte(secret))
	if _, err := mac.Write([]byte(signingInput)); err != nil {
		t.Fatalf("mac write: %v", err)
	}
	signature := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return signingInput + "." + signature
}

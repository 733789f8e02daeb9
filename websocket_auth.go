package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"raycastlab/tuner/internal/auth"
)

// requestAuthenticator resolves the caller of an HTTP or WebSocket request and
// checks that it holds the required scope.
type requestAuthenticator interface {
	Authenticate(r *http.Request, required auth.Scope) (*auth.TokenClaims, error)
}

type allowAllAuthenticator struct{}

func (allowAllAuthenticator) Authenticate(*http.Request, auth.Scope) (*auth.TokenClaims, error) {
	return &auth.TokenClaims{Subject: "anonymous", Scope: auth.ScopeEdit}, nil
}

type hmacRequestAuthenticator struct {
	tokens *auth.HMACTokens
}

func newHMACRequestAuthenticator(secret string) (requestAuthenticator, error) {
	tokens, err := auth.NewHMACTokens(secret, 2*time.Second)
	if err != nil {
		return nil, err
	}
	return &hmacRequestAuthenticator{tokens: tokens}, nil
}

// Authenticate validates the incoming token and returns its claims.
func (a *hmacRequestAuthenticator) Authenticate(r *http.Request, required auth.Scope) (*auth.TokenClaims, error) {
	if a == nil || a.tokens == nil {
		return nil, errors.New("verifier not configured")
	}
	token := requestToken(r)
	if token == "" {
		return nil, errors.New("missing auth token")
	}
	return a.tokens.Authorize(token, required)
}

// requestToken reads ?auth_token, X-Auth-Token or a bearer Authorization header.
func requestToken(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("auth_token")); token != "" {
		return token
	}
	if token := strings.TrimSpace(r.Header.Get("X-Auth-Token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// editAuthorizer adapts authenticator to the HTTP handlers' mutation guard.
func editAuthorizer(authenticator requestAuthenticator) func(*http.Request) error {
	return func(r *http.Request) error {
		_, err := authenticator.Authenticate(r, auth.ScopeEdit)
		return err
	}
}

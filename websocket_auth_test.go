package main

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"raycastlab/tuner/internal/auth"
)

func TestRequestTokenSources(t *testing.T) {
	tests := map[string]struct {
		target string
		header http.Header
		want   string
	}{
		"query":          {target: "/ws?auth_token=abc", want: "abc"},
		"header":         {target: "/ws", header: http.Header{"X-Auth-Token": {" def "}}, want: "def"},
		"bearer":         {target: "/ws", header: http.Header{"Authorization": {"Bearer ghi"}}, want: "ghi"},
		"bearer casing":  {target: "/ws", header: http.Header{"Authorization": {"bearer jkl"}}, want: "jkl"},
		"query wins":     {target: "/ws?auth_token=abc", header: http.Header{"X-Auth-Token": {"def"}}, want: "abc"},
		"basic ignored":  {target: "/ws", header: http.Header{"Authorization": {"Basic Zm9vOmJhcg=="}}, want: ""},
		"missing":        {target: "/ws", want: ""},
		"bare bearer":    {target: "/ws", header: http.Header{"Authorization": {"Bearer"}}, want: ""},
		"blank in query": {target: "/ws?auth_token=%20", want: ""},
	}
	for name, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, tc.target, nil)
		for key, values := range tc.header {
			req.Header[key] = values
		}
		if got := requestToken(req); got != tc.want {
			t.Fatalf("%s: requestToken = %q, want %q", name, got, tc.want)
		}
	}
}

func TestHMACRequestAuthenticatorScopes(t *testing.T) {
	if _, err := newHMACRequestAuthenticator(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
	authenticator, err := newHMACRequestAuthenticator("panel-secret")
	if err != nil {
		t.Fatalf("newHMACRequestAuthenticator: %v", err)
	}
	tokens, err := auth.NewHMACTokens("panel-secret", 0)
	if err != nil {
		t.Fatalf("NewHMACTokens: %v", err)
	}
	viewer, err := tokens.Issue("viewer", auth.ScopeView, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	editor, err := tokens.Issue("editor", auth.ScopeEdit, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	tests := map[string]struct {
		token    string
		required auth.Scope
		subject  string
		wantErr  error
	}{
		"viewer may watch":      {token: viewer, required: auth.ScopeView, subject: "viewer"},
		"viewer may not edit":   {token: viewer, required: auth.ScopeEdit, wantErr: auth.ErrForbidden},
		"editor may edit":       {token: editor, required: auth.ScopeEdit, subject: "editor"},
		"editor may watch":      {token: editor, required: auth.ScopeView, subject: "editor"},
		"tampered token":        {token: editor + "x", required: auth.ScopeView, wantErr: auth.ErrInvalidToken},
		"missing token":         {token: "", required: auth.ScopeView, wantErr: errAny},
		"foreign secret tokens": {token: foreignToken(t), required: auth.ScopeView, wantErr: auth.ErrInvalidToken},
	}
	for name, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		claims, err := authenticator.Authenticate(req, tc.required)
		switch {
		case tc.wantErr == errAny:
			if err == nil {
				t.Fatalf("%s: expected error", name)
			}
		case tc.wantErr != nil:
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: expected %v, got %v", name, tc.wantErr, err)
			}
		default:
			if err != nil {
				t.Fatalf("%s: unexpected error %v", name, err)
			}
			if claims.Subject != tc.subject {
				t.Fatalf("%s: subject %q, want %q", name, claims.Subject, tc.subject)
			}
		}
	}
}

func TestEditAuthorizer(t *testing.T) {
	open := editAuthorizer(allowAllAuthenticator{})
	if err := open(httptest.NewRequest(http.MethodPost, "/params", nil)); err != nil {
		t.Fatalf("open authorizer rejected request: %v", err)
	}

	authenticator, err := newHMACRequestAuthenticator("panel-secret")
	if err != nil {
		t.Fatalf("newHMACRequestAuthenticator: %v", err)
	}
	guarded := editAuthorizer(authenticator)
	if err := guarded(httptest.NewRequest(http.MethodPost, "/params", nil)); err == nil {
		t.Fatal("expected missing token to be rejected")
	}
	tokens, _ := auth.NewHMACTokens("panel-secret", 0)
	token, err := tokens.Issue("editor", auth.ScopeEdit, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/params", nil)
	req.Header.Set("X-Auth-Token", token)
	if err := guarded(req); err != nil {
		t.Fatalf("edit token rejected: %v", err)
	}
}

var errAny = errors.New("any error")

func foreignToken(t *testing.T) string {
	t.Helper()
	tokens, err := auth.NewHMACTokens("someone-else", 0)
	if err != nil {
		t.Fatalf("NewHMACTokens: %v", err)
	}
	token, err := tokens.Issue("intruder", auth.ScopeEdit, time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return token
}

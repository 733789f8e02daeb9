package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrForbidden reports a valid token whose scope does not cover the request.
	ErrForbidden = errors.New("token scope forbids this operation")
)

// Scope limits what a token holder may do with a tuning session.
type Scope string

const (
	// ScopeView permits watching frames and reading parameters.
	ScopeView Scope = "view"
	// ScopeEdit additionally permits edits, presets, actions and uploads.
	ScopeEdit Scope = "edit"
)

// Allows reports whether s covers required.
func (s Scope) Allows(required Scope) bool {
	switch required {
	case ScopeView:
		return s == ScopeView || s == ScopeEdit
	case ScopeEdit:
		return s == ScopeEdit
	}
	return false
}

// TokenClaims captures the compact JWT payload used for tuner access.
type TokenClaims struct {
	Subject   string
	Scope     Scope
	ExpiresAt time.Time
	IssuedAt  time.Time
}

type tokenHeader struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

type tokenPayload struct {
	Subject string `json:"sub"`
	Scope   Scope  `json:"scope,omitempty"`
	Expires int64  `json:"exp"`
	Issued  int64  `json:"iat"`
}

// HMACTokens issues and validates compact JWT-style tokens signed with HS256.
type HMACTokens struct {
	secret []byte
	now    func() time.Time
	leeway time.Duration
}

// NewHMACTokens constructs a signer and verifier for the shared secret and clock skew allowance.
func NewHMACTokens(secret string, leeway time.Duration) (*HMACTokens, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	if leeway < 0 {
		leeway = 0
	}
	return &HMACTokens{secret: []byte(secret), now: time.Now, leeway: leeway}, nil
}

// WithClock overrides the clock, enabling deterministic unit tests.
func (v *HMACTokens) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	v.now = clock
}

// Issue signs a token for subject with the given scope that expires after ttl.
func (v *HMACTokens) Issue(subject string, scope Scope, ttl time.Duration) (string, error) {
	if v == nil || len(v.secret) == 0 {
		return "", errors.New("signer not initialised")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("token subject must not be empty")
	}
	if scope != ScopeView && scope != ScopeEdit {
		return "", fmt.Errorf("unknown token scope %q", scope)
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}

	now := v.now()
	header, err := encodeSegment(tokenHeader{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := encodeSegment(tokenPayload{Subject: subject, Scope: scope, Expires: now.Add(ttl).Unix(), Issued: now.Unix()})
	if err != nil {
		return "", err
	}
	signingInput := header + "." + payload
	signature, err := v.sign([]byte(signingInput))
	if err != nil {
		return "", err
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

// Verify parses the token and validates the signature and expiry, returning
// the embedded claims. Tokens without a scope are treated as view-only.
func (v *HMACTokens) Verify(token string) (*TokenClaims, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, errors.New("verifier not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Check the header and signature before trusting any claim.
	headerBytes, err := decodeSegment(parts[0])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var header tokenHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, ErrInvalidToken
	}
	if header.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, header.Algorithm)
	}
	expectedSig, err := v.sign([]byte(parts[0] + "." + parts[1]))
	if err != nil {
		return nil, err
	}
	signatureBytes, err := decodeSegment(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if !hmac.Equal(signatureBytes, expectedSig) {
		return nil, ErrInvalidToken
	}

	//2.- Decode the claims and enforce expiry with the configured leeway.
	payloadBytes, err := decodeSegment(parts[1])
	if err != nil {
		return nil, ErrInvalidToken
	}
	var payload tokenPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(payload.Subject) == "" || payload.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expiresAt := time.Unix(payload.Expires, 0)
	if expiresAt.Add(v.leeway).Before(v.now()) {
		return nil, ErrExpiredToken
	}
	scope := payload.Scope
	if scope == "" {
		scope = ScopeView
	}
	if scope != ScopeView && scope != ScopeEdit {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, scope)
	}

	return &TokenClaims{
		Subject:   payload.Subject,
		Scope:     scope,
		ExpiresAt: expiresAt,
		IssuedAt:  time.Unix(payload.Issued, 0),
	}, nil
}

// Authorize verifies token and checks that its scope covers required.
func (v *HMACTokens) Authorize(token string, required Scope) (*TokenClaims, error) {
	claims, err := v.Verify(token)
	if err != nil {
		return nil, err
	}
	if !claims.Scope.Allows(required) {
		return claims, fmt.Errorf("%w: %s token cannot %s", ErrForbidden, claims.Scope, required)
	}
	return claims, nil
}

func (v *HMACTokens) sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, v.secret)
	if _, err := mac.Write(payload); err != nil {
		return nil, err
	}
	return mac.Sum(nil), nil
}

func encodeSegment(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode token segment: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeSegment(segment string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(segment)
}

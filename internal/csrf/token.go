// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package csrf issues and validates HMAC-signed anti-forgery tokens.
//
// Wire format: base64(JSON payload) + "." + hex(HMAC-SHA256(payload)).
// The signature covers the base64 segment, so validation can split on the
// last delimiter and verify before decoding anything.
package csrf

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/caresphere/phiguard/internal/crypto"
)

// Default header and cookie names read at the HTTP boundary.
const (
	HeaderName = "x-csrf-token"
	CookieName = "__csrf_token"
)

// ErrTokenGeneration indicates the token could not be built.
var ErrTokenGeneration = errors.New("csrf token generation failed")

// Outcome is the result of validating a token. Every outcome is
// independently observable for security monitoring.
type Outcome string

const (
	OutcomeValid            Outcome = "valid"
	OutcomeMissing          Outcome = "missing"
	OutcomeMalformed        Outcome = "malformed"
	OutcomeSignatureInvalid Outcome = "signature_invalid"
	OutcomeExpired          Outcome = "expired"
	OutcomeUserMismatch     Outcome = "user_mismatch"
)

// payload is the signed token body.
type payload struct {
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Nonce     string `json:"nonce"`
}

// Result carries the validation outcome plus the bound identifiers when
// the token parsed.
type Result struct {
	Outcome   Outcome
	UserID    string
	SessionID string
}

// Valid reports whether validation succeeded.
func (r Result) Valid() bool {
	return r.Outcome == OutcomeValid
}

// Config holds guard configuration.
type Config struct {
	// TokenLifetime is how long issued tokens stay valid.
	TokenLifetime time.Duration `json:"token_lifetime"`

	// ExemptPaths skip validation: webhook receivers, health checks,
	// and auth-provider-owned endpoints that carry their own proof.
	ExemptPaths []string `json:"exempt_paths"`

	// CookieSecure sets the Secure flag on the CSRF cookie.
	CookieSecure bool `json:"cookie_secure"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		TokenLifetime: time.Hour,
		ExemptPaths:   []string{"/healthz", "/metrics", "/webhooks/"},
		CookieSecure:  true,
	}
}

// Guard issues and validates anti-forgery tokens.
type Guard struct {
	config *Config
	signer *crypto.Signer
	now    func() time.Time
}

// NewGuard creates a guard signing with the given signer.
func NewGuard(signer *crypto.Signer, config *Config) *Guard {
	if config == nil {
		config = DefaultConfig()
	}
	if config.TokenLifetime <= 0 {
		config.TokenLifetime = time.Hour
	}

	return &Guard{
		config: config,
		signer: signer,
		now:    time.Now,
	}
}

// Issue mints a token bound to the given user and session when present.
// A bound token is single-purpose: it validates only for that identity.
func (g *Guard) Issue(userID, sessionID string) (string, error) {
	nonce, err := crypto.RandomToken(16)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTokenGeneration, err)
	}

	now := g.now()
	p := payload{
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(g.config.TokenLifetime).Unix(),
		UserID:    userID,
		SessionID: sessionID,
		Nonce:     nonce,
	}

	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrTokenGeneration, err)
	}

	encoded := base64.StdEncoding.EncodeToString(data)
	return encoded + "." + g.signer.Sign([]byte(encoded)), nil
}

// ValidateToken checks a raw token string against the current identity.
// The order is fail-closed: shape, signature, decode, expiry, binding.
func (g *Guard) ValidateToken(token, currentUserID string) Result {
	if token == "" {
		return Result{Outcome: OutcomeMissing}
	}

	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return Result{Outcome: OutcomeMalformed}
	}
	encoded, signature := token[:idx], token[idx+1:]

	if !g.signer.Verify([]byte(encoded), signature) {
		return Result{Outcome: OutcomeSignatureInvalid}
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Result{Outcome: OutcomeMalformed}
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Result{Outcome: OutcomeMalformed}
	}

	if g.now().Unix() > p.ExpiresAt {
		return Result{Outcome: OutcomeExpired, UserID: p.UserID, SessionID: p.SessionID}
	}

	// A token minted for one account must never validate for another.
	if p.UserID != "" && currentUserID != "" && p.UserID != currentUserID {
		return Result{Outcome: OutcomeUserMismatch, UserID: p.UserID, SessionID: p.SessionID}
	}

	return Result{Outcome: OutcomeValid, UserID: p.UserID, SessionID: p.SessionID}
}

// Validate extracts the token from the request and validates it.
// The header takes precedence over the cookie: a header value implies a
// same-origin script set it, a stronger signal than a cookie alone.
func (g *Guard) Validate(r *http.Request, currentUserID string) Result {
	token := r.Header.Get(HeaderName)
	if token == "" {
		if cookie, err := r.Cookie(CookieName); err == nil {
			token = cookie.Value
		}
	}
	return g.ValidateToken(token, currentUserID)
}

// RequiresCheck reports whether the method/path pair needs validation.
// Safe methods and the documented exemption list are skipped.
func (g *Guard) RequiresCheck(method, path string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}

	for _, exempt := range g.config.ExemptPaths {
		if strings.HasPrefix(path, exempt) {
			return false
		}
	}
	return true
}

// SetCookie writes the CSRF cookie for double-submit clients.
func (g *Guard) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(g.config.TokenLifetime.Seconds()),
		Secure:   g.config.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

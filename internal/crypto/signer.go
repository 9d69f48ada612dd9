// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrSigningKeyMissing indicates no HMAC secret was configured.
var ErrSigningKeyMissing = errors.New("signing secret not configured")

// Signer produces and verifies HMAC-SHA256 signatures over token payloads.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer from the configured secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrSigningKeyMissing
	}
	return &Signer{secret: []byte(secret)}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of the payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
// Execution time is independent of where the signatures first differ.
func (s *Signer) Verify(payload []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

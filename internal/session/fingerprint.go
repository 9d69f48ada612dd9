// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"

	"github.com/caresphere/phiguard/internal/audit"
)

// FingerprintInputs are the request attributes bound into a device
// fingerprint. Only the hash is ever persisted.
type FingerprintInputs struct {
	UserAgent      string
	AcceptHeaders  string
	AcceptLanguage string
	IPAddress      string
}

// Fingerprint computes the SHA-256 device fingerprint over the inputs.
// The same device yields the same hash; any change to user agent,
// accept headers, or source address yields a different one.
func Fingerprint(in FingerprintInputs) string {
	h := sha256.New()
	h.Write([]byte(in.UserAgent))
	h.Write([]byte{0})
	h.Write([]byte(in.AcceptHeaders))
	h.Write([]byte{0})
	h.Write([]byte(in.AcceptLanguage))
	h.Write([]byte{0})
	h.Write([]byte(in.IPAddress))
	return hex.EncodeToString(h.Sum(nil))
}

// InputsFromRequest collects fingerprint inputs at the HTTP boundary.
// The client address comes from the shared extraction, so the
// fingerprint and the audit trail always agree on it.
func InputsFromRequest(r *http.Request) FingerprintInputs {
	return FingerprintInputs{
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptHeaders:  r.Header.Get("Accept"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		IPAddress:      audit.ClientIP(r),
	}
}

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// AlnumAlphabet is the 36-character alphabet used for backup codes and
// other human-entered tokens.
const AlnumAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandomToken returns a hex string built from n cryptographically secure
// random bytes. Used for session IDs, CSRF nonces, and event IDs.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// RandomAlnum returns an n-character string drawn uniformly from
// AlnumAlphabet. Rejection sampling keeps the distribution unbiased.
func RandomAlnum(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	// 252 is the largest multiple of 36 below 256; bytes at or above it
	// would bias the modulo and are discarded.
	const limit = 252

	for len(out) < n {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, AlnumAlphabet[int(b)%len(AlnumAlphabet)])
			if len(out) == n {
				break
			}
		}
	}

	return string(out), nil
}

// RandomDigits returns an n-digit numeric code for SMS/email verification.
func RandomDigits(n int) (string, error) {
	out := make([]byte, 0, n)
	buf := make([]byte, n*2)

	// 250 is the largest multiple of 10 below 256.
	const limit = 250

	for len(out) < n {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, '0'+b%10)
			if len(out) == n {
				break
			}
		}
	}

	return string(out), nil
}

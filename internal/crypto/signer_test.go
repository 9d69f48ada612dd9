// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package crypto

import (
	"errors"
	"testing"
)

func TestNewSigner(t *testing.T) {
	if _, err := NewSigner(""); !errors.Is(err, ErrSigningKeyMissing) {
		t.Errorf("NewSigner(\"\") error = %v, want ErrSigningKeyMissing", err)
	}
	if _, err := NewSigner("secret"); err != nil {
		t.Errorf("NewSigner() error = %v", err)
	}
}

func TestSignVerify(t *testing.T) {
	s, err := NewSigner("a-signing-secret-of-reasonable-length")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}

	payload := []byte("payload to protect")
	sig := s.Sign(payload)

	if !s.Verify(payload, sig) {
		t.Error("Verify() = false for a valid signature")
	}

	t.Run("tampered payload", func(t *testing.T) {
		if s.Verify([]byte("payload to protecT"), sig) {
			t.Error("Verify() = true for a modified payload")
		}
	})

	t.Run("tampered signature", func(t *testing.T) {
		tampered := []byte(sig)
		if tampered[0] == 'a' {
			tampered[0] = 'b'
		} else {
			tampered[0] = 'a'
		}
		if s.Verify(payload, string(tampered)) {
			t.Error("Verify() = true for a modified signature")
		}
	})

	t.Run("non-hex signature", func(t *testing.T) {
		if s.Verify(payload, "zzzz") {
			t.Error("Verify() = true for a non-hex signature")
		}
	})

	t.Run("different secret", func(t *testing.T) {
		other, err := NewSigner("a-different-secret-entirely")
		if err != nil {
			t.Fatalf("NewSigner() error = %v", err)
		}
		if other.Verify(payload, sig) {
			t.Error("Verify() = true across different secrets")
		}
	})
}

func TestSignDeterministic(t *testing.T) {
	s, err := NewSigner("secret")
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if s.Sign([]byte("x")) != s.Sign([]byte("x")) {
		t.Error("Sign() is not deterministic for identical input")
	}
}

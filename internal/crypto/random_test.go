// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package crypto

import (
	"strings"
	"testing"
)

func TestRandomToken(t *testing.T) {
	token, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken() error = %v", err)
	}
	if len(token) != 64 {
		t.Errorf("RandomToken(32) length = %d, want 64 hex chars", len(token))
	}

	other, err := RandomToken(32)
	if err != nil {
		t.Fatalf("RandomToken() error = %v", err)
	}
	if token == other {
		t.Error("two tokens are identical")
	}
}

func TestRandomAlnum(t *testing.T) {
	s, err := RandomAlnum(8)
	if err != nil {
		t.Fatalf("RandomAlnum() error = %v", err)
	}
	if len(s) != 8 {
		t.Errorf("RandomAlnum(8) length = %d, want 8", len(s))
	}
	for _, c := range s {
		if !strings.ContainsRune(AlnumAlphabet, c) {
			t.Errorf("RandomAlnum() produced %q outside the alphabet", c)
		}
	}
}

func TestRandomDigits(t *testing.T) {
	s, err := RandomDigits(6)
	if err != nil {
		t.Fatalf("RandomDigits() error = %v", err)
	}
	if len(s) != 6 {
		t.Errorf("RandomDigits(6) length = %d, want 6", len(s))
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			t.Errorf("RandomDigits() produced non-digit %q", c)
		}
	}
}

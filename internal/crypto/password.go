// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// bcrypt embeds its own per-password random salt, keeping the password
// hash independent of the PBKDF2 field-encryption KDF.
const defaultBcryptCost = 12

// ErrPasswordTooLong indicates the password exceeds bcrypt's 72-byte input limit.
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// HashPassword hashes a password with a per-password random salt.
func HashPassword(password string) (string, error) {
	if len(password) > 72 {
		return "", ErrPasswordTooLong
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), defaultBcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether the password matches the salted hash.
// The comparison runs in time independent of where the inputs differ.
func VerifyPassword(password, saltedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(saltedHash), []byte(password)) == nil
}

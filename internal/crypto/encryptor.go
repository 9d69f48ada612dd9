// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package crypto provides the cryptographic primitives the substrate is
// built on: authenticated field encryption for PHI at rest, password
// hashing, HMAC signing with constant-time comparison, and secure random
// generation. Nothing else in the repository touches crypto/* directly.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Encryption errors
var (
	// ErrKeyMissing indicates no master key was configured.
	ErrKeyMissing = errors.New("encryption master key not configured")

	// ErrInvalidBlob indicates the encrypted blob is malformed.
	ErrInvalidBlob = errors.New("invalid encrypted blob")

	// ErrDecryptionFailed indicates authentication-tag verification failed.
	// Callers on PHI paths must treat this as tampering, never as empty data.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Blob segment lengths. The wire format is
// base64(salt(64) || iv(16) || tag(16) || ciphertext).
const (
	saltLen = 64
	ivLen   = 16
	tagLen  = 16
)

// EncryptorConfig holds configuration for field encryption.
type EncryptorConfig struct {
	// MasterKey is the base64-encoded master encryption key.
	// Should carry at least 32 bytes (256 bits) of entropy.
	MasterKey string

	// Iterations is the PBKDF2 iteration count for per-call key derivation.
	// Default: 210000.
	Iterations int
}

// Encryptor provides authenticated encryption for PHI fields and blobs.
//
// Each Encrypt call derives a fresh key from the master key with PBKDF2
// over a new random salt. Deriving per call instead of caching a derived
// key means no two blobs ever share key material, so a single leaked
// derived key exposes exactly one record.
type Encryptor struct {
	masterKey  []byte
	iterations int
}

// NewEncryptor creates a new field encryptor.
// Returns ErrKeyMissing if the configured master key is empty.
func NewEncryptor(config *EncryptorConfig) (*Encryptor, error) {
	if config == nil || config.MasterKey == "" {
		return nil, ErrKeyMissing
	}

	masterKey, err := base64.StdEncoding.DecodeString(config.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(masterKey) < 16 {
		return nil, errors.New("master key must be at least 16 bytes")
	}

	iterations := config.Iterations
	if iterations <= 0 {
		iterations = 210000
	}

	return &Encryptor{
		masterKey:  masterKey,
		iterations: iterations,
	}, nil
}

// Encrypt encrypts the plaintext and returns an opaque base64 blob.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	if e == nil || len(e.masterKey) == 0 {
		return "", ErrKeyMissing
	}

	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	aead, err := e.newAEAD(salt)
	if err != nil {
		return "", err
	}

	// Seal appends the tag after the ciphertext; the blob layout wants
	// tag before ciphertext, so split and reorder.
	sealed := aead.Seal(nil, iv, plaintext, nil)
	ctLen := len(sealed) - tagLen
	ciphertext, tag := sealed[:ctLen], sealed[ctLen:]

	blob := make([]byte, 0, saltLen+ivLen+tagLen+ctLen)
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// EncryptString encrypts a string field.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	return e.Encrypt([]byte(plaintext))
}

// Decrypt decrypts a blob produced by Encrypt.
//
// Any bit flip in any segment causes ErrDecryptionFailed; corrupted
// plaintext is never returned. This is the substrate's core integrity
// guarantee for PHI at rest.
func (e *Encryptor) Decrypt(blob string) ([]byte, error) {
	if e == nil || len(e.masterKey) == 0 {
		return nil, ErrKeyMissing
	}

	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode failed", ErrInvalidBlob)
	}

	if len(data) < saltLen+ivLen+tagLen {
		return nil, fmt.Errorf("%w: data too short", ErrInvalidBlob)
	}

	salt := data[:saltLen]
	iv := data[saltLen : saltLen+ivLen]
	tag := data[saltLen+ivLen : saltLen+ivLen+tagLen]
	ciphertext := data[saltLen+ivLen+tagLen:]

	aead, err := e.newAEAD(salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagLen)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// DecryptString decrypts a blob into a string field.
func (e *Encryptor) DecryptString(blob string) (string, error) {
	plaintext, err := e.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// newAEAD derives a per-call key from the salt and builds the cipher.
func (e *Encryptor) newAEAD(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.masterKey, salt, e.iterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}

	return aead, nil
}

// GenerateMasterKey generates a cryptographically secure master key.
// Returns the key base64-encoded, suitable for configuration.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

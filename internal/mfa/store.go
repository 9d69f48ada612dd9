// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package mfa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// ErrNotEnrolled is returned when a user has no MFA enrollment.
var ErrNotEnrolled = errors.New("mfa not enrolled")

// Enrollment is a user's persisted second-factor state. The TOTP secret
// is stored only as an encrypted blob; backup codes only as bcrypt
// hashes. Plaintext values exist only in memory at setup time.
type Enrollment struct {
	UserID string `json:"user_id"`

	// TOTPSecret is the encrypted shared secret once TOTP is enabled.
	TOTPSecret string `json:"totp_secret,omitempty"`

	// PendingSecret holds the encrypted secret between setup and the
	// confirming verification. It never satisfies a login challenge.
	PendingSecret string `json:"pending_secret,omitempty"`

	// TOTPEnabled is set only after the user proves possession of the
	// secret with a valid code.
	TOTPEnabled bool `json:"totp_enabled"`

	// BackupCodeHashes are bcrypt hashes of unused single-use recovery
	// codes. Consumed entries are removed.
	BackupCodeHashes []string `json:"backup_code_hashes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists MFA enrollments.
type Store interface {
	// Get retrieves a user's enrollment.
	// Returns ErrNotEnrolled if none exists.
	Get(ctx context.Context, userID string) (*Enrollment, error)

	// Save creates or replaces a user's enrollment.
	Save(ctx context.Context, enrollment *Enrollment) error

	// Delete removes a user's enrollment.
	Delete(ctx context.Context, userID string) error
}

// MemoryStore is an in-memory enrollment store for development and
// tests, with the same deep-copy discipline as the session store.
type MemoryStore struct {
	mu          sync.RWMutex
	enrollments map[string]*Enrollment
}

// NewMemoryStore creates an in-memory enrollment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		enrollments: make(map[string]*Enrollment),
	}
}

// Get retrieves a user's enrollment.
func (s *MemoryStore) Get(_ context.Context, userID string) (*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[userID]
	if !ok {
		return nil, ErrNotEnrolled
	}
	cp := *e
	cp.BackupCodeHashes = append([]string(nil), e.BackupCodeHashes...)
	return &cp, nil
}

// Save creates or replaces a user's enrollment.
func (s *MemoryStore) Save(_ context.Context, enrollment *Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *enrollment
	cp.BackupCodeHashes = append([]string(nil), enrollment.BackupCodeHashes...)
	s.enrollments[enrollment.UserID] = &cp
	return nil
}

// Delete removes a user's enrollment.
func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enrollments, userID)
	return nil
}

// mfaKeyPrefix namespaces enrollments in the shared Badger database.
const mfaKeyPrefix = "mfa:"

// BadgerStore persists enrollments in Badger.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed enrollment store.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &BadgerStore{db: db}, nil
}

func mfaKey(userID string) []byte {
	return []byte(mfaKeyPrefix + userID)
}

// Get retrieves a user's enrollment.
func (s *BadgerStore) Get(_ context.Context, userID string) (*Enrollment, error) {
	var e Enrollment
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(mfaKey(userID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("reading enrollment: %w", err)
	}
	return &e, nil
}

// Save creates or replaces a user's enrollment.
func (s *BadgerStore) Save(_ context.Context, enrollment *Enrollment) error {
	data, err := json.Marshal(enrollment)
	if err != nil {
		return fmt.Errorf("marshaling enrollment: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(mfaKey(enrollment.UserID), data)
	})
	if err != nil {
		return fmt.Errorf("storing enrollment: %w", err)
	}
	return nil
}

// Delete removes a user's enrollment.
func (s *BadgerStore) Delete(_ context.Context, userID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(mfaKey(userID))
	})
	if err != nil {
		return fmt.Errorf("deleting enrollment: %w", err)
	}
	return nil
}

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package session manages authenticated sessions with device binding,
// age and idle timeouts, a per-user concurrency cap, and identifier
// rotation against session fixation.
package session

import (
	"context"
	"errors"
	"time"
)

// Session-related errors
var (
	// ErrSessionNotFound is returned when a session is not in the store.
	ErrSessionNotFound = errors.New("session not found")
)

// Session represents an authenticated user session.
type Session struct {
	// ID is the opaque, cryptographically random session identifier.
	ID string `json:"id"`

	// UserID is the authenticated user's unique identifier.
	UserID string `json:"user_id"`

	// Role is the user's role at login. Authorization decisions on it
	// are a caller responsibility.
	Role string `json:"role"`

	// Fingerprint is the hashed device fingerprint computed at creation.
	// Raw fingerprint inputs are never stored.
	Fingerprint string `json:"fingerprint"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// LastActivityAt slides forward on every validated access and is
	// monotonically non-decreasing.
	LastActivityAt time.Time `json:"last_activity_at"`

	// TrustDevice skips fingerprint enforcement when set. Granting it
	// narrows the hijacking guarantee in exchange for usability and is
	// audited at creation.
	TrustDevice bool `json:"trust_device"`
}

// ExpiredByAge reports whether the session exceeded the maximum age.
func (s *Session) ExpiredByAge(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.CreatedAt) > maxAge
}

// ExpiredByIdle reports whether the session idled past the timeout.
func (s *Session) ExpiredByIdle(now time.Time, idleTimeout time.Duration) bool {
	return now.Sub(s.LastActivityAt) > idleTimeout
}

// Store defines the interface for session persistence backends.
type Store interface {
	// Create stores a new session.
	Create(ctx context.Context, session *Session) error

	// Get retrieves a session by ID.
	// Returns ErrSessionNotFound if not found.
	Get(ctx context.Context, id string) (*Session, error)

	// Update updates an existing session.
	// Returns ErrSessionNotFound if not found.
	Update(ctx context.Context, session *Session) error

	// Delete removes a session by ID.
	// Does not return an error if the session doesn't exist.
	Delete(ctx context.Context, id string) error

	// DeleteByUserID removes all sessions for a user.
	// Returns the count of deleted sessions.
	DeleteByUserID(ctx context.Context, userID string) (int, error)

	// GetByUserID returns all sessions for a user.
	GetByUserID(ctx context.Context, userID string) ([]*Session, error)

	// CleanupExpired removes sessions past either timeout.
	// Returns the count of deleted sessions.
	CleanupExpired(ctx context.Context, maxAge, idleTimeout time.Duration) (int, error)
}

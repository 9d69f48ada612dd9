// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/crypto"
	"github.com/caresphere/phiguard/internal/logging"
)

// ValidationOutcome classifies a validation attempt. Every terminal
// state is observable for security monitoring.
type ValidationOutcome string

const (
	OutcomeValid               ValidationOutcome = "valid"
	OutcomeNotFound            ValidationOutcome = "not_found"
	OutcomeRevoked             ValidationOutcome = "revoked"
	OutcomeExpiredAge          ValidationOutcome = "expired_age"
	OutcomeExpiredIdle         ValidationOutcome = "expired_idle"
	OutcomeFingerprintMismatch ValidationOutcome = "fingerprint_mismatch"
)

// Config holds session manager configuration.
type Config struct {
	// MaxAge is the absolute session lifetime from creation.
	MaxAge time.Duration `json:"max_age"`

	// IdleTimeout expires sessions with no validated activity.
	IdleTimeout time.Duration `json:"idle_timeout"`

	// MaxPerUser caps concurrent sessions per user; creating past the
	// cap evicts the oldest session.
	MaxPerUser int `json:"max_per_user"`

	// RevokedTTL is how long rotated-away session IDs stay on the
	// revocation list. Defaults to MaxAge, past which the old ID could
	// not have validated anyway.
	RevokedTTL time.Duration `json:"revoked_ttl"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAge:      12 * time.Hour,
		IdleTimeout: 30 * time.Minute,
		MaxPerUser:  5,
	}
}

// Manager enforces the session lifecycle over a Store.
type Manager struct {
	config   *Config
	store    Store
	recorder *audit.Recorder
	now      func() time.Time

	// revoked holds rotated-away IDs so a captured pre-rotation ID
	// can never validate again, with their expiry.
	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewManager creates a session manager.
func NewManager(store Store, recorder *audit.Recorder, config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxAge <= 0 {
		config.MaxAge = 12 * time.Hour
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 30 * time.Minute
	}
	if config.MaxPerUser <= 0 {
		config.MaxPerUser = 5
	}
	if config.RevokedTTL <= 0 {
		config.RevokedTTL = config.MaxAge
	}

	return &Manager{
		config:   config,
		store:    store,
		recorder: recorder,
		now:      time.Now,
		revoked:  make(map[string]time.Time),
	}
}

// Create builds a new session bound to the device fingerprint. When the
// user is at the concurrency cap, the oldest session is evicted first.
func (m *Manager) Create(ctx context.Context, userID, role string, inputs FingerprintInputs, trustDevice bool, src audit.Source) (*Session, error) {
	id, err := crypto.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	if err := m.enforceCap(ctx, userID, src); err != nil {
		return nil, err
	}

	now := m.now()
	s := &Session{
		ID:             id,
		UserID:         userID,
		Role:           role,
		Fingerprint:    Fingerprint(inputs),
		CreatedAt:      now,
		LastActivityAt: now,
		TrustDevice:    trustDevice,
	}

	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	activeSessions.Inc()
	if m.recorder != nil {
		m.recorder.RecordSuccess(ctx, userID, audit.ActionSessionCreate,
			"session", s.ID, src,
			audit.SessionDetail{TrustDevice: trustDevice})
	}
	return s, nil
}

// enforceCap evicts the oldest sessions until the user is under the cap.
func (m *Manager) enforceCap(ctx context.Context, userID string, src audit.Source) error {
	existing, err := m.store.GetByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(existing) < m.config.MaxPerUser {
		return nil
	}

	sort.Slice(existing, func(i, j int) bool {
		return existing[i].CreatedAt.Before(existing[j].CreatedAt)
	})

	for i := 0; i <= len(existing)-m.config.MaxPerUser; i++ {
		evicted := existing[i]
		if err := m.store.Delete(ctx, evicted.ID); err != nil {
			return fmt.Errorf("evicting session: %w", err)
		}
		activeSessions.Dec()
		logging.Info().
			Str("user_id", userID).
			Str("session_id", evicted.ID).
			Msg("Evicted oldest session at concurrency cap")
		if m.recorder != nil {
			m.recorder.RecordSuccess(ctx, userID, audit.ActionSessionDestroy,
				"session", evicted.ID, src,
				audit.GenericDetail{"reason": "concurrency_cap"})
		}
	}
	return nil
}

// Validate checks a presented session ID against the lifecycle rules and
// the device fingerprint. A fingerprint mismatch destroys the session
// and is recorded as a possible hijacking.
func (m *Manager) Validate(ctx context.Context, id string, inputs FingerprintInputs, src audit.Source) (*Session, ValidationOutcome) {
	if m.isRevoked(id) {
		validations.WithLabelValues(string(OutcomeRevoked)).Inc()
		return nil, OutcomeRevoked
	}

	s, err := m.store.Get(ctx, id)
	if err != nil {
		validations.WithLabelValues(string(OutcomeNotFound)).Inc()
		return nil, OutcomeNotFound
	}

	now := m.now()
	if s.ExpiredByAge(now, m.config.MaxAge) {
		m.expire(ctx, s, OutcomeExpiredAge, src)
		return nil, OutcomeExpiredAge
	}
	if s.ExpiredByIdle(now, m.config.IdleTimeout) {
		m.expire(ctx, s, OutcomeExpiredIdle, src)
		return nil, OutcomeExpiredIdle
	}

	if !s.TrustDevice && s.Fingerprint != Fingerprint(inputs) {
		// Same ID from a different device: treat as hijacked and
		// invalidate immediately.
		if err := m.store.Delete(ctx, s.ID); err != nil {
			logging.Error().Err(err).Str("session_id", s.ID).
				Msg("Error destroying session after fingerprint mismatch")
		} else {
			activeSessions.Dec()
		}
		validations.WithLabelValues(string(OutcomeFingerprintMismatch)).Inc()
		hijackSuspected.Inc()
		logging.Warn().
			Str("user_id", s.UserID).
			Str("session_id", s.ID).
			Str("ip", src.IPAddress).
			Msg("Session fingerprint mismatch, possible hijacking")
		if m.recorder != nil {
			m.recorder.RecordFailure(ctx, s.UserID, audit.ActionSessionHijack,
				"session", s.ID, src, nil)
		}
		return nil, OutcomeFingerprintMismatch
	}

	// Slide the idle window forward. LastActivityAt never moves back.
	if now.After(s.LastActivityAt) {
		s.LastActivityAt = now
		if err := m.store.Update(ctx, s); err != nil {
			logging.Error().Err(err).Str("session_id", s.ID).
				Msg("Error updating session activity")
		}
	}

	validations.WithLabelValues(string(OutcomeValid)).Inc()
	return s, OutcomeValid
}

// expire destroys a session that aged or idled out.
func (m *Manager) expire(ctx context.Context, s *Session, outcome ValidationOutcome, src audit.Source) {
	if err := m.store.Delete(ctx, s.ID); err != nil {
		logging.Error().Err(err).Str("session_id", s.ID).
			Msg("Error destroying expired session")
	} else {
		activeSessions.Dec()
	}
	validations.WithLabelValues(string(outcome)).Inc()
	if m.recorder != nil {
		m.recorder.RecordFailure(ctx, s.UserID, audit.ActionSessionExpire,
			"session", s.ID, src,
			audit.GenericDetail{"reason": string(outcome)})
	}
}

// Renew rotates the session identifier after privilege changes such as
// login or MFA completion, preserving the session state. The previous
// ID is revoked so it can never validate again.
func (m *Manager) Renew(ctx context.Context, id string, src audit.Source) (*Session, error) {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, ErrSessionNotFound
	}

	newID, err := crypto.RandomToken(32)
	if err != nil {
		return nil, fmt.Errorf("generating session id: %w", err)
	}

	renewed := *s
	renewed.ID = newID
	renewed.LastActivityAt = m.now()

	if err := m.store.Create(ctx, &renewed); err != nil {
		return nil, fmt.Errorf("storing renewed session: %w", err)
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("removing rotated session: %w", err)
	}

	m.mu.Lock()
	m.revoked[id] = m.now().Add(m.config.RevokedTTL)
	m.mu.Unlock()

	if m.recorder != nil {
		m.recorder.RecordSuccess(ctx, s.UserID, audit.ActionSessionRenew,
			"session", newID, src,
			audit.GenericDetail{"previous_session_id": id})
	}
	return &renewed, nil
}

// Destroy removes a session. Destroying an absent session is not an
// error; the end state is the same.
func (m *Manager) Destroy(ctx context.Context, id string, src audit.Source) error {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return nil
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("destroying session: %w", err)
	}
	activeSessions.Dec()
	if m.recorder != nil {
		m.recorder.RecordSuccess(ctx, s.UserID, audit.ActionSessionDestroy,
			"session", id, src, nil)
	}
	return nil
}

// DestroyAllForUser removes every session for a user, for password
// resets and account deactivation.
func (m *Manager) DestroyAllForUser(ctx context.Context, userID string, src audit.Source) (int, error) {
	n, err := m.store.DeleteByUserID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("destroying sessions: %w", err)
	}
	activeSessions.Sub(float64(n))
	if m.recorder != nil && n > 0 {
		m.recorder.RecordSuccess(ctx, userID, audit.ActionSessionDestroy,
			"session", "", src,
			audit.GenericDetail{"scope": "all", "count": fmt.Sprintf("%d", n)})
	}
	return n, nil
}

// isRevoked checks the rotation revocation list, pruning expired entries
// opportunistically.
func (m *Manager) isRevoked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.revoked[id]
	if !ok {
		return false
	}
	if m.now().After(exp) {
		delete(m.revoked, id)
		return false
	}
	return true
}

// Sweep removes expired sessions and stale revocation entries. Run
// periodically by the supervisor.
func (m *Manager) Sweep(ctx context.Context) error {
	n, err := m.store.CleanupExpired(ctx, m.config.MaxAge, m.config.IdleTimeout)
	if err != nil {
		return fmt.Errorf("cleaning up sessions: %w", err)
	}
	if n > 0 {
		activeSessions.Sub(float64(n))
		logging.Debug().Int("count", n).Msg("Swept expired sessions")
	}

	now := m.now()
	m.mu.Lock()
	for id, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, id)
		}
	}
	m.mu.Unlock()
	return nil
}

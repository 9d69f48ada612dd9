// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package audit provides the tamper-evident compliance trail shared by
// every security component. Events are append-only: once written they are
// never mutated or deleted except by the retention purge, which is itself
// audited.
package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Outcome indicates how the audited operation ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailure Outcome = "FAILURE"
	OutcomeError   Outcome = "ERROR"
)

// Common actions recorded by the security components.
const (
	ActionSessionCreate    = "session.create"
	ActionSessionValidate  = "session.validate"
	ActionSessionRenew     = "session.renew"
	ActionSessionDestroy   = "session.destroy"
	ActionSessionExpire    = "session.expire"
	ActionSessionHijack    = "session.fingerprint_mismatch"
	ActionCSRFValidate     = "csrf.validate"
	ActionRateLimitBlock   = "ratelimit.block"
	ActionRateLimitUnblock = "ratelimit.unblock"
	ActionMFASetup         = "mfa.setup"
	ActionMFAEnable        = "mfa.enable"
	ActionMFADisable       = "mfa.disable"
	ActionMFAVerify        = "mfa.verify"
	ActionMFALockout       = "mfa.lockout"
	ActionMFARegenerate    = "mfa.regenerate_backup_codes"
	ActionRetentionPurge   = "retention.purge"
)

// Event is an immutable audit record.
type Event struct {
	// ID is a unique identifier for this event.
	ID string `json:"id"`

	// ActorID identifies who performed the action, when known.
	ActorID string `json:"actor_id,omitempty"`

	// Action describes what was done (e.g. "session.create").
	Action string `json:"action"`

	// Entity is the kind of object acted on (e.g. "session", "mfa_factor").
	Entity string `json:"entity"`

	// EntityID identifies the specific object, when known.
	EntityID string `json:"entity_id,omitempty"`

	// Outcome is SUCCESS, FAILURE, or ERROR.
	Outcome Outcome `json:"outcome"`

	// Details carries the structured, action-specific payload.
	Details json.RawMessage `json:"details,omitempty"`

	// IPAddress of the originating client, when known.
	IPAddress string `json:"ip_address,omitempty"`

	// UserAgent of the originating client, when known.
	UserAgent string `json:"user_agent,omitempty"`

	// RequestID from the originating HTTP request.
	RequestID string `json:"request_id,omitempty"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Structured detail payloads. Each action kind gets a closed variant;
// GenericDetail is the fallback for genuinely unstructured context.

// ErrorDetail is the normalized shape for ERROR outcomes.
type ErrorDetail struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// LockoutDetail describes an MFA or authentication lockout.
type LockoutDetail struct {
	FailedAttempts  int     `json:"failed_attempts"`
	CooldownSeconds float64 `json:"cooldown_seconds"`
}

// RateLimitDetail describes a rate-limit escalation block.
type RateLimitDetail struct {
	Key        string `json:"key"`
	Violations int    `json:"violations"`
	WindowMs   int64  `json:"window_ms"`
}

// SessionDetail describes session lifecycle events.
type SessionDetail struct {
	Reason      string `json:"reason,omitempty"`
	Role        string `json:"role,omitempty"`
	TrustDevice bool   `json:"trust_device,omitempty"`
	Evicted     string `json:"evicted_session,omitempty"`
}

// PurgeDetail describes a retention purge run.
type PurgeDetail struct {
	Purged        int64  `json:"purged"`
	RetentionDays int    `json:"retention_days"`
	Policy        string `json:"policy"`
}

// GenericDetail is the key-value fallback for unstructured context.
type GenericDetail map[string]string

// Detail marshals a structured detail payload for Event.Details.
// A nil payload stays nil so detail-free events omit the field.
func Detail(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// Store is the durable-store collaborator for audit events. The substrate
// makes no assumption about the backing schema beyond the Event fields.
type Store interface {
	// Save persists an audit event.
	Save(ctx context.Context, event *Event) error

	// Query retrieves events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Count returns the number of events matching the filter.
	Count(ctx context.Context, filter QueryFilter) (int64, error)

	// DeleteOlderThan removes events recorded before the cutoff.
	// Returns the count of deleted events. Only the retention purge may
	// call this.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueryFilter defines filtering options for compliance queries.
// The hot path never queries; only report code paths do.
type QueryFilter struct {
	// ActorID filters by actor.
	ActorID string `json:"actor_id,omitempty"`

	// Entity filters by entity kind.
	Entity string `json:"entity,omitempty"`

	// Action filters by action.
	Action string `json:"action,omitempty"`

	// Outcome filters by outcome.
	Outcome Outcome `json:"outcome,omitempty"`

	// StartTime is the beginning of the time range (inclusive).
	StartTime *time.Time `json:"start_time,omitempty"`

	// EndTime is the end of the time range (exclusive).
	EndTime *time.Time `json:"end_time,omitempty"`

	// Limit is the maximum number of results. Default 100.
	Limit int `json:"limit,omitempty"`

	// Offset for pagination.
	Offset int `json:"offset,omitempty"`
}

// DefaultQueryFilter returns a sensible default filter.
func DefaultQueryFilter() QueryFilter {
	return QueryFilter{Limit: 100}
}

// Matches reports whether the event passes the filter's field predicates.
// Time range is [StartTime, EndTime).
func (f *QueryFilter) Matches(e *Event) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Entity != "" && e.Entity != f.Entity {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && !e.Timestamp.Before(*f.EndTime) {
		return false
	}
	return true
}

// Source captures the client-facing fields of an HTTP request.
type Source struct {
	IPAddress string
	UserAgent string
}

// SourceFromRequest extracts the client IP and user agent, honoring
// X-Forwarded-For and X-Real-IP set by the routing glue.
func SourceFromRequest(r *http.Request) Source {
	return Source{
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// ClientIP extracts the originating client address: the first
// X-Forwarded-For hop, then X-Real-IP, then RemoteAddr with the
// ephemeral port stripped. Every consumer that keys or records by
// client address goes through this one extraction so the session
// fingerprint, the rate-limit counters, and the trail all agree on
// what the client's address is.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			xff = xff[:idx]
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

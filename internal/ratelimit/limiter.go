// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/logging"
)

// Config holds limiter configuration.
type Config struct {
	// Policies maps endpoint class to its window policy.
	Policies map[string]Policy `json:"policies"`

	// Capacity bounds the counter cache.
	Capacity int `json:"capacity"`

	// ViolationThreshold is the number of limit violations within
	// ViolationWindow that puts a key on the temporary block list.
	ViolationThreshold int `json:"violation_threshold"`

	// ViolationWindow is the rolling period violations are counted over.
	ViolationWindow time.Duration `json:"violation_window"`

	// BlockDuration is how long an escalated key stays blocked.
	BlockDuration time.Duration `json:"block_duration"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Policies:           DefaultPolicies(),
		Capacity:           10000,
		ViolationThreshold: 10,
		ViolationWindow:    time.Hour,
		BlockDuration:      time.Hour,
	}
}

// Decision is the outcome of a limit check, carrying enough metadata for
// clients to retry correctly and nothing about internal state.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter is the canonical fixed-window rate limiter. One instance owns
// all counters; construct it at process start and share it by reference.
type Limiter struct {
	config   *Config
	counters *counterCache
	blocks   *blocklist
	recorder *audit.Recorder
	now      func() time.Time
}

// NewLimiter creates a new limiter. The recorder may be nil in tests.
func NewLimiter(config *Config, recorder *audit.Recorder) *Limiter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Policies == nil {
		config.Policies = DefaultPolicies()
	}
	if config.ViolationThreshold <= 0 {
		config.ViolationThreshold = 10
	}
	if config.ViolationWindow <= 0 {
		config.ViolationWindow = time.Hour
	}
	if config.BlockDuration <= 0 {
		config.BlockDuration = time.Hour
	}

	return &Limiter{
		config:   config,
		counters: newCounterCache(config.Capacity),
		blocks:   newBlocklist(config.ViolationThreshold, config.ViolationWindow, config.BlockDuration),
		recorder: recorder,
		now:      time.Now,
	}
}

// Check counts a request against the class policy for the given key and
// returns the decision. Increment-and-compare is atomic per key, so
// concurrent requests cannot slip under the limit.
func (l *Limiter) Check(class, key string) Decision {
	policy, ok := l.config.Policies[class]
	if !ok {
		policy = l.config.Policies[ClassAPI]
		if policy.Max == 0 {
			policy = Policy{Window: time.Minute, Max: 100}
		}
	}

	now := l.now()
	composite := class + ":" + key

	// Escalated keys are denied before any counting, except never-block
	// classes which must stay reachable.
	if until, blocked := l.blocks.isBlocked(composite, now); blocked && !policy.NeverBlock {
		decisions.WithLabelValues(class, "blocked").Inc()
		return Decision{
			Allowed:    false,
			Limit:      policy.Max,
			Remaining:  0,
			ResetAt:    until,
			RetryAfter: until.Sub(now),
		}
	}

	// Failures-only classes count through RecordFailure, not here: a
	// successful login must never consume budget. Check only inspects.
	var c counter
	if policy.FailuresOnly {
		var ok bool
		c, ok = l.counters.peek(composite, now)
		if !ok {
			c = counter{count: 0, resetAt: now.Add(policy.Window)}
		}
	} else {
		c = l.counters.incr(composite, policy.Window, now)
	}

	remaining := policy.Max - c.count
	if remaining < 0 {
		remaining = 0
	}

	allowed := c.count <= policy.Max || policy.NeverBlock
	if policy.FailuresOnly {
		allowed = c.count < policy.Max || policy.NeverBlock
	}
	decision := Decision{
		Allowed:   allowed,
		Limit:     policy.Max,
		Remaining: remaining,
		ResetAt:   c.resetAt,
	}

	if !allowed {
		decision.RetryAfter = time.Duration(math.Ceil(c.resetAt.Sub(now).Seconds())) * time.Second
		decisions.WithLabelValues(class, "denied").Inc()
		l.recordViolation(composite, policy, now)
		return decision
	}

	decisions.WithLabelValues(class, "allowed").Inc()
	return decision
}

// recordViolation tracks a denied request and escalates repeat offenders
// onto the temporary block list.
func (l *Limiter) recordViolation(composite string, policy Policy, now time.Time) {
	violations, escalated := l.blocks.recordViolation(composite, now)
	if !escalated {
		return
	}

	blockedKeys.Inc()
	logging.Warn().
		Str("component", "ratelimit").
		Str("key", composite).
		Int("violations", violations).
		Msg("Key escalated to block list")

	if l.recorder != nil {
		l.recorder.Record(&audit.Event{
			Action:  audit.ActionRateLimitBlock,
			Entity:  "rate_limit_key",
			Outcome: audit.OutcomeSuccess,
			Details: audit.Detail(audit.RateLimitDetail{
				Key:        composite,
				Violations: violations,
				WindowMs:   policy.Window.Milliseconds(),
			}),
		})
	}
}

// RecordFailure counts a failed attempt for a failures-only class, e.g.
// a rejected login. Exceeding the limit feeds the escalation tracker the
// same way a denied request does.
func (l *Limiter) RecordFailure(class, key string) {
	policy, ok := l.config.Policies[class]
	if !ok || !policy.FailuresOnly {
		return
	}

	now := l.now()
	composite := class + ":" + key
	c := l.counters.incr(composite, policy.Window, now)
	if c.count > policy.Max {
		l.recordViolation(composite, policy, now)
	}
}

// Reset clears the counter for a key in a class. Administrative override,
// e.g. after successful step-up authentication.
func (l *Limiter) Reset(class, key string) {
	composite := class + ":" + key
	l.counters.remove(composite)
	if l.blocks.unblock(composite) {
		blockedKeys.Dec()
		if l.recorder != nil {
			l.recorder.Record(&audit.Event{
				Action:   audit.ActionRateLimitUnblock,
				Entity:   "rate_limit_key",
				EntityID: composite,
				Outcome:  audit.OutcomeSuccess,
			})
		}
	}
}

// Sweep removes expired counters, stale violations, and lapsed blocks.
// Idempotent and safe to run concurrently with foreground checks.
func (l *Limiter) Sweep(_ context.Context) error {
	now := l.now()
	removed := l.counters.cleanupExpired(now)
	unblocked := l.blocks.cleanup(now)
	if unblocked > 0 {
		blockedKeys.Sub(float64(unblocked))
	}
	if removed > 0 || unblocked > 0 {
		logging.Debug().
			Str("component", "ratelimit").
			Int("counters_removed", removed).
			Int("keys_unblocked", unblocked).
			Msg("Rate limit sweep complete")
	}
	return nil
}

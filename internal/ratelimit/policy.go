// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package ratelimit provides fixed-window request limiting keyed by
// caller fingerprint. Fixed (not sliding) windows are intentional: O(1)
// per check, and the service layers several limiters (per-IP, per-user,
// per-endpoint-class) so a single window edge cannot be exploited for
// more than one limiter's worth of extra throughput.
package ratelimit

import "time"

// Endpoint classes with distinct policies.
const (
	ClassAuth   = "auth"
	ClassAPI    = "api"
	ClassMFA    = "mfa"
	ClassCrisis = "crisis"
)

// Policy is the (window, max) pair for one endpoint class.
type Policy struct {
	// Window is the fixed counting window.
	Window time.Duration `json:"window"`

	// Max is the number of requests admitted per window.
	Max int `json:"max"`

	// NeverBlock counts but never denies. Used for crisis/emergency
	// endpoints where availability beats throttling.
	NeverBlock bool `json:"never_block"`

	// FailuresOnly counts only failed attempts (auth endpoints count
	// failures so legitimate retries after success are free).
	FailuresOnly bool `json:"failures_only"`
}

// DefaultPolicies returns the production policy table.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		ClassAuth:   {Window: 15 * time.Minute, Max: 5, FailuresOnly: true},
		ClassMFA:    {Window: 15 * time.Minute, Max: 10},
		ClassAPI:    {Window: time.Minute, Max: 100},
		ClassCrisis: {Window: time.Minute, Max: 1000, NeverBlock: true},
	}
}

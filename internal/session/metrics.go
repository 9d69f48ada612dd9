// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// activeSessions tracks the current number of live sessions.
	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_active",
			Help: "Current number of active sessions",
		},
	)

	// validations counts validation attempts by outcome.
	validations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_validations_total",
			Help: "Total number of session validations, by outcome",
		},
		[]string{"outcome"},
	)

	// hijackSuspected counts fingerprint mismatches, each one a
	// possible stolen session identifier.
	hijackSuspected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "session_hijack_suspected_total",
			Help: "Total number of sessions destroyed on fingerprint mismatch",
		},
	)
)

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// decisions counts limit checks by class and outcome
	// (allowed, denied, blocked).
	decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total number of rate limit decisions",
		},
		[]string{"class", "outcome"},
	)

	// blockedKeys tracks the current size of the escalation block list.
	blockedKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ratelimit_blocked_keys",
			Help: "Current number of keys on the escalation block list",
		},
	)
)

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package mfa

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// verifications counts attempts by method and outcome
	// (success, failure, locked_out).
	verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfa_verifications_total",
			Help: "Total number of MFA verifications, by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	// lockouts counts lockout activations.
	lockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mfa_lockouts_total",
			Help: "Total number of MFA lockouts triggered",
		},
	)

	// codesSent counts channel code deliveries by method.
	codesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mfa_codes_sent_total",
			Help: "Total number of SMS/email verification codes sent",
		},
		[]string{"method"},
	)

	// backupCodesConsumed counts recovery codes spent. A spike is a
	// signal someone is burning through a stolen code sheet.
	backupCodesConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mfa_backup_codes_consumed_total",
			Help: "Total number of backup codes consumed",
		},
	)
)

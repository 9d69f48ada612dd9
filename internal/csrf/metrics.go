// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package csrf

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// validations counts token validations by outcome (valid, missing,
// malformed, signature_invalid, expired, user_mismatch) so security
// monitoring can alert on forgery attempts independently.
var validations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "csrf_validations_total",
		Help: "Total number of CSRF token validations, by outcome",
	},
	[]string{"outcome"},
)

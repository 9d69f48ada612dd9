// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// eventsRecorded counts audit events accepted into the write buffer.
	eventsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_events_recorded_total",
			Help: "Total number of audit events recorded, by outcome",
		},
		[]string{"outcome"},
	)

	// writeFailures counts events that could not be persisted (store
	// failure or full buffer). A nonzero rate means the trail is broken
	// and must page someone.
	writeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Total number of audit events dropped or failed to persist",
		},
	)
)

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package csrf

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/logging"
)

// IdentityFunc resolves the authenticated user for a request, or "" for
// anonymous requests. The session middleware upstream supplies this.
type IdentityFunc func(r *http.Request) string

// Middleware validates anti-forgery tokens on state-changing requests.
// Every outcome is counted and failures are written to the audit trail.
func Middleware(guard *Guard, identity IdentityFunc, recorder *audit.Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !guard.RequiresCheck(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			var currentUser string
			if identity != nil {
				currentUser = identity(r)
			}

			result := guard.Validate(r, currentUser)
			validations.WithLabelValues(string(result.Outcome)).Inc()

			if result.Valid() {
				next.ServeHTTP(w, r)
				return
			}

			if recorder != nil {
				recorder.RecordFailure(r.Context(), currentUser, audit.ActionCSRFValidate,
					"csrf_token", "", audit.SourceFromRequest(r),
					audit.GenericDetail{"outcome": string(result.Outcome)})
			}

			writeRejection(w, result.Outcome)
		})
	}
}

// writeRejection returns 403 with a generic message; the precise failure
// mode stays in metrics and the audit trail, not the response.
func writeRejection(w http.ResponseWriter, outcome Outcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)

	var msg string
	switch outcome {
	case OutcomeMissing:
		msg = "CSRF token missing"
	case OutcomeExpired:
		msg = "CSRF token expired"
	default:
		msg = "CSRF validation failed"
	}

	response := map[string]string{
		"error":             "csrf_failed",
		"error_description": msg,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.Error().Err(err).Msg("Error encoding CSRF rejection")
	}
}

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caresphere/phiguard/internal/csrf"
	"github.com/caresphere/phiguard/internal/middleware"
	"github.com/caresphere/phiguard/internal/ratelimit"
)

// NewRouter assembles the full middleware chain and routes.
//
// Order matters: request ID and recovery wrap everything; rate limiting
// runs before session validation so floods never reach the stores; CSRF
// runs after session validation so tokens can bind to the current user.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Metrics)

	// Unlimited-visibility endpoints: health and metrics bypass the
	// session and CSRF layers entirely.
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.WithSession)
		r.Use(csrf.Middleware(h.Guard, CurrentUserID, h.Recorder))

		// Token bootstrap: a fresh client fetches its anti-forgery token
		// here before the first POST.
		r.Get("/csrf", h.CSRFToken)

		// Login burns the strict auth budget; everything else uses the
		// general API class.
		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(h.Limiter, ratelimit.IPKeyFunc(ratelimit.ClassAuth)))
			r.Post("/auth/login", h.Login)
		})

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(h.Limiter, ratelimit.IPKeyFunc(ratelimit.ClassAPI)))
			r.Use(h.RequireSession)

			r.Post("/auth/logout", h.Logout)
			r.Post("/auth/logout-all", h.LogoutAll)
			r.Post("/auth/renew", h.Renew)
			r.Get("/auth/whoami", h.Whoami)

			r.Post("/mfa/totp/setup", h.MFASetup)
			r.Post("/mfa/totp/enable", h.MFAEnable)
			r.Post("/mfa/send-code", h.MFASendCode)
			r.Post("/mfa/backup-codes", h.MFARegenerateBackupCodes)
			r.Delete("/mfa", h.MFADisable)

			r.Group(func(r chi.Router) {
				r.Use(h.RequireAuditor)
				r.Get("/audit/events", h.AuditQuery)
			})
		})

		// MFA verification has its own tighter budget.
		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(h.Limiter, ratelimit.IPKeyFunc(ratelimit.ClassMFA)))
			r.Use(h.RequireSession)
			r.Post("/mfa/verify", h.MFAVerify)
		})
	})

	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

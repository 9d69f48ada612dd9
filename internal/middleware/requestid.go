// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package middleware provides the HTTP plumbing shared by all routes:
// request IDs, security headers, request metrics, and panic recovery.
package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/caresphere/phiguard/internal/audit"
)

// RequestID assigns each request a unique ID, honoring one supplied by
// an upstream proxy, and threads it through the context so audit events
// carry it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), audit.RequestIDKey, requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	return audit.RequestIDFromContext(ctx)
}

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/logging"
)

// KeyFunc derives the (class, key) pair for a request. The usual key is
// the client IP plus the request path.
type KeyFunc func(r *http.Request) (class, key string)

// IPKeyFunc returns a KeyFunc keying on client IP and path for a fixed
// endpoint class.
func IPKeyFunc(class string) KeyFunc {
	return func(r *http.Request) (string, string) {
		return class, ClientIP(r) + ":" + r.URL.Path
	}
}

// ClientIP extracts the client address, honoring the forwarding headers
// set by the routing glue. The ephemeral port never enters the key, so
// every connection from one address shares one counter.
func ClientIP(r *http.Request) string {
	return audit.ClientIP(r)
}

// Middleware enforces the limiter on every request, emitting the
// X-RateLimit-* headers and a Retry-After on throttled responses.
func Middleware(limiter *Limiter, keyFn KeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			class, key := keyFn(r)
			decision := limiter.Check(class, key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

			if !decision.Allowed {
				writeThrottledResponse(w, decision)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeThrottledResponse writes a 429 with retry guidance and no
// internal state.
func writeThrottledResponse(w http.ResponseWriter, decision Decision) {
	retryAfter := int(decision.RetryAfter.Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]any{
		"error":            "rate_limit_exceeded",
		"retry_after_secs": retryAfter,
		"message":          fmt.Sprintf("Too many requests. Try again in %ds", retryAfter),
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logging.Error().Err(err).Msg("Error encoding throttled response")
	}
}

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/caresphere/phiguard/internal/audit"
)

// RequireAuditor gates the audit trail behind the auditor and admin
// roles.
func (h *Handler) RequireAuditor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := SessionFromContext(r.Context())
		if s == nil || (s.Role != "auditor" && s.Role != "admin") {
			respondError(w, http.StatusForbidden, "FORBIDDEN", "Auditor role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuditQuery returns audit events matching the query parameters:
// actor_id, entity, action, outcome, start, end (RFC3339), limit,
// offset.
func (h *Handler) AuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := audit.QueryFilter{
		ActorID: q.Get("actor_id"),
		Entity:  q.Get("entity"),
		Action:  q.Get("action"),
		Outcome: audit.Outcome(q.Get("outcome")),
	}

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "start must be RFC3339", nil)
			return
		}
		filter.StartTime = &t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "end must be RFC3339", nil)
			return
		}
		filter.EndTime = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "limit must be 1-1000", nil)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "offset must be non-negative", nil)
			return
		}
		filter.Offset = n
	}

	events, total, err := h.Recorder.Query(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "AUDIT_ERROR", "Could not query audit trail", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  total,
	})
}

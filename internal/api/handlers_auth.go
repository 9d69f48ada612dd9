// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package api

import (
	"context"
	"net/http"

	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/csrf"
	"github.com/caresphere/phiguard/internal/mfa"
	"github.com/caresphere/phiguard/internal/ratelimit"
	"github.com/caresphere/phiguard/internal/session"
)

// SessionCookieName is the session cookie set at login.
const SessionCookieName = "__phi_session"

type sessionContextKey struct{}

// Handler bundles the substrate components the HTTP surface exposes.
type Handler struct {
	Sessions     *session.Manager
	Guard        *csrf.Guard
	MFA          *mfa.Engine
	Recorder     *audit.Recorder
	Limiter      *ratelimit.Limiter
	CookieSecure bool
}

// loginRequest carries the post-authentication identity. Credential
// verification happens upstream in the identity provider; this surface
// owns everything that comes after.
type loginRequest struct {
	UserID      string `json:"user_id" validate:"required,min=1,max=128"`
	Role        string `json:"role" validate:"required,oneof=patient clinician admin auditor"`
	TrustDevice bool   `json:"trust_device"`
}

// loginResponse returns the session and its anti-forgery token.
type loginResponse struct {
	SessionID   string `json:"session_id"`
	CSRFToken   string `json:"csrf_token"`
	MFARequired bool   `json:"mfa_required"`
}

// Login creates a device-bound session and issues a CSRF token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		h.Limiter.RecordFailure(ratelimit.ClassAuth, ratelimit.ClientIP(r))
		return
	}

	src := audit.SourceFromRequest(r)
	s, err := h.Sessions.Create(r.Context(), req.UserID, req.Role,
		session.InputsFromRequest(r), req.TrustDevice, src)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SESSION_ERROR", "Could not create session", err)
		return
	}

	token, err := h.Guard.Issue(s.UserID, s.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TOKEN_ERROR", "Could not issue token", err)
		return
	}

	h.setSessionCookie(w, s.ID)
	h.Guard.SetCookie(w, token)

	respondJSON(w, http.StatusCreated, loginResponse{
		SessionID:   s.ID,
		CSRFToken:   token,
		MFARequired: h.MFA.Enrolled(r.Context(), s.UserID),
	})
}

// CSRFToken issues an anti-forgery token bound to the current identity,
// or an anonymous one pre-login. Clients fetch this before their first
// state-changing request.
func (h *Handler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	var userID, sessionID string
	if s := SessionFromContext(r.Context()); s != nil {
		userID, sessionID = s.UserID, s.ID
	}

	token, err := h.Guard.Issue(userID, sessionID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TOKEN_ERROR", "Could not issue token", err)
		return
	}

	h.Guard.SetCookie(w, token)
	respondJSON(w, http.StatusOK, map[string]string{"csrf_token": token})
}

// Logout destroys the current session.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	if s != nil {
		if err := h.Sessions.Destroy(r.Context(), s.ID, audit.SourceFromRequest(r)); err != nil {
			respondError(w, http.StatusInternalServerError, "SESSION_ERROR", "Could not destroy session", err)
			return
		}
	}
	h.clearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// LogoutAll destroys every session for the current user, for password
// resets and lost devices.
func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	count, err := h.Sessions.DestroyAllForUser(r.Context(), s.UserID, audit.SourceFromRequest(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SESSION_ERROR", "Could not destroy sessions", err)
		return
	}
	h.clearSessionCookie(w)
	respondJSON(w, http.StatusOK, map[string]int{"destroyed": count})
}

// Renew rotates the session identifier and reissues the CSRF token.
// Called after privilege transitions such as MFA completion.
func (h *Handler) Renew(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	renewed, err := h.Sessions.Renew(r.Context(), s.ID, audit.SourceFromRequest(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "SESSION_ERROR", "Could not renew session", err)
		return
	}

	token, err := h.Guard.Issue(renewed.UserID, renewed.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "TOKEN_ERROR", "Could not issue token", err)
		return
	}

	h.setSessionCookie(w, renewed.ID)
	h.Guard.SetCookie(w, token)

	respondJSON(w, http.StatusOK, loginResponse{
		SessionID: renewed.ID,
		CSRFToken: token,
	})
}

// Whoami returns the current session's identity.
func (h *Handler) Whoami(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":          s.UserID,
		"role":             s.Role,
		"created_at":       s.CreatedAt,
		"last_activity_at": s.LastActivityAt,
		"trust_device":     s.TrustDevice,
	})
}

// WithSession validates the session cookie and attaches the session to
// the request context. Requests without a valid session pass through
// anonymously; RequireSession gates the protected routes.
func (h *Handler) WithSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)
			return
		}

		s, outcome := h.Sessions.Validate(r.Context(), cookie.Value,
			session.InputsFromRequest(r), audit.SourceFromRequest(r))
		if outcome != session.OutcomeValid {
			h.clearSessionCookie(w)
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), sessionContextKey{}, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireSession rejects requests without an authenticated session.
func (h *Handler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SessionFromContext(r.Context()) == nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Valid session required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SessionFromContext returns the validated session, or nil.
func SessionFromContext(ctx context.Context) *session.Session {
	if s, ok := ctx.Value(sessionContextKey{}).(*session.Session); ok {
		return s
	}
	return nil
}

// CurrentUserID resolves the authenticated user for CSRF binding.
func CurrentUserID(r *http.Request) string {
	if s := SessionFromContext(r.Context()); s != nil {
		return s.UserID
	}
	return ""
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		Secure:   h.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   h.CookieSecure,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/mfa"
	"github.com/caresphere/phiguard/internal/ratelimit"
)

// lockoutDetails is the client-safe body for a lockout rejection.
func lockoutDetails(result mfa.VerifyResult) map[string]interface{} {
	return map[string]interface{}{
		"locked_until":        result.LockedUntil,
		"retry_after_seconds": retryAfterSeconds(result.LockedUntil),
	}
}

// retryAfterSeconds converts a lockout deadline into a wait hint,
// never shorter than one second.
func retryAfterSeconds(until time.Time) int {
	secs := int(time.Until(until).Seconds())
	if secs < 1 {
		secs = 1
	}
	return secs
}

type mfaSetupRequest struct {
	AccountName string `json:"account_name" validate:"required,min=1,max=256"`
}

type mfaCodeRequest struct {
	Code string `json:"code" validate:"required,min=6,max=16"`
}

type mfaVerifyRequest struct {
	Method string `json:"method" validate:"required,oneof=totp sms email backup"`
	Code   string `json:"code" validate:"required,min=6,max=16"`
}

type mfaSendCodeRequest struct {
	Method string `json:"method" validate:"required,oneof=sms email"`
}

// MFASetup starts TOTP enrollment and returns the provisioning secret.
func (h *Handler) MFASetup(w http.ResponseWriter, r *http.Request) {
	var req mfaSetupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s := SessionFromContext(r.Context())
	result, err := h.MFA.SetupTOTP(r.Context(), s.UserID, req.AccountName, audit.SourceFromRequest(r))
	if err != nil {
		if errors.Is(err, mfa.ErrAlreadyEnabled) {
			respondError(w, http.StatusConflict, "MFA_ALREADY_ENABLED", "MFA is already enabled", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "MFA_ERROR", "Could not start MFA setup", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// MFAEnable confirms the pending setup and returns the backup codes.
// This is the only time the plaintext codes are visible.
func (h *Handler) MFAEnable(w http.ResponseWriter, r *http.Request) {
	var req mfaCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s := SessionFromContext(r.Context())
	codes, err := h.MFA.Enable(r.Context(), s.UserID, req.Code, audit.SourceFromRequest(r))
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrNoPendingSetup):
			respondError(w, http.StatusConflict, "MFA_NO_SETUP", "No pending MFA setup", nil)
		case errors.Is(err, mfa.ErrInvalidCode):
			respondError(w, http.StatusUnauthorized, "MFA_INVALID_CODE", "Verification failed", nil)
		default:
			respondError(w, http.StatusInternalServerError, "MFA_ERROR", "Could not enable MFA", err)
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"backup_codes": codes})
}

// MFAVerify checks a second-factor code. A success rotates the session
// identifier, marking the privilege transition.
func (h *Handler) MFAVerify(w http.ResponseWriter, r *http.Request) {
	var req mfaVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s := SessionFromContext(r.Context())
	src := audit.SourceFromRequest(r)
	result, err := h.MFA.Verify(r.Context(), s.UserID, mfa.Method(req.Method), req.Code, src)
	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrLockedOut):
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(result.LockedUntil)))
			respondErrorDetails(w, http.StatusTooManyRequests, "MFA_LOCKED_OUT", "Too many failed attempts",
				lockoutDetails(result))
		case errors.Is(err, mfa.ErrNotEnabled):
			respondError(w, http.StatusConflict, "MFA_NOT_ENABLED", "MFA is not enabled", nil)
		case errors.Is(err, mfa.ErrInvalidCode):
			h.Limiter.RecordFailure(ratelimit.ClassMFA, ratelimit.ClientIP(r))
			details := map[string]interface{}{"remaining_attempts": result.RemainingAttempts}
			if !result.LockedUntil.IsZero() {
				details["locked_until"] = result.LockedUntil
			}
			respondErrorDetails(w, http.StatusUnauthorized, "MFA_INVALID_CODE", "Verification failed", details)
		default:
			respondError(w, http.StatusInternalServerError, "MFA_ERROR", "Could not verify code", err)
		}
		return
	}

	renewed, err := h.Sessions.Renew(r.Context(), s.ID, src)
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

// MFASendCode delivers a fresh channel code over SMS or email.
func (h *Handler) MFASendCode(w http.ResponseWriter, r *http.Request) {
	var req mfaSendCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s := SessionFromContext(r.Context())
	err := h.MFA.SendCode(r.Context(), s.UserID, mfa.Method(req.Method), audit.SourceFromRequest(r))
	if err != nil {
		if errors.Is(err, mfa.ErrLockedOut) {
			respondError(w, http.StatusTooManyRequests, "MFA_LOCKED_OUT", "Too many failed attempts", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "MFA_ERROR", "Could not send code", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "code sent"})
}

// MFARegenerateBackupCodes replaces the backup code set.
func (h *Handler) MFARegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	codes, err := h.MFA.RegenerateBackupCodes(r.Context(), s.UserID, audit.SourceFromRequest(r))
	if err != nil {
		if errors.Is(err, mfa.ErrNotEnabled) {
			respondError(w, http.StatusConflict, "MFA_NOT_ENABLED", "MFA is not enabled", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "MFA_ERROR", "Could not regenerate codes", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"backup_codes": codes})
}

// MFADisable removes the user's enrollment.
func (h *Handler) MFADisable(w http.ResponseWriter, r *http.Request) {
	s := SessionFromContext(r.Context())
	if err := h.MFA.Disable(r.Context(), s.UserID, audit.SourceFromRequest(r)); err != nil {
		respondError(w, http.StatusInternalServerError, "MFA_ERROR", "Could not disable MFA", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "mfa disabled"})
}

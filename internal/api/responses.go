// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package api exposes the security substrate over HTTP: session
// lifecycle, MFA enrollment and verification, and audit queries.
package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/caresphere/phiguard/internal/logging"
	"github.com/caresphere/phiguard/internal/validation"
)

// APIResponse is the envelope for every JSON response.
type APIResponse struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Error    *APIError   `json:"error,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// APIError carries a machine-readable code plus a safe message.
// Details, when present, holds client-safe structured context such as
// remaining attempt counts.
type APIError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Metadata is attached to every response.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
}

// respondJSON sends a JSON response. Responses can carry PHI, so the
// cache headers are always no-store.
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	response := APIResponse{
		Status:   "ok",
		Data:     data,
		Metadata: Metadata{Timestamp: time.Now()},
	}

	body, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Error marshaling JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logging.Error().Err(err).Msg("Error writing JSON response")
	}
}

// respondError sends an error response. The message must already be
// safe for clients; internal detail belongs in the log.
func respondError(w http.ResponseWriter, status int, code, message string, err error) {
	if err != nil {
		logging.Error().Err(err).Str("code", code).Msg("API error")
	}
	writeError(w, status, &APIError{Code: code, Message: message})
}

// respondErrorDetails is respondError with structured, client-safe
// detail attached to the error body.
func respondErrorDetails(w http.ResponseWriter, status int, code, message string, details interface{}) {
	writeError(w, status, &APIError{Code: code, Message: message, Details: details})
}

func writeError(w http.ResponseWriter, status int, apiErr *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")

	response := APIResponse{
		Status:   "error",
		Error:    apiErr,
		Metadata: Metadata{Timestamp: time.Now()},
	}

	body, err := json.Marshal(response)
	if err != nil {
		logging.Error().Err(err).Msg("Error marshaling error response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		logging.Error().Err(err).Msg("Error writing error response")
	}
}

// decodeJSON parses and validates a request body. Returns false after
// writing the error response if either step fails.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_BODY", "Request body must be valid JSON", nil)
		return false
	}
	if verr := validation.ValidateStruct(v); verr != nil {
		apiErr := verr.ToAPIError()
		respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
		return false
	}
	return true
}

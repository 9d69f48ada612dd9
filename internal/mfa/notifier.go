// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package mfa

import (
	"context"

	"github.com/caresphere/phiguard/internal/logging"
)

// Notifier delivers codes and security alerts out of band. The
// implementation owns recipient resolution and the actual SMS/email
// provider; the engine never sees addresses or phone numbers.
type Notifier interface {
	// DeliverCode sends a verification code to the user over the
	// given channel (MethodSMS or MethodEmail).
	DeliverCode(ctx context.Context, method Method, userID, code string) error

	// Alert sends a security notification, such as an MFA lockout.
	Alert(ctx context.Context, userID, message string) error
}

// LogNotifier writes deliveries to the log instead of a provider.
// Development only: codes in logs are a disclosure in production.
type LogNotifier struct{}

// DeliverCode logs the code.
func (LogNotifier) DeliverCode(_ context.Context, method Method, userID, code string) error {
	logging.Info().
		Str("method", string(method)).
		Str("user_id", userID).
		Str("code", code).
		Msg("MFA code delivery (log notifier)")
	return nil
}

// Alert logs the alert.
func (LogNotifier) Alert(_ context.Context, userID, message string) error {
	logging.Warn().
		Str("user_id", userID).
		Str("message", message).
		Msg("Security alert (log notifier)")
	return nil
}

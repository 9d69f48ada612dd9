// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package mfa implements second-factor verification: authenticator app
// codes, single-use backup codes, and SMS/email channel codes, with
// per-user attempt lockout.
package mfa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/crypto"
	"github.com/caresphere/phiguard/internal/logging"
)

// Method identifies a verification channel.
type Method string

const (
	MethodTOTP   Method = "totp"
	MethodSMS    Method = "sms"
	MethodEmail  Method = "email"
	MethodBackup Method = "backup"
)

// MFA errors
var (
	// ErrInvalidCode is returned for any failed verification. Callers
	// must not distinguish failure modes to the client.
	ErrInvalidCode = errors.New("invalid verification code")

	// ErrLockedOut is returned while a user is in the lockout cooldown.
	ErrLockedOut = errors.New("too many failed attempts")

	// ErrNotEnabled is returned when verifying a method the user has
	// not enabled.
	ErrNotEnabled = errors.New("mfa method not enabled")

	// ErrAlreadyEnabled is returned when setting up TOTP over an
	// active enrollment. Disable first.
	ErrAlreadyEnabled = errors.New("mfa already enabled")

	// ErrNoPendingSetup is returned when enabling without a prior setup.
	ErrNoPendingSetup = errors.New("no pending mfa setup")

	// ErrUnknownMethod is returned for an unrecognized method.
	ErrUnknownMethod = errors.New("unknown mfa method")
)

// Config holds MFA engine configuration.
type Config struct {
	// Issuer is the name shown in authenticator apps.
	Issuer string `json:"issuer"`

	// Skew is how many 30s steps either side of now a TOTP code is
	// accepted for, absorbing client clock drift.
	Skew int `json:"skew"`

	// BackupCodeCount is how many recovery codes are issued.
	BackupCodeCount int `json:"backup_code_count"`

	// ChannelCodeTTL is how long an SMS/email code stays valid.
	ChannelCodeTTL time.Duration `json:"channel_code_ttl"`

	// MaxAttempts failed verifications trigger a lockout.
	MaxAttempts int `json:"max_attempts"`

	// LockoutDuration is the cooldown after MaxAttempts failures.
	LockoutDuration time.Duration `json:"lockout_duration"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		Issuer:          "PHIGuard",
		Skew:            1,
		BackupCodeCount: 10,
		ChannelCodeTTL:  5 * time.Minute,
		MaxAttempts:     5,
		LockoutDuration: 15 * time.Minute,
	}
}

// SetupResult is returned from SetupTOTP. The plaintext secret exists
// only here; it is never retrievable again.
type SetupResult struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

// VerifyResult reports the attempt budget alongside every verification
// outcome, so callers can tell the user how many tries remain and when
// a lockout lifts. LockedUntil is zero unless a lockout is active.
type VerifyResult struct {
	RemainingAttempts int       `json:"remaining_attempts"`
	LockedUntil       time.Time `json:"locked_until,omitempty"`
}

// channelCode is a pending SMS/email code, stored hashed.
type channelCode struct {
	hash      string
	expiresAt time.Time
}

// lockState tracks failed attempts inside the rolling lockout.
type lockState struct {
	failures    int
	lockedUntil time.Time
}

// Engine coordinates enrollment and verification across all methods.
type Engine struct {
	config    *Config
	store     Store
	encryptor *crypto.Encryptor
	recorder  *audit.Recorder
	notifier  Notifier
	now       func() time.Time

	mu       sync.Mutex
	codes    map[string]channelCode // method:userID -> pending code
	locks    map[string]*lockState  // userID -> attempt state
	verifyMu map[string]*sync.Mutex // userID -> verification serializer
}

// NewEngine creates an MFA engine. The encryptor protects TOTP secrets
// at rest; the notifier delivers channel codes and lockout alerts.
func NewEngine(store Store, encryptor *crypto.Encryptor, notifier Notifier, recorder *audit.Recorder, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Issuer == "" {
		config.Issuer = "PHIGuard"
	}
	if config.Skew < 0 {
		config.Skew = 1
	}
	if config.BackupCodeCount <= 0 {
		config.BackupCodeCount = 10
	}
	if config.ChannelCodeTTL <= 0 {
		config.ChannelCodeTTL = 5 * time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.LockoutDuration <= 0 {
		config.LockoutDuration = 15 * time.Minute
	}
	if notifier == nil {
		notifier = LogNotifier{}
	}

	return &Engine{
		config:    config,
		store:     store,
		encryptor: encryptor,
		recorder:  recorder,
		notifier:  notifier,
		now:       time.Now,
		codes:     make(map[string]channelCode),
		locks:     make(map[string]*lockState),
		verifyMu:  make(map[string]*sync.Mutex),
	}
}

// SetupTOTP starts TOTP enrollment: generates a secret, stores it
// encrypted as pending, and returns the one-time provisioning material.
// The method is not active until Enable confirms possession.
func (e *Engine) SetupTOTP(ctx context.Context, userID, accountName string, src audit.Source) (*SetupResult, error) {
	enrollment, err := e.store.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrNotEnrolled) {
			return nil, err
		}
		enrollment = &Enrollment{UserID: userID, CreatedAt: e.now()}
	}
	if enrollment.TOTPEnabled {
		return nil, ErrAlreadyEnabled
	}

	secret, err := GenerateTOTPSecret()
	if err != nil {
		return nil, fmt.Errorf("generating totp secret: %w", err)
	}
	sealed, err := e.encryptor.EncryptString(secret)
	if err != nil {
		return nil, fmt.Errorf("encrypting totp secret: %w", err)
	}

	enrollment.PendingSecret = sealed
	enrollment.UpdatedAt = e.now()
	if err := e.store.Save(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("saving enrollment: %w", err)
	}

	if e.recorder != nil {
		e.recorder.RecordSuccess(ctx, userID, audit.ActionMFASetup,
			"mfa_factor", string(MethodTOTP), src, nil)
	}
	return &SetupResult{
		Secret:          secret,
		ProvisioningURI: ProvisioningURI(e.config.Issuer, accountName, secret),
	}, nil
}

// Enable confirms a pending TOTP setup with a live code, activates the
// method, and issues backup codes. The plaintext codes are returned
// exactly once.
func (e *Engine) Enable(ctx context.Context, userID, code string, src audit.Source) ([]string, error) {
	enrollment, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, ErrNoPendingSetup
	}
	if enrollment.PendingSecret == "" {
		return nil, ErrNoPendingSetup
	}

	secret, err := e.encryptor.DecryptString(enrollment.PendingSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypting pending secret: %w", err)
	}
	if !VerifyTOTP(secret, code, e.now(), e.config.Skew) {
		if e.recorder != nil {
			e.recorder.RecordFailure(ctx, userID, audit.ActionMFAEnable,
				"mfa_factor", string(MethodTOTP), src, nil)
		}
		return nil, ErrInvalidCode
	}

	plaintext, hashes, err := e.generateBackupCodes()
	if err != nil {
		return nil, err
	}

	enrollment.TOTPSecret = enrollment.PendingSecret
	enrollment.PendingSecret = ""
	enrollment.TOTPEnabled = true
	enrollment.BackupCodeHashes = hashes
	enrollment.UpdatedAt = e.now()
	if err := e.store.Save(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("saving enrollment: %w", err)
	}

	if e.recorder != nil {
		e.recorder.RecordSuccess(ctx, userID, audit.ActionMFAEnable,
			"mfa_factor", string(MethodTOTP), src, nil)
	}
	return plaintext, nil
}

// Disable tears down a user's enrollment entirely.
func (e *Engine) Disable(ctx context.Context, userID string, src audit.Source) error {
	if err := e.store.Delete(ctx, userID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.codes, string(MethodSMS)+":"+userID)
	delete(e.codes, string(MethodEmail)+":"+userID)
	delete(e.locks, userID)
	delete(e.verifyMu, userID)
	e.mu.Unlock()

	if e.recorder != nil {
		e.recorder.RecordSuccess(ctx, userID, audit.ActionMFADisable,
			"mfa_factor", "", src, nil)
	}
	return nil
}

// SendCode generates a short-lived numeric code, stores only its hash,
// and hands the plaintext to the notifier. A new code replaces any
// pending one for the same channel.
func (e *Engine) SendCode(ctx context.Context, userID string, method Method, src audit.Source) error {
	if method != MethodSMS && method != MethodEmail {
		return ErrUnknownMethod
	}
	if locked, _ := e.lockedOut(userID); locked {
		return ErrLockedOut
	}

	code, err := crypto.RandomDigits(6)
	if err != nil {
		return fmt.Errorf("generating code: %w", err)
	}
	hash, err := crypto.HashPassword(code)
	if err != nil {
		return fmt.Errorf("hashing code: %w", err)
	}

	e.mu.Lock()
	e.codes[string(method)+":"+userID] = channelCode{
		hash:      hash,
		expiresAt: e.now().Add(e.config.ChannelCodeTTL),
	}
	e.mu.Unlock()

	if err := e.notifier.DeliverCode(ctx, method, userID, code); err != nil {
		return fmt.Errorf("delivering code: %w", err)
	}
	codesSent.WithLabelValues(string(method)).Inc()
	return nil
}

// Verify checks a code for the given method. Failures count toward the
// lockout regardless of method; a success clears the counter. The
// result always carries the remaining attempt budget and, once a
// lockout is active, its deadline.
func (e *Engine) Verify(ctx context.Context, userID string, method Method, code string, src audit.Source) (VerifyResult, error) {
	if locked, until := e.lockedOut(userID); locked {
		logging.Warn().
			Str("user_id", userID).
			Time("locked_until", until).
			Msg("MFA verification attempted during lockout")
		verifications.WithLabelValues(string(method), "locked_out").Inc()
		return VerifyResult{LockedUntil: until}, ErrLockedOut
	}

	switch method {
	case MethodTOTP, MethodSMS, MethodEmail, MethodBackup:
	default:
		return VerifyResult{RemainingAttempts: e.remainingAttempts(userID)}, ErrUnknownMethod
	}

	// Single-use codes are checked and consumed under the per-user
	// serializer, so the same code presented twice concurrently can
	// only succeed once.
	lock := e.userVerifyLock(userID)
	lock.Lock()
	var err error
	switch method {
	case MethodTOTP:
		err = e.verifyTOTP(ctx, userID, code)
	case MethodSMS, MethodEmail:
		err = e.verifyChannelCode(userID, method, code)
	case MethodBackup:
		err = e.verifyBackupCode(ctx, userID, code)
	}
	lock.Unlock()

	if err != nil {
		result := VerifyResult{RemainingAttempts: e.remainingAttempts(userID)}
		if errors.Is(err, ErrInvalidCode) {
			result.RemainingAttempts, result.LockedUntil = e.recordFailure(ctx, userID, method, src)
		}
		verifications.WithLabelValues(string(method), "failure").Inc()
		if e.recorder != nil {
			e.recorder.RecordFailure(ctx, userID, audit.ActionMFAVerify,
				"mfa_factor", string(method), src, nil)
		}
		return result, err
	}

	e.mu.Lock()
	delete(e.locks, userID)
	e.mu.Unlock()

	verifications.WithLabelValues(string(method), "success").Inc()
	if e.recorder != nil {
		e.recorder.RecordSuccess(ctx, userID, audit.ActionMFAVerify,
			"mfa_factor", string(method), src, nil)
	}
	return VerifyResult{RemainingAttempts: e.config.MaxAttempts}, nil
}

// userVerifyLock returns the mutex serializing verification for one
// user. Engine state stays under e.mu; this lock only spans the
// check-and-consume of single-use codes.
func (e *Engine) userVerifyLock(userID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.verifyMu[userID]
	if !ok {
		l = &sync.Mutex{}
		e.verifyMu[userID] = l
	}
	return l
}

func (e *Engine) verifyTOTP(ctx context.Context, userID, code string) error {
	enrollment, err := e.store.Get(ctx, userID)
	if err != nil {
		return ErrNotEnabled
	}
	if !enrollment.TOTPEnabled {
		return ErrNotEnabled
	}
	secret, err := e.encryptor.DecryptString(enrollment.TOTPSecret)
	if err != nil {
		return fmt.Errorf("decrypting totp secret: %w", err)
	}
	if !VerifyTOTP(secret, code, e.now(), e.config.Skew) {
		return ErrInvalidCode
	}
	return nil
}

// verifyChannelCode consumes a pending SMS/email code. The code is
// single-use: it is removed on success, and an expired entry is removed
// on sight. Callers hold the per-user verify lock, so the compare and
// the removal form one consume.
func (e *Engine) verifyChannelCode(userID string, method Method, code string) error {
	key := string(method) + ":" + userID

	e.mu.Lock()
	pending, ok := e.codes[key]
	if ok && e.now().After(pending.expiresAt) {
		delete(e.codes, key)
		ok = false
	}
	e.mu.Unlock()

	if !ok {
		return ErrInvalidCode
	}
	if !crypto.VerifyPassword(code, pending.hash) {
		return ErrInvalidCode
	}

	e.mu.Lock()
	// A resend may have replaced the entry mid-compare; only the code
	// that actually matched is consumed.
	if current, ok := e.codes[key]; ok && current.hash == pending.hash {
		delete(e.codes, key)
	}
	e.mu.Unlock()
	return nil
}

// verifyBackupCode consumes a matching backup code. Each code works
// exactly once; the hash is deleted the moment it matches. Callers hold
// the per-user verify lock, making the read-scan-save one consume.
func (e *Engine) verifyBackupCode(ctx context.Context, userID, code string) error {
	enrollment, err := e.store.Get(ctx, userID)
	if err != nil {
		return ErrNotEnabled
	}
	if !enrollment.TOTPEnabled {
		return ErrNotEnabled
	}

	for i, hash := range enrollment.BackupCodeHashes {
		if crypto.VerifyPassword(normalizeBackupCode(code), hash) {
			enrollment.BackupCodeHashes = append(
				enrollment.BackupCodeHashes[:i],
				enrollment.BackupCodeHashes[i+1:]...)
			enrollment.UpdatedAt = e.now()
			if err := e.store.Save(ctx, enrollment); err != nil {
				return fmt.Errorf("consuming backup code: %w", err)
			}
			backupCodesConsumed.Inc()
			return nil
		}
	}
	return ErrInvalidCode
}

// RegenerateBackupCodes replaces all backup codes, invalidating any
// unused ones. Requires an active enrollment.
func (e *Engine) RegenerateBackupCodes(ctx context.Context, userID string, src audit.Source) ([]string, error) {
	enrollment, err := e.store.Get(ctx, userID)
	if err != nil {
		return nil, ErrNotEnabled
	}
	if !enrollment.TOTPEnabled {
		return nil, ErrNotEnabled
	}

	plaintext, hashes, err := e.generateBackupCodes()
	if err != nil {
		return nil, err
	}
	enrollment.BackupCodeHashes = hashes
	enrollment.UpdatedAt = e.now()
	if err := e.store.Save(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("saving enrollment: %w", err)
	}

	if e.recorder != nil {
		e.recorder.RecordSuccess(ctx, userID, audit.ActionMFARegenerate,
			"mfa_factor", string(MethodBackup), src, nil)
	}
	return plaintext, nil
}

// generateBackupCodes builds the XXXX-XXXX recovery codes and their
// bcrypt hashes.
func (e *Engine) generateBackupCodes() ([]string, []string, error) {
	plaintext := make([]string, 0, e.config.BackupCodeCount)
	hashes := make([]string, 0, e.config.BackupCodeCount)

	for i := 0; i < e.config.BackupCodeCount; i++ {
		raw, err := crypto.RandomAlnum(8)
		if err != nil {
			return nil, nil, fmt.Errorf("generating backup code: %w", err)
		}
		code := raw[:4] + "-" + raw[4:]
		hash, err := crypto.HashPassword(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("hashing backup code: %w", err)
		}
		plaintext = append(plaintext, code)
		hashes = append(hashes, hash)
	}
	return plaintext, hashes, nil
}

// normalizeBackupCode strips the display hyphen so users can enter
// codes with or without it.
func normalizeBackupCode(code string) string {
	out := make([]byte, 0, len(code))
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '-' || c == ' ' {
			continue
		}
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// lockedOut reports whether the user is inside a lockout cooldown.
func (e *Engine) lockedOut(userID string) (bool, time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.locks[userID]
	if !ok {
		return false, time.Time{}
	}
	if state.lockedUntil.IsZero() || e.now().After(state.lockedUntil) {
		return false, time.Time{}
	}
	return true, state.lockedUntil
}

// recordFailure counts a failed attempt and triggers the lockout at the
// threshold, alerting the account owner. It returns the remaining
// attempt budget (zero at lockout) and the lockout deadline so the
// failing attempt can report both.
func (e *Engine) recordFailure(ctx context.Context, userID string, method Method, src audit.Source) (int, time.Time) {
	e.mu.Lock()
	state, ok := e.locks[userID]
	if !ok {
		state = &lockState{}
		e.locks[userID] = state
	}
	state.failures++
	remaining := e.config.MaxAttempts - state.failures
	triggered := remaining <= 0
	var lockedUntil time.Time
	if triggered {
		remaining = 0
		lockedUntil = e.now().Add(e.config.LockoutDuration)
		state.lockedUntil = lockedUntil
		state.failures = 0
	}
	failures := state.failures
	e.mu.Unlock()

	if !triggered {
		logging.Debug().
			Str("user_id", userID).
			Str("method", string(method)).
			Int("failures", failures).
			Msg("MFA verification failed")
		return remaining, lockedUntil
	}

	lockouts.Inc()
	logging.Warn().
		Str("user_id", userID).
		Dur("cooldown", e.config.LockoutDuration).
		Msg("MFA lockout triggered")

	if e.recorder != nil {
		e.recorder.RecordFailure(ctx, userID, audit.ActionMFALockout,
			"mfa_factor", string(method), src,
			audit.LockoutDetail{
				FailedAttempts:  e.config.MaxAttempts,
				CooldownSeconds: e.config.LockoutDuration.Seconds(),
			})
	}
	if err := e.notifier.Alert(ctx, userID,
		"Multiple failed verification attempts locked your account temporarily."); err != nil {
		logging.Error().Err(err).Str("user_id", userID).
			Msg("Error sending lockout alert")
	}
	return remaining, lockedUntil
}

// remainingAttempts reports how many failures the user has left before
// the lockout trips.
func (e *Engine) remainingAttempts(userID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.locks[userID]
	if !ok {
		return e.config.MaxAttempts
	}
	return e.config.MaxAttempts - state.failures
}

// Enrolled reports whether the user has an active second factor.
func (e *Engine) Enrolled(ctx context.Context, userID string) bool {
	enrollment, err := e.store.Get(ctx, userID)
	return err == nil && enrollment.TOTPEnabled
}

// Sweep drops expired channel codes and elapsed lockouts. Run
// periodically by the supervisor.
func (e *Engine) Sweep(_ context.Context) error {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, pending := range e.codes {
		if now.After(pending.expiresAt) {
			delete(e.codes, key)
		}
	}
	for userID, state := range e.locks {
		if !state.lockedUntil.IsZero() && now.After(state.lockedUntil) {
			delete(e.locks, userID)
		}
	}
	return nil
}

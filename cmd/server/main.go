// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package main is the entry point for the PHIGuard server.
//
// PHIGuard is the security substrate for CareSphere's patient-facing
// services: field encryption for PHI at rest, device-bound sessions,
// anti-forgery tokens, adaptive rate limiting, multi-factor
// authentication, and a tamper-evident audit trail.
//
// # Startup order
//
//  1. Configuration: Koanf v2 layered load (env > file > defaults)
//  2. Logging: zerolog global logger
//  3. Badger: shared store for sessions, MFA enrollments, audit events
//  4. Crypto: field encryptor and HMAC signer (ephemeral keys in dev)
//  5. Components: audit recorder, session manager, limiter, CSRF guard,
//     MFA engine
//  6. Supervision: suture tree running the sweepers and HTTP server
//
// # Signal handling
//
// SIGINT/SIGTERM cancel the root context; the supervisor drains the
// HTTP server and sweepers, then the audit recorder flushes its buffer
// before the process exits.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/caresphere/phiguard/internal/api"
	"github.com/caresphere/phiguard/internal/audit"
	"github.com/caresphere/phiguard/internal/config"
	"github.com/caresphere/phiguard/internal/crypto"
	"github.com/caresphere/phiguard/internal/csrf"
	"github.com/caresphere/phiguard/internal/logging"
	"github.com/caresphere/phiguard/internal/mfa"
	"github.com/caresphere/phiguard/internal/ratelimit"
	"github.com/caresphere/phiguard/internal/session"
	"github.com/caresphere/phiguard/internal/supervisor"
	"github.com/caresphere/phiguard/internal/supervisor/services"
)

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Server failed")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stderr,
	})
	logging.Info().
		Str("environment", cfg.Environment).
		Msg("Starting PHIGuard")

	db, err := openBadger(cfg)
	if err != nil {
		return fmt.Errorf("opening badger: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing badger")
		}
	}()

	// Key material. Development runs may generate ephemeral keys; the
	// config validator already refused to start production without real
	// ones.
	masterKey := cfg.Crypto.MasterKey
	if masterKey == "" {
		masterKey, err = crypto.GenerateMasterKey()
		if err != nil {
			return fmt.Errorf("generating master key: %w", err)
		}
		logging.Warn().Msg("MASTER_KEY not set, using ephemeral key; encrypted data will not survive restart")
	}
	hmacSecret := cfg.Crypto.HMACSecret
	if hmacSecret == "" {
		hmacSecret, err = crypto.RandomToken(32)
		if err != nil {
			return fmt.Errorf("generating hmac secret: %w", err)
		}
		logging.Warn().Msg("HMAC_SECRET not set, using ephemeral secret; issued tokens will not survive restart")
	}

	encryptor, err := crypto.NewEncryptor(&crypto.EncryptorConfig{
		MasterKey:  masterKey,
		Iterations: cfg.Crypto.Iterations,
	})
	if err != nil {
		return fmt.Errorf("creating encryptor: %w", err)
	}
	signer, err := crypto.NewSigner(hmacSecret)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}

	// Audit trail first: every other component records through it.
	recorder := audit.NewRecorder(audit.NewBadgerStore(db), &audit.Config{
		Enabled:       cfg.Audit.Enabled,
		RetentionDays: cfg.Audit.RetentionDays,
		BufferSize:    cfg.Audit.BufferSize,
	})
	defer func() {
		if err := recorder.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing audit recorder")
		}
	}()

	sessionStore, err := session.NewBadgerStore(db)
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}
	sessions := session.NewManager(sessionStore, recorder, &session.Config{
		MaxAge:      cfg.Session.MaxAge,
		IdleTimeout: cfg.Session.IdleTimeout,
		MaxPerUser:  cfg.Session.MaxPerUser,
	})

	limiter := ratelimit.NewLimiter(&ratelimit.Config{
		Policies:           ratelimit.DefaultPolicies(),
		Capacity:           cfg.RateLimit.Capacity,
		ViolationThreshold: cfg.RateLimit.ViolationThreshold,
		ViolationWindow:    cfg.RateLimit.ViolationWindow,
		BlockDuration:      cfg.RateLimit.BlockDuration,
	}, recorder)

	guard := csrf.NewGuard(signer, &csrf.Config{
		TokenLifetime: cfg.CSRF.TokenLifetime,
		ExemptPaths:   cfg.CSRF.ExemptPaths,
		CookieSecure:  cfg.CSRF.CookieSecure,
	})

	mfaStore, err := mfa.NewBadgerStore(db)
	if err != nil {
		return fmt.Errorf("creating mfa store: %w", err)
	}
	engine := mfa.NewEngine(mfaStore, encryptor, mfa.LogNotifier{}, recorder, &mfa.Config{
		Issuer:          cfg.MFA.Issuer,
		Skew:            cfg.MFA.Skew,
		BackupCodeCount: cfg.MFA.BackupCodeCount,
		ChannelCodeTTL:  cfg.MFA.ChannelCodeTTL,
		MaxAttempts:     cfg.MFA.MaxAttempts,
		LockoutDuration: cfg.MFA.LockoutDuration,
	})

	handler := &api.Handler{
		Sessions:     sessions,
		Guard:        guard,
		MFA:          engine,
		Recorder:     recorder,
		Limiter:      limiter,
		CookieSecure: cfg.CSRF.CookieSecure,
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		return fmt.Errorf("creating supervisor tree: %w", err)
	}

	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	tree.AddMaintenanceService(services.NewSweepService("session-sweeper", cfg.Session.IdleTimeout/2, sessions))
	tree.AddMaintenanceService(services.NewSweepService("ratelimit-sweeper", cfg.RateLimit.ViolationWindow/4, limiter))
	tree.AddMaintenanceService(services.NewSweepService("mfa-sweeper", cfg.MFA.ChannelCodeTTL, engine))
	tree.AddMaintenanceService(services.NewSweepService("audit-retention", cfg.Audit.SweepInterval, recorder))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("addr", server.Addr).
		Msg("PHIGuard listening")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	logging.Info().Msg("Shutdown complete")
	return nil
}

// openBadger opens the shared Badger database.
func openBadger(cfg *config.Config) (*badger.DB, error) {
	var opts badger.Options
	if cfg.Database.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Database.Path)
	}
	// Badger's own logger is noisy; component logs cover what matters.
	opts.Logger = nil

	return badger.Open(opts)
}

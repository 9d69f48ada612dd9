// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

// Package config loads layered configuration with koanf:
// built-in defaults, then an optional YAML file, then environment
// variables. ENV > File > Defaults.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/phiguard/config.yaml",
	"/etc/phiguard/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// Environment names. Production tightens validation; anything else is
// treated as development.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is the full application configuration.
type Config struct {
	Environment string          `koanf:"environment"`
	Server      ServerConfig    `koanf:"server"`
	Logging     LoggingConfig   `koanf:"logging"`
	Database    DatabaseConfig  `koanf:"database"`
	Crypto      CryptoConfig    `koanf:"crypto"`
	Session     SessionConfig   `koanf:"session"`
	CSRF        CSRFConfig      `koanf:"csrf"`
	RateLimit   RateLimitConfig `koanf:"ratelimit"`
	MFA         MFAConfig       `koanf:"mfa"`
	Audit       AuditConfig     `koanf:"audit"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig holds the Badger store settings.
type DatabaseConfig struct {
	Path     string `koanf:"path"`
	InMemory bool   `koanf:"in_memory"`
}

// CryptoConfig holds key material settings. Both values are secrets and
// normally arrive via environment variables, not the config file.
type CryptoConfig struct {
	// MasterKey is the base64-encoded 32-byte field encryption key.
	MasterKey string `koanf:"master_key"`

	// Iterations is the PBKDF2 work factor for derived keys.
	Iterations int `koanf:"iterations"`

	// HMACSecret signs CSRF tokens.
	HMACSecret string `koanf:"hmac_secret"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	MaxAge      time.Duration `koanf:"max_age"`
	IdleTimeout time.Duration `koanf:"idle_timeout"`
	MaxPerUser  int           `koanf:"max_per_user"`
}

// CSRFConfig holds anti-forgery token settings.
type CSRFConfig struct {
	TokenLifetime time.Duration `koanf:"token_lifetime"`
	ExemptPaths   []string      `koanf:"exempt_paths"`
	CookieSecure  bool          `koanf:"cookie_secure"`
}

// RateLimitConfig holds limiter settings. Per-class windows and limits
// have fixed policy defaults; only capacity and escalation are tunable.
type RateLimitConfig struct {
	Capacity           int           `koanf:"capacity"`
	ViolationThreshold int           `koanf:"violation_threshold"`
	ViolationWindow    time.Duration `koanf:"violation_window"`
	BlockDuration      time.Duration `koanf:"block_duration"`
}

// MFAConfig holds second-factor settings.
type MFAConfig struct {
	Issuer          string        `koanf:"issuer"`
	Skew            int           `koanf:"skew"`
	BackupCodeCount int           `koanf:"backup_code_count"`
	ChannelCodeTTL  time.Duration `koanf:"channel_code_ttl"`
	MaxAttempts     int           `koanf:"max_attempts"`
	LockoutDuration time.Duration `koanf:"lockout_duration"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	Enabled       bool          `koanf:"enabled"`
	RetentionDays int           `koanf:"retention_days"`
	BufferSize    int           `koanf:"buffer_size"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// defaultConfig returns all defaults. Applied first, then overridden by
// config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Database: DatabaseConfig{
			Path:     "/data/phiguard",
			InMemory: false,
		},
		Crypto: CryptoConfig{
			MasterKey:  "",
			Iterations: 210000,
			HMACSecret: "",
		},
		Session: SessionConfig{
			MaxAge:      12 * time.Hour,
			IdleTimeout: 30 * time.Minute,
			MaxPerUser:  5,
		},
		CSRF: CSRFConfig{
			TokenLifetime: time.Hour,
			ExemptPaths:   []string{"/healthz", "/metrics", "/webhooks/"},
			CookieSecure:  true,
		},
		RateLimit: RateLimitConfig{
			Capacity:           100000,
			ViolationThreshold: 10,
			ViolationWindow:    time.Hour,
			BlockDuration:      time.Hour,
		},
		MFA: MFAConfig{
			Issuer:          "PHIGuard",
			Skew:            1,
			BackupCodeCount: 10,
			ChannelCodeTTL:  5 * time.Minute,
			MaxAttempts:     5,
			LockoutDuration: 15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:       true,
			RetentionDays: 2190, // six years
			BufferSize:    1000,
			SweepInterval: time.Hour,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// and environment variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: optional config file
	configPath := findConfigFile()
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma-separated env values for slice fields
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformFunc maps environment variable names to config paths.
//
// Examples:
//   - PHIGUARD_ENV       -> environment
//   - HTTP_PORT          -> server.port
//   - LOG_LEVEL          -> logging.level
//   - MASTER_KEY         -> crypto.master_key
//   - SESSION_MAX_AGE    -> session.max_age
//   - MFA_MAX_ATTEMPTS   -> mfa.max_attempts
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		"phiguard_env": "environment",

		"http_host":             "server.host",
		"http_port":             "server.port",
		"http_read_timeout":     "server.read_timeout",
		"http_write_timeout":    "server.write_timeout",
		"http_idle_timeout":     "server.idle_timeout",
		"http_shutdown_timeout": "server.shutdown_timeout",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",

		"badger_path":      "database.path",
		"badger_in_memory": "database.in_memory",

		"master_key":        "crypto.master_key",
		"pbkdf2_iterations": "crypto.iterations",
		"hmac_secret":       "crypto.hmac_secret",

		"session_max_age":      "session.max_age",
		"session_idle_timeout": "session.idle_timeout",
		"session_max_per_user": "session.max_per_user",

		"csrf_token_lifetime": "csrf.token_lifetime",
		"csrf_exempt_paths":   "csrf.exempt_paths",
		"csrf_cookie_secure":  "csrf.cookie_secure",

		"ratelimit_capacity":            "ratelimit.capacity",
		"ratelimit_violation_threshold": "ratelimit.violation_threshold",
		"ratelimit_violation_window":    "ratelimit.violation_window",
		"ratelimit_block_duration":      "ratelimit.block_duration",

		"mfa_issuer":            "mfa.issuer",
		"mfa_skew":              "mfa.skew",
		"mfa_backup_code_count": "mfa.backup_code_count",
		"mfa_channel_code_ttl":  "mfa.channel_code_ttl",
		"mfa_max_attempts":      "mfa.max_attempts",
		"mfa_lockout_duration":  "mfa.lockout_duration",

		"audit_enabled":        "audit.enabled",
		"audit_retention_days": "audit.retention_days",
		"audit_buffer_size":    "audit.buffer_size",
		"audit_sweep_interval": "audit.sweep_interval",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	// Unknown variables are ignored rather than guessed at.
	return ""
}

// processSliceFields splits comma-separated env values into slices.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range []string{"csrf.exempt_paths"} {
		raw := k.Get(path)
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return err
		}
	}
	return nil
}

// IsProduction reports whether the production environment is active.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate checks the configuration for correctness. Production
// requires real key material and secure cookie settings; development
// may run with generated ephemeral keys.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Crypto.Iterations < 100000 {
		return fmt.Errorf("crypto.iterations must be at least 100000, got %d", c.Crypto.Iterations)
	}
	if c.Audit.RetentionDays < 1 {
		return fmt.Errorf("audit.retention_days must be positive, got %d", c.Audit.RetentionDays)
	}
	if c.Session.IdleTimeout > c.Session.MaxAge {
		return fmt.Errorf("session.idle_timeout must not exceed session.max_age")
	}

	if c.Crypto.MasterKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Crypto.MasterKey)
		if err != nil {
			return fmt.Errorf("crypto.master_key must be base64 encoded: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("crypto.master_key must decode to 32 bytes, got %d", len(key))
		}
	}

	if !c.IsProduction() {
		return nil
	}

	// Production hard requirements.
	if c.Crypto.MasterKey == "" {
		return fmt.Errorf("crypto.master_key is required in production (set MASTER_KEY)")
	}
	if len(c.Crypto.HMACSecret) < 32 {
		return fmt.Errorf("crypto.hmac_secret must be at least 32 characters in production (set HMAC_SECRET)")
	}
	if !c.CSRF.CookieSecure {
		return fmt.Errorf("csrf.cookie_secure must be true in production")
	}
	if !c.Audit.Enabled {
		return fmt.Errorf("audit.enabled must be true in production")
	}
	return nil
}

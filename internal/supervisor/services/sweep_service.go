// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package services

import (
	"context"
	"time"

	"github.com/caresphere/phiguard/internal/logging"
)

// Sweeper is any component with periodic housekeeping: expired session
// cleanup, limiter counter pruning, audit retention.
type Sweeper interface {
	Sweep(ctx context.Context) error
}

// SweepService runs a Sweeper on a fixed interval under supervision.
// A failed sweep is logged and retried at the next tick rather than
// restarting the service.
type SweepService struct {
	name     string
	interval time.Duration
	sweeper  Sweeper
}

// NewSweepService creates a periodic sweep service.
func NewSweepService(name string, interval time.Duration, sweeper Sweeper) *SweepService {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SweepService{
		name:     name,
		interval: interval,
		sweeper:  sweeper,
	}
}

// Serve implements suture.Service.
func (s *SweepService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweeper.Sweep(ctx); err != nil {
				logging.Error().Err(err).
					Str("service", s.name).
					Msg("Sweep failed")
			}
		}
	}
}

// String implements fmt.Stringer for readable supervisor logs.
func (s *SweepService) String() string {
	return s.name
}

// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package ratelimit

import (
	"sync"
	"time"
)

// blocklist escalates identifiers that repeatedly violate limits within
// a rolling window onto a temporary block independent of the window
// counters.
type blocklist struct {
	mu sync.Mutex

	threshold     int
	window        time.Duration
	blockDuration time.Duration

	// violations holds the timestamps of recent denials per key.
	violations map[string][]time.Time

	// blocked maps key to the time its block lapses.
	blocked map[string]time.Time
}

// newBlocklist creates an escalation tracker.
func newBlocklist(threshold int, window, blockDuration time.Duration) *blocklist {
	return &blocklist{
		threshold:     threshold,
		window:        window,
		blockDuration: blockDuration,
		violations:    make(map[string][]time.Time),
		blocked:       make(map[string]time.Time),
	}
}

// isBlocked reports whether the key is currently blocked.
func (b *blocklist) isBlocked(key string, now time.Time) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	until, ok := b.blocked[key]
	if !ok {
		return time.Time{}, false
	}
	if !now.Before(until) {
		delete(b.blocked, key)
		return time.Time{}, false
	}
	return until, true
}

// recordViolation registers a denial and returns the rolling-window
// violation count plus whether this denial tripped the escalation.
func (b *blocklist) recordViolation(key string, now time.Time) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := now.Add(-b.window)
	recent := b.violations[key][:0]
	for _, t := range b.violations[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	b.violations[key] = recent

	if len(recent) < b.threshold {
		return len(recent), false
	}
	if _, already := b.blocked[key]; already {
		return len(recent), false
	}

	b.blocked[key] = now.Add(b.blockDuration)
	delete(b.violations, key)
	return len(recent), true
}

// unblock clears a block. Returns true if the key was blocked.
func (b *blocklist) unblock(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.violations, key)
	if _, ok := b.blocked[key]; ok {
		delete(b.blocked, key)
		return true
	}
	return false
}

// cleanup drops lapsed blocks and stale violation history.
// Returns the number of keys unblocked.
func (b *blocklist) cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	unblocked := 0
	for key, until := range b.blocked {
		if !now.Before(until) {
			delete(b.blocked, key)
			unblocked++
		}
	}

	cutoff := now.Add(-b.window)
	for key, times := range b.violations {
		recent := times[:0]
		for _, t := range times {
			if t.After(cutoff) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(b.violations, key)
			continue
		}
		b.violations[key] = recent
	}

	return unblocked
}

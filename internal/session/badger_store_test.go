// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package session

import (
	"context"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

func testBadgerStore(t *testing.T) *BadgerStore {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewBadgerStore(db)
	if err != nil {
		t.Fatalf("NewBadgerStore() error = %v", err)
	}
	return store
}

func testSession(id, userID string, createdAt time.Time) *Session {
	return &Session{
		ID:             id,
		UserID:         userID,
		Role:           "patient",
		Fingerprint:    "fp",
		CreatedAt:      createdAt,
		LastActivityAt: createdAt,
	}
}

func TestBadgerStoreRoundTrip(t *testing.T) {
	store := testBadgerStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	s := testSession("s1", "user-1", now)
	s.TrustDevice = true
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.UserID != "user-1" || got.Role != "patient" || !got.TrustDevice {
		t.Errorf("got = %+v, fields lost across badger", got)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestBadgerStoreGetMissing(t *testing.T) {
	store := testBadgerStore(t)

	if _, err := store.Get(context.Background(), "absent"); err != ErrSessionNotFound {
		t.Errorf("Get() error = %v, want ErrSessionNotFound", err)
	}
}

func TestBadgerStoreUpdate(t *testing.T) {
	store := testBadgerStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	s := testSession("s1", "user-1", now)
	if err := store.Create(ctx, s); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	s.LastActivityAt = now.Add(time.Minute)
	if err := store.Update(ctx, s); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.LastActivityAt.After(got.CreatedAt) {
		t.Error("Update() did not persist the new activity time")
	}

	if err := store.Update(ctx, testSession("absent", "user-1", now)); err != ErrSessionNotFound {
		t.Errorf("Update(absent) error = %v, want ErrSessionNotFound", err)
	}
}

func TestBadgerStoreUserIndex(t *testing.T) {
	store := testBadgerStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a1", "a2", "a3"} {
		if err := store.Create(ctx, testSession(id, "alice", now)); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}
	if err := store.Create(ctx, testSession("b1", "bob", now)); err != nil {
		t.Fatalf("Create(b1) error = %v", err)
	}

	sessions, err := store.GetByUserID(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByUserID() error = %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("alice has %d sessions, want 3", len(sessions))
	}

	// Delete removes the index entry too.
	if err := store.Delete(ctx, "a2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	sessions, err = store.GetByUserID(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByUserID() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("alice has %d sessions after delete, want 2", len(sessions))
	}

	n, err := store.DeleteByUserID(ctx, "alice")
	if err != nil {
		t.Fatalf("DeleteByUserID() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteByUserID() = %d, want 2", n)
	}
	if _, err := store.Get(ctx, "b1"); err != nil {
		t.Errorf("bob's session gone after alice's bulk delete: %v", err)
	}
}

func TestBadgerStoreDeleteAbsent(t *testing.T) {
	store := testBadgerStore(t)

	if err := store.Delete(context.Background(), "absent"); err != nil {
		t.Errorf("Delete(absent) error = %v, want nil", err)
	}
}

func TestBadgerStoreCleanupExpired(t *testing.T) {
	store := testBadgerStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.Create(ctx, testSession("old", "user-1", now.Add(-24*time.Hour))); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, testSession("fresh", "user-1", now)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	n, err := store.CleanupExpired(ctx, 12*time.Hour, 30*time.Minute)
	if err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned = %d, want 1", n)
	}
	if _, err := store.Get(ctx, "old"); err != ErrSessionNotFound {
		t.Errorf("old session error = %v, want ErrSessionNotFound", err)
	}
	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Errorf("fresh session error = %v, want nil", err)
	}
}

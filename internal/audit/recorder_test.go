// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// drain closes the recorder so the async writer flushes everything,
// then the store can be queried synchronously.
func drain(t *testing.T, r *Recorder) {
	t.Helper()
	if err := r.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestRecordPersistsEvent(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, DefaultConfig())

	src := Source{IPAddress: "10.0.0.9", UserAgent: "test-agent"}
	r.RecordSuccess(context.Background(), "user-1", ActionSessionCreate, "session", "sess-1", src, nil)
	drain(t, r)

	events, err := store.Query(context.Background(), QueryFilter{Limit: 10})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	e := events[0]
	if _, err := uuid.Parse(e.ID); err != nil {
		t.Errorf("event ID %q is not a UUID: %v", e.ID, err)
	}
	if e.Timestamp.IsZero() {
		t.Error("event timestamp was not set")
	}
	if e.ActorID != "user-1" || e.Action != ActionSessionCreate || e.Outcome != OutcomeSuccess {
		t.Errorf("event = %+v, fields do not match what was recorded", e)
	}
	if e.IPAddress != "10.0.0.9" || e.UserAgent != "test-agent" {
		t.Errorf("source = %s/%s, want 10.0.0.9/test-agent", e.IPAddress, e.UserAgent)
	}
}

func TestRecordDisabled(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, &Config{Enabled: false})

	r.RecordSuccess(context.Background(), "user-1", ActionSessionCreate, "session", "", Source{}, nil)
	drain(t, r)

	count, err := store.Count(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 0 {
		t.Errorf("disabled recorder persisted %d events, want 0", count)
	}
}

func TestRecordErrorNormalizedShape(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, DefaultConfig())

	r.RecordError(context.Background(), "user-2", ActionMFAVerify, "mfa_factor", "totp",
		Source{}, errors.New("store unavailable"))
	drain(t, r)

	events, err := store.Query(context.Background(), QueryFilter{Outcome: OutcomeError})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d error events, want 1", len(events))
	}

	var detail ErrorDetail
	if err := json.Unmarshal(events[0].Details, &detail); err != nil {
		t.Fatalf("error detail is not the normalized shape: %v", err)
	}
	if detail.Message != "store unavailable" {
		t.Errorf("detail.Message = %q, want %q", detail.Message, "store unavailable")
	}
}

func TestRequestIDPropagation(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, DefaultConfig())

	ctx := context.WithValue(context.Background(), RequestIDKey, "req-abc")
	r.RecordSuccess(ctx, "user-3", ActionCSRFValidate, "csrf_token", "", Source{}, nil)
	drain(t, r)

	events, err := store.Query(context.Background(), QueryFilter{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 || events[0].RequestID != "req-abc" {
		t.Errorf("request ID not propagated, events = %+v", events)
	}
}

func TestQueryFilters(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store, DefaultConfig())
	ctx := context.Background()

	r.RecordSuccess(ctx, "alice", ActionSessionCreate, "session", "s1", Source{}, nil)
	r.RecordFailure(ctx, "bob", ActionMFAVerify, "mfa_factor", "totp", Source{}, nil)
	r.RecordSuccess(ctx, "alice", ActionMFAVerify, "mfa_factor", "totp", Source{}, nil)
	drain(t, r)

	t.Run("by actor", func(t *testing.T) {
		events, total, err := r.Query(ctx, QueryFilter{ActorID: "alice"})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if total != 2 || len(events) != 2 {
			t.Errorf("alice query = %d events, total %d, want 2/2", len(events), total)
		}
	})

	t.Run("by outcome", func(t *testing.T) {
		events, total, err := r.Query(ctx, QueryFilter{Outcome: OutcomeFailure})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if total != 1 || len(events) != 1 || events[0].ActorID != "bob" {
			t.Errorf("failure query = %+v, total %d", events, total)
		}
	})

	t.Run("by action", func(t *testing.T) {
		_, total, err := r.Query(ctx, QueryFilter{Action: ActionMFAVerify})
		if err != nil {
			t.Fatalf("Query() error = %v", err)
		}
		if total != 2 {
			t.Errorf("action query total = %d, want 2", total)
		}
	})
}

func TestPurgeOlderThanEmitsAuditEvent(t *testing.T) {
	store := NewMemoryStore()

	// Seed an old event directly so the purge has something to remove.
	old := &Event{
		ID:        "old-1",
		Action:    ActionSessionCreate,
		Entity:    "session",
		Outcome:   OutcomeSuccess,
		Timestamp: time.Now().Add(-100 * 24 * time.Hour),
	}
	if err := store.Save(context.Background(), old); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	r := NewRecorder(store, DefaultConfig())
	purged, err := r.PurgeOlderThan(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PurgeOlderThan() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	drain(t, r)

	// The purge itself must be on the trail.
	events, err := store.Query(context.Background(), QueryFilter{Action: ActionRetentionPurge})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d purge events, want 1", len(events))
	}

	var detail PurgeDetail
	if err := json.Unmarshal(events[0].Details, &detail); err != nil {
		t.Fatalf("purge detail unmarshal: %v", err)
	}
	if detail.Purged != 1 {
		t.Errorf("detail.Purged = %d, want 1", detail.Purged)
	}
}

func TestMemoryStorePagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		err := store.Save(ctx, &Event{
			ID:        string(rune('a' + i)),
			Action:    ActionSessionCreate,
			Outcome:   OutcomeSuccess,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	events, err := store.Query(ctx, QueryFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	// Newest first: offset 1 skips the newest.
	if events[0].ID != "d" || events[1].ID != "c" {
		t.Errorf("page = [%s %s], want [d c]", events[0].ID, events[1].ID)
	}
}

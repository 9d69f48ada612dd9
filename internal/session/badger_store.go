// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Key prefixes in the shared Badger database.
const (
	sessionKeyPrefix = "session:"
	userIdxKeyPrefix = "session_user:"
)

// BadgerStore persists sessions in Badger so they survive restarts.
// Each session is written under session:<id> with a secondary index
// entry under session_user:<userID>:<id> for per-user lookups.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed session store.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	return &BadgerStore{db: db}, nil
}

func sessionKey(id string) []byte {
	return []byte(sessionKeyPrefix + id)
}

func userIdxKey(userID, id string) []byte {
	return []byte(userIdxKeyPrefix + userID + ":" + id)
}

// Create stores a new session.
func (s *BadgerStore) Create(_ context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(sessionKey(session.ID), data); err != nil {
			return err
		}
		return txn.Set(userIdxKey(session.UserID, session.ID), []byte(session.ID))
	})
	if err != nil {
		return fmt.Errorf("storing session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID.
func (s *BadgerStore) Get(_ context.Context, id string) (*Session, error) {
	var session Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}
	return &session, nil
}

// Update updates an existing session.
func (s *BadgerStore) Update(_ context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(session.ID)); err != nil {
			return err
		}
		return txn.Set(sessionKey(session.ID), data)
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("updating session: %w", err)
	}
	return nil
}

// Delete removes a session and its user index entry.
func (s *BadgerStore) Delete(_ context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		var session Session
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		}); err != nil {
			return err
		}

		if err := txn.Delete(sessionKey(id)); err != nil {
			return err
		}
		return txn.Delete(userIdxKey(session.UserID, id))
	})
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteByUserID removes all sessions for a user.
func (s *BadgerStore) DeleteByUserID(ctx context.Context, userID string) (int, error) {
	ids, err := s.idsForUser(userID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// GetByUserID returns all sessions for a user.
func (s *BadgerStore) GetByUserID(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := s.idsForUser(userID)
	if err != nil {
		return nil, err
	}

	var result []*Session
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrSessionNotFound) {
				// Dangling index entry, skip it.
				continue
			}
			return nil, err
		}
		result = append(result, session)
	}
	return result, nil
}

// idsForUser scans the user index prefix.
func (s *BadgerStore) idsForUser(userID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(userIdxKeyPrefix + userID + ":")
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				ids = append(ids, string(val))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning user sessions: %w", err)
	}
	return ids, nil
}

// CleanupExpired removes sessions past either timeout.
func (s *BadgerStore) CleanupExpired(ctx context.Context, maxAge, idleTimeout time.Duration) (int, error) {
	now := time.Now()
	var expired []string

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		prefix := []byte(sessionKeyPrefix)
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var session Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			}); err != nil {
				return err
			}
			if session.ExpiredByAge(now, maxAge) || session.ExpiredByIdle(now, idleTimeout) {
				expired = append(expired, session.ID)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scanning sessions: %w", err)
	}

	for _, id := range expired {
		if err := s.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

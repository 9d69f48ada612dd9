// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// auditKeyPrefix namespaces audit events in the shared BadgerDB.
// Keys embed a zero-padded UnixNano so iteration order is time order.
const auditKeyPrefix = "audit:"

// BadgerStore implements Store using BadgerDB for durable persistence.
// Suitable for production single-instance deployments.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a new BadgerDB-backed audit store.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// eventKey builds the storage key for an event.
func eventKey(e *Event) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", auditKeyPrefix, e.Timestamp.UnixNano(), e.ID))
}

// Save persists an audit event.
func (s *BadgerStore) Save(ctx context.Context, event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(eventKey(event), data)
	})
}

// Query retrieves events matching the filter, newest first.
func (s *BadgerStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultQueryFilter().Limit
	}

	var matched []Event
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true // newest first
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(auditKeyPrefix)
		skipped := 0

		// Reverse iteration starts past the prefix range.
		seekKey := append([]byte{}, prefix...)
		seekKey = append(seekKey, 0xFF)

		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			var event Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("unmarshal audit event: %w", err)
			}

			if !filter.Matches(&event) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			matched = append(matched, event)
			if len(matched) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return matched, nil
}

// Count returns the number of events matching the filter.
func (s *BadgerStore) Count(ctx context.Context, filter QueryFilter) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(auditKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var event Event
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &event)
			})
			if err != nil {
				return fmt.Errorf("unmarshal audit event: %w", err)
			}
			if filter.Matches(&event) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}

// DeleteOlderThan removes events recorded before the cutoff.
func (s *BadgerStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	// Keys order by timestamp, so everything before the cutoff key goes.
	cutoffKey := fmt.Sprintf("%s%020d", auditKeyPrefix, cutoff.UnixNano())

	var toDelete [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(auditKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if string(key) >= cutoffKey {
				break
			}
			toDelete = append(toDelete, key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	var deleted int64
	for _, key := range toDelete {
		err := s.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return deleted, fmt.Errorf("delete audit event: %w", err)
		}
		deleted++
	}

	return deleted, nil
}

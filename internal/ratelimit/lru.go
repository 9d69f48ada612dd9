// PHIGuard - PHI Protection and Security Substrate
// Copyright 2026 CareSphere Health
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/caresphere/phiguard

package ratelimit

import (
	"sync"
	"time"
)

// counter is one fixed-window counter.
type counter struct {
	count   int
	resetAt time.Time
}

// lruEntry is a node in the counter cache's doubly-linked list.
type lruEntry struct {
	key     string
	counter counter
	prev    *lruEntry
	next    *lruEntry
}

// counterCache is a thread-safe LRU holding window counters.
//
// Capacity bounds memory under pathological key cardinality; expiry is
// the window boundary itself, so in the common case counters evict
// themselves without a sweep. A doubly-linked list plus hashmap gives
// O(1) increment and eviction.
type counterCache struct {
	mu sync.Mutex

	capacity int
	items    map[string]*lruEntry

	// head.next is most recently used, tail.prev is least recently used.
	head *lruEntry
	tail *lruEntry
}

// newCounterCache creates a counter cache with the given capacity.
func newCounterCache(capacity int) *counterCache {
	if capacity <= 0 {
		capacity = 10000
	}

	c := &counterCache{
		capacity: capacity,
		items:    make(map[string]*lruEntry, capacity),
		head:     &lruEntry{},
		tail:     &lruEntry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head

	return c
}

// incr atomically advances the counter for key within its window and
// returns the updated value. A counter past its reset time (or absent)
// restarts at zero before the increment, so the first request of a
// window observes count == 1.
func (c *counterCache) incr(key string, window time.Duration, now time.Time) counter {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.items[key]
	if exists && now.Before(entry.counter.resetAt) {
		entry.counter.count++
		c.moveToFront(entry)
		return entry.counter
	}

	if exists {
		c.removeEntry(entry)
	}

	entry = &lruEntry{
		key:     key,
		counter: counter{count: 1, resetAt: now.Add(window)},
	}
	c.addToFront(entry)
	c.items[key] = entry

	for len(c.items) > c.capacity {
		c.evictOldest()
	}

	return entry.counter
}

// peek returns the counter for key without counting an access.
func (c *counterCache) peek(key string, now time.Time) (counter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.items[key]
	if !exists || !now.Before(entry.counter.resetAt) {
		return counter{}, false
	}
	return entry.counter, true
}

// remove drops the counter for key. Returns true if it existed.
func (c *counterCache) remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.items[key]; exists {
		c.removeEntry(entry)
		return true
	}
	return false
}

// len returns the current number of counters.
func (c *counterCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// cleanupExpired removes counters whose window has passed. The periodic
// sweep calls this to catch pathological key cardinality the LRU bound
// did not.
func (c *counterCache) cleanupExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for entry := c.tail.prev; entry != c.head; {
		prev := entry.prev
		if !now.Before(entry.counter.resetAt) {
			c.removeEntry(entry)
			removed++
		}
		entry = prev
	}
	return removed
}

// List management (must be called with mu held)

func (c *counterCache) addToFront(entry *lruEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *counterCache) moveToFront(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	c.addToFront(entry)
}

func (c *counterCache) removeEntry(entry *lruEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
	delete(c.items, entry.key)
}

func (c *counterCache) evictOldest() {
	oldest := c.tail.prev
	if oldest == c.head {
		return
	}
	c.removeEntry(oldest)
}

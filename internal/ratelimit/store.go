// Package ratelimit provides the keyed attempt counter store used by the
// login throttle policy and the two-factor challenge machine. Counters are
// in-process with per-key expiry; expired counters read as absent.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount = 32

	// purgeInterval bounds how often a shard scans for expired entries, so a
	// hostile writer hammering one key cannot force unrelated keys out.
	purgeInterval = time.Minute
)

type counter struct {
	count     int
	expiresAt time.Time
}

type shard struct {
	mu        sync.Mutex
	counters  map[string]counter
	lastPurge time.Time
}

// Store is a sharded keyed counter with per-key TTL. Keys are hashed across
// fixed shards so concurrent handlers for different identifiers do not
// contend on one lock.
type Store struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// NewStore creates an empty counter store.
func NewStore() *Store {
	s := &Store{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &shard{counters: make(map[string]counter)}
	}
	return s
}

// NewStoreWithClock creates a store with an injected clock, for tests.
func NewStoreWithClock(now func() time.Time) *Store {
	s := NewStore()
	s.now = now
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s.shards[h.Sum32()%shardCount]
}

// Hit records one attempt against key and returns the new count. A fresh or
// expired counter starts at 1 with expiry now+decay. An existing counter is
// incremented and its expiry extended to at least now+decay: the window is
// never shrunk, so a later hit with a shorter decay cannot hand the caller
// extra attempts.
func (s *Store) Hit(key string, decay time.Duration) int {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.purgeStale(now)

	c, ok := sh.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = counter{count: 1, expiresAt: now.Add(decay)}
		sh.counters[key] = c
		return c.count
	}

	c.count++
	if next := now.Add(decay); next.After(c.expiresAt) {
		c.expiresAt = next
	}
	sh.counters[key] = c
	return c.count
}

// Count returns the current count for key, treating expired counters as zero.
func (s *Store) Count(key string) int {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		return 0
	}
	return c.count
}

// Clear removes the counter for key.
func (s *Store) Clear(key string) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.counters, key)
}

// AvailableIn returns how long until the counter for key expires, or zero
// when no live counter exists.
func (s *Store) AvailableIn(key string) time.Duration {
	now := s.now()
	sh := s.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		return 0
	}
	return c.expiresAt.Sub(now)
}

// purgeStale drops expired entries. Called with the shard lock held; rate
// limited so writes stay O(1) in the common case.
func (sh *shard) purgeStale(now time.Time) {
	if now.Sub(sh.lastPurge) < purgeInterval {
		return
	}
	sh.lastPurge = now
	for key, c := range sh.counters {
		if !now.Before(c.expiresAt) {
			delete(sh.counters, key)
		}
	}
}

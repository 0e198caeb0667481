// Package store holds the authoritative key to entry mapping of a node.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"p2pstore/datamodel/entry"
	"p2pstore/oid"
)

var (
	ErrCapacityExceeded = errors.New("store capacity exceeded")
	ErrNotFound         = errors.New("entry not found")
)

// Store maps keys to their current entry. Expired entries stay physically
// present until the next Sweep but are invisible to every read.
type Store struct {
	mu       sync.RWMutex
	capacity int
	entries  map[oid.Oid]*entry.Entry
}

func New(capacity int) *Store {
	return &Store{
		capacity: capacity,
		entries:  make(map[oid.Oid]*entry.Entry),
	}
}

// Get returns a copy of the live entry for key.
func (s *Store) Get(key oid.Oid, now time.Time) (*entry.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.Expired(now) {
		return nil, false
	}
	return e.Clone(), true
}

// Lookup is Get without the expiry filter. Only sequence bookkeeping should
// look at expired entries.
func (s *Store) Lookup(key oid.Oid) (*entry.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Contains reports physical presence, expired or not.
func (s *Store) Contains(key oid.Oid) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[key]
	return ok
}

// Put inserts or replaces the entry for e.Key. A new key is refused with
// ErrCapacityExceeded when the store is full; nothing is evicted to make room.
func (s *Store) Put(e *entry.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[e.Key]; !ok && s.capacity > 0 && len(s.entries) >= s.capacity {
		return ErrCapacityExceeded
	}

	s.entries[e.Key] = e.Clone()
	return nil
}

// Refresh moves a stored entry to a new sequence number and expiry.
func (s *Store) Refresh(key oid.Oid, seq uint64, expiresAt int64, signature []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ErrNotFound
	}

	refreshed := e.Clone()
	refreshed.Sequence = seq
	refreshed.ExpiresAt = expiresAt
	refreshed.Signature = append([]byte(nil), signature...)
	s.entries[key] = refreshed
	return nil
}

// Remove deletes the entry for key and returns it.
func (s *Store) Remove(key oid.Oid) (*entry.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(s.entries, key)
	return e, nil
}

// Snapshot returns copies of every live entry, ordered by key.
func (s *Store) Snapshot(now time.Time) []*entry.Entry {
	s.mu.RLock()
	out := make([]*entry.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if !e.Expired(now) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Sweep physically removes expired entries and returns their keys.
func (s *Store) Sweep(now time.Time) []oid.Oid {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []oid.Oid
	for k, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, k)
			removed = append(removed, k)
		}
	}
	return removed
}

// Len counts physically present entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

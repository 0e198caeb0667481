// Package seqtrack records the highest accepted sequence number per key.
//
// The tracker outlives the entries themselves: after a key is removed or
// expires its watermark is kept, so replays of old mutations are still
// recognized as stale. Memory is bounded by evicting the least recently
// updated key once the configured size is reached.
package seqtrack

import (
	"time"

	"p2pstore/oid"

	lru "github.com/hashicorp/golang-lru/v2"
)

type record struct {
	seq     uint64
	updated time.Time
}

type Tracker struct {
	cache *lru.Cache[oid.Oid, record]
}

func New(size int) (*Tracker, error) {
	cache, err := lru.New[oid.Oid, record](size)
	if err != nil {
		return nil, err
	}
	return &Tracker{cache: cache}, nil
}

// LastAccepted returns the watermark for key. Lookups do not refresh recency.
func (t *Tracker) LastAccepted(key oid.Oid) (uint64, bool) {
	r, ok := t.cache.Peek(key)
	return r.seq, ok
}

// Record stores seq as the new watermark for key. It refuses, and returns
// false, when seq does not exceed the current watermark.
func (t *Tracker) Record(key oid.Oid, seq uint64, now time.Time) bool {
	if r, ok := t.cache.Peek(key); ok && seq <= r.seq {
		return false
	}
	t.cache.Add(key, record{seq: seq, updated: now})
	return true
}

// Raise is Record without the result, used when restoring persisted watermarks.
func (t *Tracker) Raise(key oid.Oid, seq uint64, now time.Time) {
	t.Record(key, seq, now)
}

// Prune forgets watermarks last updated before cutoff unless keep reports
// that the key is still live. It returns the number of forgotten keys.
func (t *Tracker) Prune(cutoff time.Time, keep func(oid.Oid) bool) int {
	pruned := 0
	for _, key := range t.cache.Keys() {
		r, ok := t.cache.Peek(key)
		if !ok || !r.updated.Before(cutoff) {
			continue
		}
		if keep != nil && keep(key) {
			continue
		}
		t.cache.Remove(key)
		pruned++
	}
	return pruned
}

// Export returns a copy of every watermark.
func (t *Tracker) Export() map[oid.Oid]uint64 {
	out := make(map[oid.Oid]uint64, t.cache.Len())
	for _, key := range t.cache.Keys() {
		if r, ok := t.cache.Peek(key); ok {
			out[key] = r.seq
		}
	}
	return out
}

func (t *Tracker) Len() int {
	return t.cache.Len()
}

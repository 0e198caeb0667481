// Package router validates inbound mutations, applies them to the local store
// and floods accepted ones to the rest of the swarm.
//
// Every frame goes through the same pipeline: envelope decode and version
// check, dedup by message id, structural checks, sequence check, signature
// check against the stored owner key, store mutation, watermark update and
// finally a flood of the original frame bytes to every registered peer that
// is not already known to hold the message. Remote failures never surface as
// errors: they become a Verdict and a metric.
package router

import (
	"fmt"
	"sync"
	"time"

	"p2pstore/crypto/sign"
	"p2pstore/datamodel/entry"
	"p2pstore/oid"
	"p2pstore/swarm/protocol"
	"p2pstore/swarm/seqtrack"
	"p2pstore/swarm/store"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultMaxPayloadSize    = 20 * 1024
	DefaultMaxTTL            = 10 * 24 * time.Hour
	DefaultDedupSize         = 16384
	DefaultSnapshotChunkSize = 256
)

// localPeer is the holder id of messages published by this node.
const localPeer = ""

// Peer is the router's view of a connected neighbor. Neither method may block.
type Peer interface {
	ID() string

	// Send queues a broadcast. Slow peers may lose queued broadcasts.
	Send(frame []byte)

	// Stream delivers every frame returned by next, in order, until next
	// returns nil. Used for catchup, which must not lose frames.
	Stream(next func() []byte)
}

type Options struct {
	MaxPayloadSize    int
	MaxTTL            time.Duration
	ClockSkew         time.Duration // Tolerated lead of a remote expiry past now+MaxTTL
	DedupSize         int
	TrackerRetention  time.Duration
	SnapshotChunkSize int

	Registerer prometheus.Registerer // nil keeps metrics unregistered
	Now        func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxPayloadSize <= 0 {
		o.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if o.MaxTTL <= 0 {
		o.MaxTTL = DefaultMaxTTL
	}
	if o.ClockSkew < 0 {
		o.ClockSkew = 0
	}
	if o.DedupSize <= 0 {
		o.DedupSize = DefaultDedupSize
	}
	// A watermark may only go once every expiry the router would accept for
	// its key has passed
	if o.TrackerRetention < o.MaxTTL+o.ClockSkew {
		o.TrackerRetention = o.MaxTTL + o.ClockSkew
	}
	if o.SnapshotChunkSize <= 0 {
		o.SnapshotChunkSize = DefaultSnapshotChunkSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type Router struct {
	opts     Options
	verifier sign.Verifier
	metrics  *metrics

	// Serializes validate-and-apply, flooding and the sweep
	mu      sync.Mutex
	store   *store.Store
	tracker *seqtrack.Tracker
	seen    *seenSet
	peers   map[string]Peer

	subMu sync.Mutex
	subs  map[int]chan Event
	subID int
}

func New(st *store.Store, tracker *seqtrack.Tracker, verifier sign.Verifier, opts Options) (*Router, error) {
	opts.setDefaults()

	seen, err := newSeenSet(opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedup cache: %w", err)
	}

	return &Router{
		opts:     opts,
		verifier: verifier,
		metrics:  newMetrics(opts.Registerer),
		store:    st,
		tracker:  tracker,
		seen:     seen,
		peers:    make(map[string]Peer),
		subs:     make(map[int]chan Event),
	}, nil
}

// Store exposes the underlying store for read-only use.
func (r *Router) Store() *store.Store {
	return r.store
}

// AddPeer registers p as a flood target. A peer with the same id is replaced.
func (r *Router) AddPeer(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers[p.ID()] = p
	r.metrics.peers.Set(float64(len(r.peers)))
	log.Debugf("Router: peer %s registered", p.ID())
}

func (r *Router) RemovePeer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, id)
	r.metrics.peers.Set(float64(len(r.peers)))
	log.Debugf("Router: peer %s unregistered", id)
}

// Handle processes one frame received from the peer with the given id.
func (r *Router) Handle(from string, frame []byte) Verdict {
	env, err := protocol.Decode(frame)
	if err != nil {
		log.Debugf("Router: dropping frame from %s: %v", from, err)
		r.count("invalid", Malformed)
		return Malformed
	}

	if err := protocol.CheckVersion(env.Version()); err != nil {
		log.WithFields(log.Fields{"peer": from, "type": env.Type()}).Warnf("Router: dropping message: %v", err)
		r.count(env.Type().String(), VersionMismatch)
		return VersionMismatch
	}

	var v Verdict
	switch env.Type() {
	case protocol.TypeAdd, protocol.TypeRefresh, protocol.TypeRemove:
		v = r.handleMutation(from, env, frame)
	case protocol.TypeSnapshotRequest:
		v = r.serveSnapshot(from, env)
	case protocol.TypeSnapshotResponse:
		v = r.mergeSnapshotResponse(from, env)
	default:
		v = Malformed
	}

	r.count(env.Type().String(), v)
	return v
}

// Publish runs a locally built frame through the pipeline and floods it to
// every peer. Unlike Handle it reports why a mutation was refused.
func (r *Router) Publish(frame []byte) error {
	env, err := protocol.Decode(frame)
	if err != nil {
		return err
	}
	if !env.Type().IsMutation() {
		return fmt.Errorf("%w: cannot publish %s", protocol.ErrMalformed, env.Type())
	}
	if err := protocol.CheckVersion(env.Version()); err != nil {
		return err
	}

	v := r.handleMutation(localPeer, env, frame)
	r.count(env.Type().String(), v)
	return v.Err()
}

func (r *Router) handleMutation(from string, env *protocol.Envelope, frame []byte) Verdict {
	id := env.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen.duplicate(id, from) {
		return Duplicate
	}

	now := r.opts.Now()
	var (
		v  Verdict
		ev Event
	)
	switch env.Type() {
	case protocol.TypeAdd:
		msg := &protocol.AddMessage{}
		if err := env.DecodeBody(msg); err != nil || msg.Entry == nil {
			v = Malformed
			break
		}
		v, ev = r.applyAdd(msg.Entry, now)
	case protocol.TypeRefresh:
		msg := &protocol.RefreshMessage{}
		if err := env.DecodeBody(msg); err != nil {
			v = Malformed
			break
		}
		v, ev = r.applyRefresh(msg, now)
	case protocol.TypeRemove:
		msg := &protocol.RemoveMessage{}
		if err := env.DecodeBody(msg); err != nil {
			v = Malformed
			break
		}
		v, ev = r.applyRemove(msg, now)
	}

	if v.retryable() {
		log.Debugf("Router: %s from %q not marked seen: %s", env.Type(), from, v)
		return v
	}

	holders := r.seen.mark(id, from)
	if v != Accepted {
		log.Debugf("Router: dropping %s from %q: %s", env.Type(), from, v)
		return v
	}

	r.floodLocked(frame, holders)
	r.emit(ev)
	return v
}

// floodLocked queues frame to every peer not in holders, then records those
// peers as holders.
func (r *Router) floodLocked(frame []byte, holders map[string]struct{}) {
	for id, p := range r.peers {
		if _, ok := holders[id]; ok {
			continue
		}
		p.Send(frame)
		holders[id] = struct{}{}
		r.metrics.floods.Inc()
	}
}

// lastSequenceLocked is the highest sequence seen for key, taking the stored
// entry into account in case its watermark was evicted.
func (r *Router) lastSequenceLocked(key oid.Oid) uint64 {
	last, _ := r.tracker.LastAccepted(key)
	if e, ok := r.store.Lookup(key); ok && e.Sequence > last {
		last = e.Sequence
	}
	return last
}

// LastSequence returns the highest sequence number accepted for key, 0 if none.
// Publishers use it to pick the next sequence number.
func (r *Router) LastSequence(key oid.Oid) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSequenceLocked(key)
}

func (r *Router) checkExpiry(expiresAt int64, now time.Time) bool {
	if expiresAt <= now.UnixMilli() {
		return false
	}
	return expiresAt <= now.Add(r.opts.MaxTTL+r.opts.ClockSkew).UnixMilli()
}

// verify treats verifier failures as rejections.
func (r *Router) verify(owner sign.PublicKey, message, signature []byte) Verdict {
	ok, err := r.verifier.Verify(owner, message, signature)
	if err != nil {
		log.Warnf("Router: signature verifier failed: %v", err)
		return VerifierUnavailable
	}
	if !ok {
		return BadSignature
	}
	return Accepted
}

func (r *Router) applyAdd(e *entry.Entry, now time.Time) (Verdict, Event) {
	if e.Key.IsZero() || e.Key.Type() != oid.OidTypeEntry || !e.Owner.Valid() || len(e.Signature) == 0 {
		return Malformed, Event{}
	}
	if e.Payload.Size() > r.opts.MaxPayloadSize {
		return Malformed, Event{}
	}
	if entry.DeriveKey(e.Payload, e.Owner) != e.Key {
		return Malformed, Event{}
	}
	if !r.checkExpiry(e.ExpiresAt, now) {
		return Expired, Event{}
	}

	if e.Sequence <= r.lastSequenceLocked(e.Key) {
		return Stale, Event{}
	}

	if stored, ok := r.store.Get(e.Key, now); ok && !stored.Owner.Equal(e.Owner) {
		return Unauthorized, Event{}
	}

	if v := r.verify(e.Owner, e.SigningBytes(), e.Signature); v != Accepted {
		return v, Event{}
	}

	if err := r.store.Put(e); err != nil {
		// Expired entries hold no valid data, reclaim them before refusing
		r.sweepLocked(now)
		if err = r.store.Put(e); err != nil {
			log.Warnf("Router: cannot store %s: %v", e.Key.String(), err)
			return CapacityExceeded, Event{}
		}
	}
	r.tracker.Record(e.Key, e.Sequence, now)
	r.metrics.entries.Set(float64(r.store.Len()))
	r.metrics.tracked.Set(float64(r.tracker.Len()))

	return Accepted, Event{Kind: EventAdded, Key: e.Key, Entry: e.Clone(), At: now}
}

func (r *Router) applyRefresh(m *protocol.RefreshMessage, now time.Time) (Verdict, Event) {
	if m.Key.IsZero() || len(m.Signature) == 0 {
		return Malformed, Event{}
	}
	if !r.checkExpiry(m.ExpiresAt, now) {
		return Expired, Event{}
	}

	stored, ok := r.store.Get(m.Key, now)
	if !ok {
		return UnknownKey, Event{}
	}
	if m.Sequence <= r.lastSequenceLocked(m.Key) {
		return Stale, Event{}
	}

	msg := entry.StoreSigningBytes(m.Key, stored.Payload.Digest(), m.Sequence, m.ExpiresAt)
	if v := r.verify(stored.Owner, msg, m.Signature); v != Accepted {
		return v, Event{}
	}

	if err := r.store.Refresh(m.Key, m.Sequence, m.ExpiresAt, m.Signature); err != nil {
		return UnknownKey, Event{}
	}
	r.tracker.Record(m.Key, m.Sequence, now)
	r.metrics.tracked.Set(float64(r.tracker.Len()))

	stored.Sequence = m.Sequence
	stored.ExpiresAt = m.ExpiresAt
	stored.Signature = append([]byte(nil), m.Signature...)
	return Accepted, Event{Kind: EventRefreshed, Key: m.Key, Entry: stored, At: now}
}

func (r *Router) applyRemove(m *protocol.RemoveMessage, now time.Time) (Verdict, Event) {
	if m.Key.IsZero() || len(m.Signature) == 0 {
		return Malformed, Event{}
	}

	stored, ok := r.store.Get(m.Key, now)
	if !ok {
		return UnknownKey, Event{}
	}
	if m.Sequence <= r.lastSequenceLocked(m.Key) {
		return Stale, Event{}
	}

	msg := entry.RemoveSigningBytes(m.Key, stored.Payload.Digest(), m.Sequence)
	if v := r.verify(stored.Owner, msg, m.Signature); v != Accepted {
		return v, Event{}
	}

	if _, err := r.store.Remove(m.Key); err != nil {
		return UnknownKey, Event{}
	}
	r.tracker.Record(m.Key, m.Sequence, now)
	r.metrics.entries.Set(float64(r.store.Len()))
	r.metrics.tracked.Set(float64(r.tracker.Len()))

	return Accepted, Event{Kind: EventRemoved, Key: m.Key, Entry: stored, At: now}
}

// Sweep removes expired entries and forgets watermarks of keys that left the
// store more than TrackerRetention ago. It returns the expired keys.
func (r *Router) Sweep(now time.Time) []oid.Oid {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := r.sweepLocked(now)
	pruned := r.tracker.Prune(now.Add(-r.opts.TrackerRetention), r.store.Contains)
	r.metrics.tracked.Set(float64(r.tracker.Len()))

	if len(expired) > 0 || pruned > 0 {
		log.Debugf("Router: sweep expired %d entries, pruned %d watermarks", len(expired), pruned)
	}
	return expired
}

func (r *Router) sweepLocked(now time.Time) []oid.Oid {
	expired := r.store.Sweep(now)
	for _, key := range expired {
		r.emit(Event{Kind: EventExpired, Key: key, At: now})
	}
	r.metrics.expired.Add(float64(len(expired)))
	r.metrics.entries.Set(float64(r.store.Len()))
	return expired
}

// Watermarks returns the current sequence watermarks for persistence.
func (r *Router) Watermarks() map[oid.Oid]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker.Export()
}

// RestoreWatermarks raises the tracker to persisted watermarks. It must run
// after persisted entries were merged, or they would be refused as stale.
func (r *Router) RestoreWatermarks(marks map[oid.Oid]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.opts.Now()
	for key, seq := range marks {
		r.tracker.Raise(key, seq, now)
	}
	r.metrics.tracked.Set(float64(r.tracker.Len()))
}

func (r *Router) count(msgType string, v Verdict) {
	r.metrics.messages.WithLabelValues(msgType, v.String()).Inc()
}

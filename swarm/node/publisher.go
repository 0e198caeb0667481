package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"p2pstore/crypto/sign"
	"p2pstore/datamodel/entry"
	"p2pstore/oid"
	"p2pstore/swarm/protocol"
	"p2pstore/swarm/router"

	log "github.com/sirupsen/logrus"
)

var ErrNotOwner = errors.New("entry is not owned by this node")

type owned struct {
	entry *entry.Entry
	ttl   time.Duration
}

// Publisher signs and publishes this node's own entries and keeps them alive
// by refreshing them before they expire.
type Publisher struct {
	signer     sign.Signer
	router     *router.Router
	defaultTTL time.Duration
	maxTTL     time.Duration
	margin     time.Duration // Refresh entries expiring within this window
	now        func() time.Time

	mu    sync.Mutex
	owned map[oid.Oid]*owned
}

func NewPublisher(signer sign.Signer, r *router.Router, defaultTTL, maxTTL, margin time.Duration) *Publisher {
	return &Publisher{
		signer:     signer,
		router:     r,
		defaultTTL: defaultTTL,
		maxTTL:     maxTTL,
		margin:     margin,
		now:        time.Now,
		owned:      make(map[oid.Oid]*owned),
	}
}

func (p *Publisher) Mine(owner sign.PublicKey) bool {
	return p.signer.PublicKey().Equal(owner)
}

func (p *Publisher) ttlFor(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = p.defaultTTL
	}
	return min(ttl, p.maxTTL)
}

// Publish signs payload with the next sequence number for its key and runs
// it through the router.
func (p *Publisher) Publish(payload entry.Payload, ttl time.Duration) (*entry.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ttl = p.ttlFor(ttl)
	key := entry.DeriveKey(payload, p.signer.PublicKey())
	seq := p.router.LastSequence(key) + 1

	e, err := entry.New(p.signer, payload, seq, p.now().Add(ttl))
	if err != nil {
		return nil, err
	}
	if err := p.publishAdd(e); err != nil {
		return nil, fmt.Errorf("failed to publish %s: %w", key.String(), err)
	}

	p.owned[key] = &owned{entry: e, ttl: ttl}
	log.Infof("Publisher: published %s (%s, seq %d, expires %s)", key.String(), payload.Type, seq, e.Expiry().Format(time.RFC3339))
	return e, nil
}

// Unpublish removes one of this node's entries from the swarm.
func (p *Publisher) Unpublish(key oid.Oid) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stored, ok := p.router.Store().Get(key, p.now())
	if !ok {
		delete(p.owned, key)
		return 0, fmt.Errorf("%w: %s", router.ErrUnknownKey, key.String())
	}
	if !p.Mine(stored.Owner) {
		return 0, fmt.Errorf("%w: %s", ErrNotOwner, key.String())
	}

	seq := p.router.LastSequence(key) + 1
	sig, err := p.signer.Sign(entry.RemoveSigningBytes(key, stored.Payload.Digest(), seq))
	if err != nil {
		return 0, err
	}
	frame, err := protocol.Encode(protocol.TypeRemove, &protocol.RemoveMessage{Key: key, Sequence: seq, Signature: sig})
	if err != nil {
		return 0, err
	}
	if err := p.router.Publish(frame); err != nil {
		return 0, fmt.Errorf("failed to unpublish %s: %w", key.String(), err)
	}

	delete(p.owned, key)
	log.Infof("Publisher: removed %s (seq %d)", key.String(), seq)
	return seq, nil
}

// Adopt takes over refreshing of own entries found in the store, e.g. after
// a restart restored them from disk.
func (p *Publisher) Adopt(entries []*entry.Entry) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range entries {
		if !p.Mine(e.Owner) {
			continue
		}
		if _, ok := p.owned[e.Key]; ok {
			continue
		}
		p.owned[e.Key] = &owned{entry: e.Clone(), ttl: p.defaultTTL}
		n++
	}
	if n > 0 {
		log.Infof("Publisher: adopted %d own entries", n)
	}
	return n
}

// Refresh extends the lifetime of own entries that expire within the refresh
// margin. Entries that vanished from the store are published again. It is run
// via the RunWithTicker() helper and never fails the node.
func (p *Publisher) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for key, o := range p.owned {
		if ctx.Err() != nil {
			return nil
		}
		if o.entry.Expiry().Sub(now) > p.margin {
			continue
		}

		seq := p.router.LastSequence(key) + 1
		expiresAt := now.Add(o.ttl)
		err := p.refreshOne(o, seq, expiresAt)
		if errors.Is(err, router.ErrUnknownKey) {
			// Expired or evicted before we got to it, re-add from scratch
			var e *entry.Entry
			e, err = entry.New(p.signer, o.entry.Payload, seq, expiresAt)
			if err == nil {
				err = p.publishAdd(e)
			}
			if err == nil {
				o.entry = e
			}
		}
		if err != nil {
			log.Warnf("Publisher: failed to refresh %s: %v", key.String(), err)
			continue
		}
		log.Debugf("Publisher: refreshed %s (seq %d)", key.String(), seq)
	}
	return nil
}

func (p *Publisher) refreshOne(o *owned, seq uint64, expiresAt time.Time) error {
	key := o.entry.Key
	sig, err := p.signer.Sign(entry.StoreSigningBytes(key, o.entry.Payload.Digest(), seq, expiresAt.UnixMilli()))
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(protocol.TypeRefresh, &protocol.RefreshMessage{
		Key:       key,
		Sequence:  seq,
		ExpiresAt: expiresAt.UnixMilli(),
		Signature: sig,
	})
	if err != nil {
		return err
	}
	if err := p.router.Publish(frame); err != nil {
		return err
	}

	refreshed := o.entry.Clone()
	refreshed.Sequence = seq
	refreshed.ExpiresAt = expiresAt.UnixMilli()
	refreshed.Signature = sig
	o.entry = refreshed
	return nil
}

func (p *Publisher) publishAdd(e *entry.Entry) error {
	frame, err := protocol.Encode(protocol.TypeAdd, &protocol.AddMessage{Entry: e})
	if err != nil {
		return err
	}
	return p.router.Publish(frame)
}

// Owned lists the keys this node keeps alive.
func (p *Publisher) Owned() []oid.Oid {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]oid.Oid, 0, len(p.owned))
	for k := range p.owned {
		keys = append(keys, k)
	}
	return keys
}

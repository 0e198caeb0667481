package entry

import (
	"crypto/sha256"
	"time"

	"p2pstore/crypto/sign"
	"p2pstore/oid"

	"github.com/fxamacker/cbor/v2"
)

const (
	domainStore  = "p2pstore/store"
	domainRemove = "p2pstore/remove"
)

// Canonical encoding so that every peer derives identical keys and signed bytes.
var canonical cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	canonical = em
}

// Payload is opaque application data with a type tag, e.g. "offer" or "trade-statistics".
type Payload struct {
	Type string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// Digest returns sha256 over the canonical encoding of the payload.
func (p Payload) Digest() [32]byte {
	raw, _ := canonical.Marshal(p)
	return sha256.Sum256(raw)
}

func (p Payload) Size() int {
	return len(p.Type) + len(p.Data)
}

// Entry is a signed, expiring record replicated across the swarm.
type Entry struct {
	Key       oid.Oid        `cbor:"1,keyasint"`
	Payload   Payload        `cbor:"2,keyasint"`
	Owner     sign.PublicKey `cbor:"3,keyasint"`
	Sequence  uint64         `cbor:"4,keyasint"`
	Signature []byte         `cbor:"5,keyasint"`
	ExpiresAt int64          `cbor:"6,keyasint"` // Unix milliseconds, signed
}

// DeriveKey computes the content-derived key of a payload published by owner.
func DeriveKey(p Payload, owner sign.PublicKey) oid.Oid {
	raw, _ := canonical.Marshal([]any{p.Type, p.Data, []byte(owner)})
	return oid.FromContent(oid.OidTypeEntry, raw)
}

// Expired reports whether the entry is logically absent at the given time.
func (e *Entry) Expired(now time.Time) bool {
	return now.UnixMilli() >= e.ExpiresAt
}

func (e *Entry) Expiry() time.Time {
	return time.UnixMilli(e.ExpiresAt)
}

// Clone returns a deep copy, so stored entries are never shared with callers.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Payload.Data = append([]byte(nil), e.Payload.Data...)
	c.Owner = append(sign.PublicKey(nil), e.Owner...)
	c.Signature = append([]byte(nil), e.Signature...)
	return &c
}

// StoreSigningBytes are the bytes signed by Add and Refresh messages. Both
// operations sign the same tuple, so a refreshed entry remains a valid Add.
func StoreSigningBytes(key oid.Oid, payloadDigest [32]byte, seq uint64, expiresAt int64) []byte {
	raw, _ := canonical.Marshal([]any{domainStore, key, payloadDigest[:], seq, expiresAt})
	return raw
}

// RemoveSigningBytes are the bytes signed by Remove messages.
func RemoveSigningBytes(key oid.Oid, payloadDigest [32]byte, seq uint64) []byte {
	raw, _ := canonical.Marshal([]any{domainRemove, key, payloadDigest[:], seq})
	return raw
}

// SigningBytes returns the bytes the entry's signature must cover.
func (e *Entry) SigningBytes() []byte {
	return StoreSigningBytes(e.Key, e.Payload.Digest(), e.Sequence, e.ExpiresAt)
}

// New builds and signs a fresh entry for the signer's key.
func New(signer sign.Signer, p Payload, seq uint64, expiresAt time.Time) (*Entry, error) {
	e := &Entry{
		Payload:   p,
		Owner:     signer.PublicKey(),
		Sequence:  seq,
		ExpiresAt: expiresAt.UnixMilli(),
	}
	e.Key = DeriveKey(p, e.Owner)

	sig, err := signer.Sign(e.SigningBytes())
	if err != nil {
		return nil, err
	}
	e.Signature = sig
	return e, nil
}

// Index persists accepted entries and sequence watermarks between restarts.
type Index interface {
	// Load returns every persisted entry and the persisted watermarks.
	Load() ([]*Entry, map[oid.Oid]uint64, error)

	// Replace atomically swaps the persisted state for the given one.
	Replace(entries []*Entry, watermarks map[oid.Oid]uint64) error

	Close() error
}

package router

import (
	"errors"

	"p2pstore/swarm/protocol"
	"p2pstore/swarm/store"
)

var (
	ErrDuplicate           = errors.New("message already seen")
	ErrStale               = errors.New("sequence number not above last accepted")
	ErrExpired             = errors.New("entry expiry outside accepted window")
	ErrBadSignature        = errors.New("signature verification failed")
	ErrUnauthorized        = errors.New("mutation not signed by the entry owner")
	ErrVerifierUnavailable = errors.New("signature verifier unavailable")
	ErrUnknownKey          = errors.New("no live entry for key")
	ErrUnknownPeer         = errors.New("unknown peer")
)

// Verdict is the outcome of processing one inbound frame.
type Verdict int

const (
	Accepted Verdict = iota
	Duplicate
	VersionMismatch
	Malformed
	Expired
	Stale
	UnknownKey
	Unauthorized
	BadSignature
	VerifierUnavailable
	CapacityExceeded
	Served
	Merged
)

func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case VersionMismatch:
		return "version-mismatch"
	case Malformed:
		return "malformed"
	case Expired:
		return "expired"
	case Stale:
		return "stale"
	case UnknownKey:
		return "unknown-key"
	case Unauthorized:
		return "unauthorized"
	case BadSignature:
		return "bad-signature"
	case VerifierUnavailable:
		return "verifier-unavailable"
	case CapacityExceeded:
		return "capacity-exceeded"
	case Served:
		return "served"
	case Merged:
		return "merged"
	default:
		return "unknown"
	}
}

// Err maps the verdict to the error reported to local publishers.
func (v Verdict) Err() error {
	switch v {
	case Accepted, Served, Merged:
		return nil
	case Duplicate:
		return ErrDuplicate
	case VersionMismatch:
		return protocol.ErrVersionMismatch
	case Malformed:
		return protocol.ErrMalformed
	case Expired:
		return ErrExpired
	case Stale:
		return ErrStale
	case UnknownKey:
		return ErrUnknownKey
	case Unauthorized:
		return ErrUnauthorized
	case BadSignature:
		return ErrBadSignature
	case VerifierUnavailable:
		return ErrVerifierUnavailable
	case CapacityExceeded:
		return store.ErrCapacityExceeded
	default:
		return errors.New(v.String())
	}
}

// retryable verdicts leave the message unmarked so a later copy is validated
// again. UnknownKey is one of them: a Refresh or Remove can overtake its Add.
func (v Verdict) retryable() bool {
	return v == VerifierUnavailable || v == CapacityExceeded || v == UnknownKey
}

package protocol

import (
	"time"

	"p2pstore/oid"
)

// Control RPC messages exchanged between the CLI and a running node.

type PublishRequest struct {
	Type string        `cbor:"1,keyasint"`
	Data []byte        `cbor:"2,keyasint"`
	TTL  time.Duration `cbor:"3,keyasint,omitempty"` // 0 selects the node default
}

type PublishResponse struct {
	Key       oid.Oid `cbor:"1,keyasint"`
	Sequence  uint64  `cbor:"2,keyasint"`
	ExpiresAt int64   `cbor:"3,keyasint"`
}

type UnpublishRequest struct {
	Key oid.Oid `cbor:"1,keyasint"`
}

type UnpublishResponse struct {
	Sequence uint64 `cbor:"1,keyasint"`
}

type ListRequest struct {
	Type string `cbor:"1,keyasint,omitempty"` // Only entries with this payload type, all if empty
}

type EntryInfo struct {
	Key       oid.Oid `cbor:"1,keyasint"`
	Type      string  `cbor:"2,keyasint"`
	Data      []byte  `cbor:"3,keyasint,omitempty"`
	Owner     string  `cbor:"4,keyasint"`
	Sequence  uint64  `cbor:"5,keyasint"`
	ExpiresAt int64   `cbor:"6,keyasint"`
	Mine      bool    `cbor:"7,keyasint,omitempty"`
}

type ListResponse struct {
	Entries []EntryInfo `cbor:"1,keyasint,omitempty"`
}

type PeersRequest struct{}

type PeerInfo struct {
	ID        string `cbor:"1,keyasint"`
	Outbound  bool   `cbor:"2,keyasint,omitempty"`
	Connected int64  `cbor:"3,keyasint"` // Unix seconds
	Dropped   uint64 `cbor:"4,keyasint,omitempty"`
}

type PeersResponse struct {
	Peers []PeerInfo `cbor:"1,keyasint,omitempty"`
}

package node

import (
	"time"

	"p2pstore/oid"
)

// Metadata describes a swarm node we have heard about, either from a LAN
// announcement or from the static peer list.
type Metadata struct {
	NodeID    oid.Oid   `cbor:"1,keyasint"`           // Node identifier, derived from its public key
	Addresses []string  `cbor:"2,keyasint,omitempty"` // Node peer listener addresses
	LastSeen  time.Time `cbor:"3,keyasint,omitempty"` // Last time we heard from this node
}

// NodeIndex defines the interface for managing metadata about known nodes.
type NodeIndex interface {
	// Get retrieves the metadata for a node, given the node's OID.
	Get(*oid.Oid) (*Metadata, error)

	// Seen records a sighting of a node, never moving LastSeen backwards.
	Seen(*Metadata) error

	// Live returns the nodes heard from since the cutoff and forgets the
	// others.
	Live(cutoff time.Time) ([]*Metadata, error)
}

// Stale reports whether the node has not been heard from since the cutoff.
func (m *Metadata) Stale(cutoff time.Time) bool {
	return m.LastSeen.Before(cutoff)
}

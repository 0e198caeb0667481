package node

import (
	"errors"
	"sort"
	"sync"

	"p2pstore/swarm/peer"
	"p2pstore/swarm/protocol"
)

var ErrTooManyPeers = errors.New("peer limit reached")

// PeerRegistry tracks live swarm connections. Outbound peers are also indexed
// by the address they were dialed at, so redials can skip them.
type PeerRegistry struct {
	mu       sync.Mutex
	max      int
	peers    map[string]*peer.Peer
	outbound map[string]*peer.Peer
}

func NewPeerRegistry(max int) *PeerRegistry {
	return &PeerRegistry{
		max:      max,
		peers:    make(map[string]*peer.Peer),
		outbound: make(map[string]*peer.Peer),
	}
}

// Add registers p. dialAddr is empty for inbound connections.
func (r *PeerRegistry) Add(p *peer.Peer, dialAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.max > 0 && len(r.peers) >= r.max {
		return ErrTooManyPeers
	}
	r.peers[p.ID()] = p
	if dialAddr != "" {
		r.outbound[dialAddr] = p
	}
	return nil
}

func (r *PeerRegistry) Remove(p *peer.Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, p.ID())
	for addr, op := range r.outbound {
		if op == p {
			delete(r.outbound, addr)
		}
	}
}

// Dialed reports whether an outbound connection to addr is up.
func (r *PeerRegistry) Dialed(addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.outbound[addr]
	return ok
}

func (r *PeerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Info describes every live peer, ordered by id.
func (r *PeerRegistry) Info() []protocol.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]protocol.PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, protocol.PeerInfo{
			ID:        p.ID(),
			Outbound:  p.Outbound(),
			Connected: p.Connected().Unix(),
			Dropped:   p.Dropped(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

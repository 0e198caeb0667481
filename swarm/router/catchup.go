package router

import (
	"fmt"

	"p2pstore/datamodel/entry"
	"p2pstore/net/frame"
	"p2pstore/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

// Snapshot chunks stay well below the frame limit whatever the chunk size.
const maxChunkBytes = frame.MaxFrameSize / 2

// wireSize estimates the encoded size of e.
func wireSize(e *entry.Entry) int {
	return len(e.Payload.Type) + len(e.Payload.Data) + len(e.Owner) + len(e.Signature) + 64
}

// chunkLen is the number of leading entries that fit into one chunk. It is
// at least one so every entry is served.
func chunkLen(entries []*entry.Entry, limit int) int {
	n, size := 0, 0
	for n < len(entries) && n < limit {
		s := wireSize(entries[n])
		if n > 0 && size+s > maxChunkBytes {
			break
		}
		size += s
		n++
	}
	return n
}

// RequestSnapshot asks a registered peer for its full store. Called once a
// connection is up so a rejoining node catches up without waiting for refreshes.
func (r *Router) RequestSnapshot(peerID string) error {
	frame, err := protocol.Encode(protocol.TypeSnapshotRequest, &protocol.SnapshotRequest{
		ChunkSize: uint32(r.opts.SnapshotChunkSize),
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	p, ok := r.peers[peerID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peerID)
	}

	p.Send(frame)
	return nil
}

// serveSnapshot answers a snapshot request with every live entry, chunked,
// to the requester only.
func (r *Router) serveSnapshot(from string, env *protocol.Envelope) Verdict {
	req := &protocol.SnapshotRequest{}
	if err := env.DecodeBody(req); err != nil {
		return Malformed
	}

	r.mu.Lock()
	p, ok := r.peers[from]
	r.mu.Unlock()
	if !ok {
		log.Debugf("Router: snapshot request from unregistered peer %q", from)
		return Malformed
	}

	chunkSize := r.opts.SnapshotChunkSize
	if req.ChunkSize > 0 && int(req.ChunkSize) < chunkSize {
		chunkSize = int(req.ChunkSize)
	}

	entries := r.store.Snapshot(r.opts.Now())
	p.Stream(snapshotStream(from, entries, chunkSize))
	return Served
}

// snapshotStream encodes entries into response chunks on demand, so a large
// store is paced by the requester's connection instead of its send queue.
func snapshotStream(to string, entries []*entry.Entry, chunkSize int) func() []byte {
	chunk := uint32(0)
	done := false
	return func() []byte {
		if done {
			return nil
		}
		n := chunkLen(entries, chunkSize)
		resp := &protocol.SnapshotResponse{
			Chunk:   chunk,
			Last:    n == len(entries),
			Entries: entries[:n],
		}
		frame, err := protocol.Encode(protocol.TypeSnapshotResponse, resp)
		if err != nil {
			log.Errorf("Router: failed to encode snapshot chunk %d for %s: %v", chunk, to, err)
			done = true
			return nil
		}

		entries = entries[n:]
		chunk++
		if resp.Last {
			done = true
			log.Debugf("Router: served %d snapshot chunks to %s", chunk, to)
		}
		return frame
	}
}

func (r *Router) mergeSnapshotResponse(from string, env *protocol.Envelope) Verdict {
	resp := &protocol.SnapshotResponse{}
	if err := env.DecodeBody(resp); err != nil {
		return Malformed
	}

	accepted := r.MergeSnapshot(resp.Entries)
	log.Debugf("Router: merged %d/%d entries of snapshot chunk %d from %s", accepted, len(resp.Entries), resp.Chunk, from)
	return Merged
}

// MergeSnapshot runs each entry through the Add validation and stores the
// valid ones. Merged entries are not flooded: neighbors catch up on their own
// connections. It returns the number of accepted entries.
func (r *Router) MergeSnapshot(entries []*entry.Entry) int {
	accepted := 0
	for _, e := range entries {
		if e == nil {
			r.count("snapshot-entry", Malformed)
			continue
		}

		r.mu.Lock()
		v, ev := r.applyAdd(e, r.opts.Now())
		if v == Accepted {
			accepted++
			r.markMergedLocked(e)
			r.emit(ev)
		}
		r.mu.Unlock()

		r.count("snapshot-entry", v)
	}
	return accepted
}

// markMergedLocked records the Add that carries e as seen, so live copies of
// it are answered from the dedup cache instead of being verified again.
func (r *Router) markMergedLocked(e *entry.Entry) {
	id, err := protocol.MessageID(protocol.TypeAdd, &protocol.AddMessage{Entry: e})
	if err != nil {
		return
	}
	r.seen.mark(id, localPeer)
}

package node

import (
	"fmt"

	"p2pstore/datamodel/entry"
	"p2pstore/net/crpc"
	"p2pstore/swarm/protocol"
	"p2pstore/swarm/router"
	"p2pstore/swarm/store"

	log "github.com/sirupsen/logrus"
)

func init() {
	crpc.RegisterError("capacity", store.ErrCapacityExceeded)
	crpc.RegisterError("not-found", store.ErrNotFound)
	crpc.RegisterError("unknown-key", router.ErrUnknownKey)
	crpc.RegisterError("stale", router.ErrStale)
	crpc.RegisterError("expired", router.ErrExpired)
	crpc.RegisterError("bad-signature", router.ErrBadSignature)
	crpc.RegisterError("verifier", router.ErrVerifierUnavailable)
	crpc.RegisterError("malformed", protocol.ErrMalformed)
	crpc.RegisterError("not-owner", ErrNotOwner)
}

// Control is the local control RPC service used by the CLI.
type Control struct {
	node *Node
}

// RPC: Control.Publish
func (s *Control) Publish(req *protocol.PublishRequest, res *protocol.PublishResponse) error {
	if req.Type == "" {
		return fmt.Errorf("%w: payload type is required", protocol.ErrMalformed)
	}
	log.Debugf("Control.Publish: %s, %d bytes", req.Type, len(req.Data))

	e, err := s.node.Publisher.Publish(entry.Payload{Type: req.Type, Data: req.Data}, req.TTL)
	if err != nil {
		return err
	}
	res.Key = e.Key
	res.Sequence = e.Sequence
	res.ExpiresAt = e.ExpiresAt
	return nil
}

// RPC: Control.Unpublish
func (s *Control) Unpublish(req *protocol.UnpublishRequest, res *protocol.UnpublishResponse) error {
	log.Debugf("Control.Unpublish: %s", req.Key.String())

	seq, err := s.node.Publisher.Unpublish(req.Key)
	if err != nil {
		return err
	}
	res.Sequence = seq
	return nil
}

// RPC: Control.List
func (s *Control) List(req *protocol.ListRequest, res *protocol.ListResponse) error {
	for _, e := range s.node.Router.Store().Snapshot(s.node.now()) {
		if req.Type != "" && e.Payload.Type != req.Type {
			continue
		}
		res.Entries = append(res.Entries, protocol.EntryInfo{
			Key:       e.Key,
			Type:      e.Payload.Type,
			Data:      e.Payload.Data,
			Owner:     e.Owner.String(),
			Sequence:  e.Sequence,
			ExpiresAt: e.ExpiresAt,
			Mine:      s.node.Publisher.Mine(e.Owner),
		})
	}
	return nil
}

// RPC: Control.Peers
func (s *Control) Peers(req *protocol.PeersRequest, res *protocol.PeersResponse) error {
	res.Peers = s.node.Registry.Info()
	return nil
}

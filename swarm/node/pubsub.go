package node

import (
	"context"
	"net"

	"p2pstore/datamodel/node"
	"p2pstore/net/mpubsub"
	"p2pstore/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

const TopicPeerAnnouncement = "PubSub.PeerAnnouncement"

func (n *Node) subscribe(ps *mpubsub.PubSub) {
	mpubsub.Subscribe(ps, TopicPeerAnnouncement, n.handlePeerAnnouncement)
}

// This is run via the RunWithTicker() helper
func (n *Node) publishPeerAnnouncement(ctx context.Context) error {
	if len(n.Addresses) == 0 {
		return nil
	}

	msg := &protocol.PeerAnnouncementMessage{
		NodeID:    n.NodeID,
		Addresses: n.Addresses,
		Version:   protocol.Version,
		Entries:   uint64(n.Router.Store().Len()),
	}
	if err := n.PubSub.Publish(TopicPeerAnnouncement, msg); err != nil {
		log.Errorf("Failed to publish peer announcement: %v", err)
	}
	return nil
}

func (n *Node) handlePeerAnnouncement(src *net.UDPAddr, msg *protocol.PeerAnnouncementMessage) {
	// Check if we received our own announcement
	if msg.NodeID == n.NodeID {
		return
	}
	if len(msg.Addresses) == 0 {
		log.Debugf("PeerAnnouncement from %s (%s) carries no addresses", msg.NodeID.String(), src)
		return
	}
	if err := protocol.CheckVersion(msg.Version); err != nil {
		log.Warnf("PeerAnnouncement from %s: %v", msg.NodeID.String(), err)
		return
	}

	log.Debugf("PeerAnnouncement: node: %s, addresses: %s, entries: %d", msg.NodeID.String(), msg.Addresses, msg.Entries)

	err := n.NodeIndex.Seen(&node.Metadata{
		NodeID:    msg.NodeID,
		Addresses: msg.Addresses,
		LastSeen:  n.now(),
	})
	if err != nil {
		log.Errorf("Failed to store node metadata: %v", err)
	}

	// Only one side of a pair dials, so two nodes finding each other end up
	// with a single connection
	if n.NodeID.String() < msg.NodeID.String() {
		n.connectAsync(msg.Addresses[0])
	}
}

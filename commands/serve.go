package commands

import (
	"context"
	"net"

	"p2pstore/config"
	"p2pstore/datastore/leveldb"
	"p2pstore/net/crpc"
	"p2pstore/net/mpubsub"
	"p2pstore/swarm/node"

	log "github.com/sirupsen/logrus"
)

func RunServe(ctx context.Context, cfg *config.Config) {
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Refusing to start: %v", err)
	}

	// Creating storage
	entries, err := leveldb.NewEntryIndex(cfg.DataStore.EntryIndexPath)
	if err != nil {
		log.Fatalf("Failed to create entry index: %v", err)
	}
	defer entries.Close()

	nodes, err := leveldb.NewNodeIndex(cfg.DataStore.NodeIndexPath)
	if err != nil {
		log.Fatalf("Failed to create node index: %v", err)
	}
	defer nodes.Close()

	// Swarm listener
	ln, err := net.Listen("tcp", cfg.Network.ListenAddress)
	if err != nil {
		log.Fatalf("Failed to create swarm listener: %v", err)
	}

	// Create the control RPC server and listener
	var rsrv *crpc.Server
	if cfg.Network.ControlAddress != "" {
		rpcl, err := net.Listen("tcp", cfg.Network.ControlAddress)
		if err != nil {
			log.Fatalf("Failed to create control listener: %v", err)
		}
		rsrv = crpc.NewServer(rpcl)
		log.Infof("Control server listening on %s", rsrv.Addr())
	}

	// Create pubsub
	var pubsub *mpubsub.PubSub
	if cfg.Network.MulticastGroup != "" {
		pubsub, err = mpubsub.Join(cfg.Network.MulticastGroup)
		if err != nil {
			log.Fatalf("Failed to join multicast group %s: %v", cfg.Network.MulticastGroup, err)
		}
		defer pubsub.Close()
	}

	// Create the node
	n, err := node.New(cfg, cfg.Node.PrivateKey.PrivateKey, entries, nodes, ln, rsrv, pubsub)
	if err != nil {
		log.Fatalf("Failed to create node: %v", err)
	}

	// Run the node
	if err := n.Run(ctx); err != nil {
		log.Errorf("Node stopped: %v", err)
		return
	}
	log.Info("Node stopped")
}

// Package node assembles a store node: the swarm listener and its peers, the
// router, the local publisher, persistence, LAN discovery and the control RPC.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"p2pstore/config"
	"p2pstore/crypto/sign"
	"p2pstore/datamodel/entry"
	"p2pstore/datamodel/node"
	"p2pstore/helper/timer"
	"p2pstore/net/crpc"
	"p2pstore/net/mpubsub"
	"p2pstore/net/netutil"
	"p2pstore/oid"
	"p2pstore/swarm/peer"
	"p2pstore/swarm/router"
	"p2pstore/swarm/seqtrack"
	"p2pstore/swarm/store"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	log "github.com/sirupsen/logrus"
)

// Known nodes not heard from for this long are no longer redialed.
const nodeExpiry = 24 * time.Hour

type Node struct {
	// Node ID
	NodeID    oid.Oid
	Addresses []string

	cfg *config.Config

	// Storage
	Router    *router.Router
	Entries   entry.Index
	NodeIndex node.NodeIndex

	// Networking
	Listener  net.Listener
	RpcServer *crpc.Server
	PubSub    *mpubsub.PubSub // nil when LAN discovery is disabled
	Registry  *PeerRegistry

	Publisher *Publisher

	registry    *prometheus.Registry
	peerOptions peer.Options

	// Helpers
	sg    singleflight.Group
	ctx   context.Context // set by Run, parent of all peer connections
	peers sync.WaitGroup
	now   func() time.Time
}

func New(cfg *config.Config, signer sign.Signer, entries entry.Index, nodeindex node.NodeIndex, listener net.Listener, rpcServer *crpc.Server, pubsub *mpubsub.PubSub) (*Node, error) {
	tracker, err := seqtrack.New(cfg.Store.TrackerSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create sequence tracker: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r, err := router.New(store.New(cfg.Store.Capacity), tracker, sign.StandardVerifier{}, router.Options{
		MaxPayloadSize:    cfg.Store.MaxPayloadSize,
		MaxTTL:            cfg.Store.MaxTTL.D(),
		ClockSkew:         cfg.Store.ClockSkew.D(),
		DedupSize:         cfg.Store.DedupSize,
		TrackerRetention:  cfg.Store.TrackerRetention.D(),
		SnapshotChunkSize: cfg.Store.SnapshotChunkSize,
		Registerer:        reg,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		NodeID:    oid.FromContent(oid.OidTypeNode, signer.PublicKey()),
		cfg:       cfg,
		Router:    r,
		Entries:   entries,
		NodeIndex: nodeindex,
		Listener:  listener,
		RpcServer: rpcServer,
		PubSub:    pubsub,
		Registry:  NewPeerRegistry(cfg.Network.MaxPeers),
		registry:  reg,
		ctx:       context.Background(),
		now:       time.Now,
		peerOptions: peer.Options{
			QueueSize: cfg.Network.QueueSize,
			Dropped:   newDroppedCounter(reg),
		},
	}

	// Refresh margin of two ticks, so a late tick still finds the entry alive
	n.Publisher = NewPublisher(signer, r, cfg.Store.DefaultTTL.D(), cfg.Store.MaxTTL.D(), 2*cfg.Timers.Refresh.D())

	if cfg.Network.AdvertisedAddress != "" {
		n.Addresses = []string{cfg.Network.AdvertisedAddress}
	} else {
		n.Addresses = netutil.AdvertisedAddrs(listener)
	}
	if len(n.Addresses) == 0 {
		log.Warnf("No non-loopback addresses found for %s, LAN announcements disabled", listener.Addr())
	}

	if rpcServer != nil {
		if err := rpcServer.Register(&Control{node: n}); err != nil {
			return nil, err
		}
	}
	if pubsub != nil {
		n.subscribe(pubsub)
	}

	log.Infof("I am %s, listening on %s", n.NodeID.String(), n.Addresses)
	return n, nil
}

func (n *Node) interval(d config.Duration) timer.Interval {
	return timer.Interval{Duration: d.D(), Jitter: n.cfg.Timers.Jitter.D()}
}

func (n *Node) Run(ctx context.Context) error {
	if err := n.restore(); err != nil {
		return err
	}

	wg, cctx := errgroup.WithContext(ctx)
	n.ctx = cctx

	wg.Go(func() error {
		return netutil.Serve(cctx, n.Listener, "swarm", n.handleInbound)
	})

	wg.Go(func() error {
		return n.watch(cctx)
	})

	if n.RpcServer != nil {
		wg.Go(func() error {
			return n.RpcServer.Serve(cctx)
		})
	}

	if n.PubSub != nil {
		wg.Go(func() error {
			return n.PubSub.Listen(cctx)
		})
		wg.Go(func() error {
			return timer.RunWithTicker(cctx, "announce", n.interval(n.cfg.Timers.Announce), n.publishPeerAnnouncement)
		})
	}

	if n.cfg.Network.MetricsAddress != "" {
		wg.Go(func() error {
			return n.serveMetrics(cctx, n.cfg.Network.MetricsAddress)
		})
	}

	wg.Go(func() error {
		return timer.RunWithTicker(cctx, "sweep", n.interval(n.cfg.Timers.Sweep), n.sweep)
	})
	wg.Go(func() error {
		return timer.RunWithTicker(cctx, "persist", n.interval(n.cfg.Timers.Persist), n.persist)
	})
	wg.Go(func() error {
		return timer.RunWithTicker(cctx, "refresh", n.interval(n.cfg.Timers.Refresh), n.Publisher.Refresh)
	})

	redial := n.interval(n.cfg.Timers.Redial)
	redial.Immediate = true
	wg.Go(func() error {
		return timer.RunWithTicker(cctx, "redial", redial, n.redial)
	})

	err := wg.Wait()
	n.peers.Wait()

	// Keep what we have for the next start
	n.persist(context.Background())

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watch logs every change the router applies to the store.
func (n *Node) watch(ctx context.Context) error {
	events, cancel := n.Router.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			fields := log.Fields{"key": ev.Key.String(), "event": ev.Kind.String()}
			if ev.Entry != nil {
				fields["type"] = ev.Entry.Payload.Type
				fields["seq"] = ev.Entry.Sequence
			}
			log.WithFields(fields).Debug("Store changed")
		}
	}
}

// This is run via the RunWithTicker() helper
func (n *Node) sweep(ctx context.Context) error {
	n.Router.Sweep(n.now())
	return nil
}

func (n *Node) handleInbound(ctx context.Context, conn net.Conn) {
	n.peers.Add(1)
	defer n.peers.Done()

	p := peer.New(conn, false, n.peerOptions)
	if err := n.Registry.Add(p, ""); err != nil {
		log.Warnf("Refusing peer %s: %v", p.ID(), err)
		p.Close()
		return
	}
	n.runPeer(ctx, p)
}

// runPeer serves a registered peer until its connection ends. A snapshot is
// requested as soon as the peer is routed so both sides catch up.
func (n *Node) runPeer(ctx context.Context, p *peer.Peer) {
	defer n.Registry.Remove(p)

	n.Router.AddPeer(p)
	defer n.Router.RemovePeer(p.ID())

	if err := n.Router.RequestSnapshot(p.ID()); err != nil {
		log.Errorf("Failed to request snapshot from %s: %v", p.ID(), err)
	}

	log.Infof("Peer %s connected (outbound: %t)", p.ID(), p.Outbound())
	err := p.Run(ctx, func(from string, frame []byte) {
		n.Router.Handle(from, frame)
	})
	if err != nil {
		log.Infof("Peer %s disconnected: %v", p.ID(), err)
		return
	}
	log.Infof("Peer %s disconnected", p.ID())
}

// Connect dials addr unless a connection to it is already up. Concurrent
// calls for the same address collapse into one dial.
func (n *Node) Connect(ctx context.Context, addr string) error {
	if n.Registry.Dialed(addr) || n.isSelf(addr) {
		return nil
	}

	_, err, _ := n.sg.Do(addr, func() (interface{}, error) {
		if n.Registry.Dialed(addr) {
			return nil, nil
		}
		p, err := peer.Dial(ctx, addr, n.cfg.Network.DialTimeout.D(), n.peerOptions)
		if err != nil {
			return nil, err
		}

		// Register before returning so the next caller sees the connection
		if err := n.Registry.Add(p, addr); err != nil {
			p.Close()
			return nil, err
		}

		n.peers.Add(1)
		go func() {
			defer n.peers.Done()
			n.runPeer(n.ctx, p)
		}()
		return nil, nil
	})
	return err
}

func (n *Node) connectAsync(addr string) {
	go func() {
		if err := n.Connect(n.ctx, addr); err != nil {
			log.Debugf("Failed to connect to %s: %v", addr, err)
		}
	}()
}

func (n *Node) isSelf(addr string) bool {
	for _, a := range n.Addresses {
		if a == addr {
			return true
		}
	}
	return false
}

// This is run via the RunWithTicker() helper
func (n *Node) redial(ctx context.Context) error {
	addrs := append([]string(nil), n.cfg.Network.StaticPeers...)

	known, err := n.NodeIndex.Live(n.now().Add(-nodeExpiry))
	if err != nil {
		log.Errorf("Failed to read node index: %v", err)
	}
	for _, md := range known {
		if md.NodeID.String() > n.NodeID.String() && len(md.Addresses) > 0 {
			addrs = append(addrs, md.Addresses[0])
		}
	}

	for _, addr := range addrs {
		if ctx.Err() != nil {
			return nil
		}
		if err := n.Connect(ctx, addr); err != nil {
			log.Debugf("Redial %s failed: %v", addr, err)
		}
	}
	return nil
}

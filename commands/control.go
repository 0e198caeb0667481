package commands

import (
	"context"
	"time"

	"p2pstore/config"
	"p2pstore/net/crpc"
	"p2pstore/oid"
	"p2pstore/swarm/protocol"

	log "github.com/sirupsen/logrus"
)

func dialControl(ctx context.Context, cfg *config.Config) *crpc.Client {
	if cfg.Network.ControlAddress == "" {
		log.Fatal("Control address not configured")
	}
	client, err := crpc.Dial(ctx, cfg.Network.ControlAddress, cfg.Network.DialTimeout.D())
	if err != nil {
		log.Fatalf("Failed to connect to node at %s: %v", cfg.Network.ControlAddress, err)
	}
	return client
}

func RunPublish(ctx context.Context, cfg *config.Config, payloadType, data string, ttl time.Duration) {
	client := dialControl(ctx, cfg)
	defer client.Close()

	req := &protocol.PublishRequest{Type: payloadType, Data: []byte(data), TTL: ttl}
	res := &protocol.PublishResponse{}
	if err := client.Call(ctx, "Control.Publish", req, res); err != nil {
		log.Fatalf("Publish failed: %v", err)
	}
	log.Infof("Published %s, seq: %d, expires: %s", res.Key.String(), res.Sequence, time.UnixMilli(res.ExpiresAt).Format(time.RFC3339))
}

func RunUnpublish(ctx context.Context, cfg *config.Config, key string) {
	k, err := oid.FromString(key)
	if err != nil {
		log.Fatalf("Invalid key %q: %v", key, err)
	}

	client := dialControl(ctx, cfg)
	defer client.Close()

	res := &protocol.UnpublishResponse{}
	if err := client.Call(ctx, "Control.Unpublish", &protocol.UnpublishRequest{Key: *k}, res); err != nil {
		log.Fatalf("Unpublish failed: %v", err)
	}
	log.Infof("Removed %s, seq: %d", key, res.Sequence)
}

func RunList(ctx context.Context, cfg *config.Config, payloadType string) {
	client := dialControl(ctx, cfg)
	defer client.Close()

	res := &protocol.ListResponse{}
	if err := client.Call(ctx, "Control.List", &protocol.ListRequest{Type: payloadType}, res); err != nil {
		log.Fatalf("List failed: %v", err)
	}

	log.Infof("%d entries", len(res.Entries))
	for _, e := range res.Entries {
		log.Infof("Entry: %s, type: %s, owner: %s, seq: %d, expires in: %v, mine: %t, data: %q",
			e.Key.String(), e.Type, e.Owner, e.Sequence, time.Until(time.UnixMilli(e.ExpiresAt)).Round(time.Second), e.Mine, e.Data)
	}
}

func RunPeers(ctx context.Context, cfg *config.Config) {
	client := dialControl(ctx, cfg)
	defer client.Close()

	res := &protocol.PeersResponse{}
	if err := client.Call(ctx, "Control.Peers", &protocol.PeersRequest{}, res); err != nil {
		log.Fatalf("Peers failed: %v", err)
	}

	log.Infof("%d peers connected", len(res.Peers))
	for _, p := range res.Peers {
		log.Infof("Peer: %s, outbound: %t, up: %v, dropped: %d",
			p.ID, p.Outbound, time.Since(time.Unix(p.Connected, 0)).Round(time.Second), p.Dropped)
	}
}

package node

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// restore loads persisted entries through the router's validation pipeline,
// so anything that expired or was tampered with while we were down is dropped.
func (n *Node) restore() error {
	entries, marks, err := n.Entries.Load()
	if err != nil {
		return fmt.Errorf("failed to load entries: %w", err)
	}

	merged := n.Router.MergeSnapshot(entries)
	n.Router.RestoreWatermarks(marks)
	n.Publisher.Adopt(n.Router.Store().Snapshot(n.now()))

	log.Infof("Restored %d of %d persisted entries, %d watermarks", merged, len(entries), len(marks))
	return nil
}

// This is run via the RunWithTicker() helper
func (n *Node) persist(ctx context.Context) error {
	entries := n.Router.Store().Snapshot(n.now())
	marks := n.Router.Watermarks()
	if err := n.Entries.Replace(entries, marks); err != nil {
		log.Errorf("Failed to persist entries: %v", err)
		return nil
	}
	log.Debugf("Persisted %d entries, %d watermarks", len(entries), len(marks))
	return nil
}

package leveldb

import (
	"time"

	"p2pstore/datamodel/node"
	"p2pstore/oid"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixNode = "NOD" // Node metadata indexed by OID. Followed by textual OID representation
)

var _ node.NodeIndex = (*NodeIndex)(nil)

// NodeIndex remembers the swarm nodes we have heard about so they can be
// redialed after a restart.
type NodeIndex struct {
	LevelDB
}

func NewNodeIndex(path string) (*NodeIndex, error) {
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &NodeIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func (l *NodeIndex) Get(id *oid.Oid) (*node.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLocked(id)
}

func (l *NodeIndex) getLocked(id *oid.Oid) (*node.Metadata, error) {
	raw, err := l.db.Get(keyFromOid(keyPrefixNode, id), nil)
	if err != nil {
		return nil, err
	}

	md := &node.Metadata{}
	if err := cbor.Unmarshal(raw, md); err != nil {
		return nil, err
	}
	if md.NodeID != *id {
		log.Errorf("NodeIndex: record for %s holds %s", id.String(), md.NodeID.String())
		return nil, ErrCorrupted
	}
	return md, nil
}

// Seen records a sighting of a node. A sighting older than the stored one
// never moves LastSeen backwards, and one without addresses keeps the
// addresses already known.
func (l *NodeIndex) Seen(md *node.Metadata) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := *md
	if prev, err := l.getLocked(&md.NodeID); err == nil {
		if prev.LastSeen.After(rec.LastSeen) {
			rec.LastSeen = prev.LastSeen
		}
		if len(rec.Addresses) == 0 {
			rec.Addresses = prev.Addresses
		}
	} else if err != leveldb.ErrNotFound {
		log.Warnf("NodeIndex: replacing unreadable record for %s: %v", md.NodeID.String(), err)
	}

	raw, err := cbor.Marshal(&rec)
	if err != nil {
		return err
	}
	return l.db.Put(keyFromOid(keyPrefixNode, &rec.NodeID), raw, nil)
}

// Live returns the nodes heard from since cutoff, ordered by NodeID, and
// forgets the rest. Undecodable records are forgotten too.
func (l *NodeIndex) Live(cutoff time.Time) ([]*node.Metadata, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var live []*node.Metadata
	batch := new(leveldb.Batch)

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixNode)), nil)
	for iter.Next() {
		md := &node.Metadata{}
		if err := cbor.Unmarshal(iter.Value(), md); err != nil {
			log.Warnf("NodeIndex: dropping undecodable record %q: %v", iter.Key(), err)
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		if md.Stale(cutoff) {
			log.Debugf("NodeIndex: forgetting %s, last seen %v", md.NodeID.String(), md.LastSeen)
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		live = append(live, md)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, err
	}

	if batch.Len() > 0 {
		if err := l.db.Write(batch, nil); err != nil {
			return live, err
		}
	}
	return live, nil
}

package leveldb

import (
	"encoding/binary"
	"fmt"

	"p2pstore/datamodel/entry"
	"p2pstore/oid"

	"github.com/fxamacker/cbor/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

const (
	keyPrefixEntry     = "ENT" // Entry indexed by key. Followed by textual OID representation
	keyPrefixWatermark = "SEQ" // Highest accepted sequence number per key. Followed by textual OID representation
)

var _ entry.Index = (*EntryIndex)(nil)

// EntryIndex persists a snapshot of the local store and the sequence tracker.
type EntryIndex struct {
	LevelDB
}

func NewEntryIndex(path string) (*EntryIndex, error) {
	// Init the underlying LevelDB object
	ldb, err := initLevelDb(path)
	if err != nil {
		return nil, err
	}

	return &EntryIndex{
		LevelDB: LevelDB{
			path: path,
			db:   ldb,
		},
	}, nil
}

func (l *EntryIndex) Load() ([]*entry.Entry, map[oid.Oid]uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []*entry.Entry

	iter := l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixEntry)), nil)
	for iter.Next() {
		e := &entry.Entry{}
		if err := cbor.Unmarshal(iter.Value(), e); err != nil {
			iter.Release()
			return nil, nil, err
		}

		// Compare the key just in case
		k, err := oidFromKey(keyPrefixEntry, iter.Key())
		if err != nil || *k != e.Key {
			log.Errorf("Load: entry key mismatch for %q", iter.Key())
			iter.Release()
			return nil, nil, ErrCorrupted
		}

		entries = append(entries, e)
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return nil, nil, err
	}

	watermarks := make(map[oid.Oid]uint64)

	iter = l.db.NewIterator(util.BytesPrefix([]byte(keyPrefixWatermark)), nil)
	defer iter.Release()
	for iter.Next() {
		k, err := oidFromKey(keyPrefixWatermark, iter.Key())
		if err != nil {
			return nil, nil, err
		}
		if len(iter.Value()) != 8 {
			return nil, nil, fmt.Errorf("Load: invalid watermark length for %s: %w", k.String(), ErrCorrupted)
		}
		watermarks[*k] = binary.BigEndian.Uint64(iter.Value())
	}
	if err := iter.Error(); err != nil {
		return nil, nil, err
	}

	return entries, watermarks, nil
}

func (l *EntryIndex) Replace(entries []*entry.Entry, watermarks map[oid.Oid]uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Create a batch for atomic update
	batch := new(leveldb.Batch)

	l.deletePrefix(batch, keyPrefixEntry)
	l.deletePrefix(batch, keyPrefixWatermark)

	for _, e := range entries {
		raw, err := cbor.Marshal(e)
		if err != nil {
			return err
		}
		batch.Put(keyFromOid(keyPrefixEntry, &e.Key), raw)
	}

	for k, seq := range watermarks {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		batch.Put(keyFromOid(keyPrefixWatermark, &k), buf[:])
	}

	return l.db.Write(batch, nil)
}

// Package leveldb implements the entry.Index and node.NodeIndex interfaces
package leveldb

import (
	"fmt"
	"sync"

	"p2pstore/oid"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	log "github.com/sirupsen/logrus"
)

var ErrCorrupted = fmt.Errorf("corrupted")

type LevelDB struct {
	path string
	mu   sync.Mutex
	db   *leveldb.DB
}

func keyFromOid(prefix string, oid *oid.Oid) []byte {
	return append([]byte(prefix), []byte(oid.String())...)
}

func oidFromKey(prefix string, key []byte) (*oid.Oid, error) {
	if len(key) <= len(prefix) || string(key[:len(prefix)]) != prefix {
		return nil, fmt.Errorf("oidFromKey: invalid key prefix: %q", key)
	}
	return oid.FromString(string(key[len(prefix):]))
}

func initLevelDb(path string) (*leveldb.DB, error) {
	opts := &opt.Options{
		Compression: opt.NoCompression,
	}

	// Open or create the new DB
	db, err := leveldb.OpenFile(path, opts)
	if errors.IsCorrupted(err) {
		log.Warnf("LevelDB at %s is corrupted, recovering", path)
		db, err = leveldb.RecoverFile(path, nil)
	}

	if err != nil {
		return nil, err
	}

	log.Infof("Opened LevelDB at %s", path)

	return db, nil
}

// deletePrefix queues a delete for every key under prefix. Lock must be held.
func (l *LevelDB) deletePrefix(batch *leveldb.Batch, prefix string) {
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
}

func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

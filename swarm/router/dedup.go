package router

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// seenSet records, per message id, the peers known to already hold the
// message. The empty peer id stands for the local node.
type seenSet struct {
	cache *lru.Cache[[32]byte, map[string]struct{}]
}

func newSeenSet(size int) (*seenSet, error) {
	cache, err := lru.New[[32]byte, map[string]struct{}](size)
	if err != nil {
		return nil, err
	}
	return &seenSet{cache: cache}, nil
}

// duplicate reports whether id was seen before. If so, from is added to the
// holders of the message so it is never flooded back to it.
func (s *seenSet) duplicate(id [32]byte, from string) bool {
	holders, ok := s.cache.Get(id)
	if !ok {
		return false
	}
	holders[from] = struct{}{}
	return true
}

// mark records id as seen with from as its first holder.
func (s *seenSet) mark(id [32]byte, from string) map[string]struct{} {
	holders := map[string]struct{}{from: {}}
	s.cache.Add(id, holders)
	return holders
}

func (s *seenSet) Len() int {
	return s.cache.Len()
}

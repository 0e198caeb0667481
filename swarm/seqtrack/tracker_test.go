package seqtrack

import (
	"fmt"
	"testing"
	"time"

	"p2pstore/oid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(s string) oid.Oid {
	return oid.FromContent(oid.OidTypeEntry, []byte(s))
}

func TestRecordIsMonotonic(t *testing.T) {
	tr, err := New(16)
	require.NoError(t, err)
	now := time.Now()
	k := key("k")

	_, ok := tr.LastAccepted(k)
	assert.False(t, ok)

	assert.True(t, tr.Record(k, 3, now))
	assert.False(t, tr.Record(k, 3, now), "equal sequence must not be accepted")
	assert.False(t, tr.Record(k, 2, now), "lower sequence must not regress the watermark")
	assert.True(t, tr.Record(k, 4, now))

	seq, ok := tr.LastAccepted(k)
	assert.True(t, ok)
	assert.Equal(t, uint64(4), seq)
}

func TestEvictsLeastRecentlyUpdated(t *testing.T) {
	tr, err := New(3)
	require.NoError(t, err)
	now := time.Now()

	for i := 0; i < 3; i++ {
		tr.Record(key(fmt.Sprint(i)), 1, now)
	}

	// Reading key 0 does not protect it, updating key 1 does
	tr.LastAccepted(key("0"))
	tr.Record(key("1"), 2, now)
	tr.Record(key("3"), 1, now)

	_, ok := tr.LastAccepted(key("0"))
	assert.False(t, ok)
	for _, s := range []string{"1", "2", "3"} {
		_, ok := tr.LastAccepted(key(s))
		assert.True(t, ok, s)
	}
}

func TestPruneKeepsLiveKeys(t *testing.T) {
	tr, err := New(16)
	require.NoError(t, err)
	old := time.Now().Add(-time.Hour)

	tr.Record(key("live"), 1, old)
	tr.Record(key("gone"), 1, old)
	tr.Record(key("fresh"), 1, time.Now())

	n := tr.Prune(time.Now().Add(-time.Minute), func(k oid.Oid) bool { return k == key("live") })
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, tr.Len())

	_, ok := tr.LastAccepted(key("gone"))
	assert.False(t, ok)
}

func TestRaiseAndExport(t *testing.T) {
	tr, err := New(16)
	require.NoError(t, err)
	now := time.Now()

	tr.Record(key("a"), 5, now)
	tr.Raise(key("a"), 2, now)
	tr.Raise(key("b"), 7, now)

	assert.Equal(t, map[oid.Oid]uint64{key("a"): 5, key("b"): 7}, tr.Export())
}

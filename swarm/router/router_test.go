package router

import (
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"p2pstore/crypto/sign"
	"p2pstore/datamodel/entry"
	"p2pstore/oid"
	"p2pstore/swarm/protocol"
	"p2pstore/swarm/seqtrack"
	"p2pstore/swarm/store"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePeer struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (p *fakePeer) ID() string {
	return p.id
}

func (p *fakePeer) Send(frame []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, append([]byte(nil), frame...))
}

// Stream drains next right away, as a peer with an idle connection would.
func (p *fakePeer) Stream(next func() []byte) {
	for f := next(); f != nil; f = next() {
		p.Send(f)
	}
}

func (p *fakePeer) Frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.frames...)
}

type fixture struct {
	r   *Router
	now time.Time
	key *sign.PrivateKey
}

func newFixture(t *testing.T, capacity int, opts Options) *fixture {
	t.Helper()
	f := &fixture{
		now: time.UnixMilli(1_700_000_000_000),
		key: newKey(t),
	}

	tracker, err := seqtrack.New(1024)
	require.NoError(t, err)
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	opts.Now = func() time.Time { return f.now }

	f.r, err = New(store.New(capacity), tracker, sign.StandardVerifier{}, opts)
	require.NoError(t, err)
	return f
}

func newKey(t *testing.T) *sign.PrivateKey {
	t.Helper()
	k, err := sign.GenerateKey(sign.AlgEd25519, rand.Reader)
	require.NoError(t, err)
	return k
}

func payload(data string) entry.Payload {
	return entry.Payload{Type: "offer", Data: []byte(data)}
}

func addFrame(t *testing.T, signer sign.Signer, p entry.Payload, seq uint64, expiresAt time.Time) ([]byte, *entry.Entry) {
	t.Helper()
	e, err := entry.New(signer, p, seq, expiresAt)
	require.NoError(t, err)
	return encodeAdd(t, e), e
}

func encodeAdd(t *testing.T, e *entry.Entry) []byte {
	t.Helper()
	frame, err := protocol.Encode(protocol.TypeAdd, &protocol.AddMessage{Entry: e})
	require.NoError(t, err)
	return frame
}

func refreshFrame(t *testing.T, signer sign.Signer, e *entry.Entry, seq uint64, expiresAt time.Time) []byte {
	t.Helper()
	sig, err := signer.Sign(entry.StoreSigningBytes(e.Key, e.Payload.Digest(), seq, expiresAt.UnixMilli()))
	require.NoError(t, err)
	frame, err := protocol.Encode(protocol.TypeRefresh, &protocol.RefreshMessage{
		Key:       e.Key,
		Sequence:  seq,
		ExpiresAt: expiresAt.UnixMilli(),
		Signature: sig,
	})
	require.NoError(t, err)
	return frame
}

func removeFrame(t *testing.T, signer sign.Signer, e *entry.Entry, seq uint64) []byte {
	t.Helper()
	sig, err := signer.Sign(entry.RemoveSigningBytes(e.Key, e.Payload.Digest(), seq))
	require.NoError(t, err)
	frame, err := protocol.Encode(protocol.TypeRemove, &protocol.RemoveMessage{
		Key:       e.Key,
		Sequence:  seq,
		Signature: sig,
	})
	require.NoError(t, err)
	return frame
}

func TestAcceptedAddIsFloodedExceptToOrigin(t *testing.T) {
	f := newFixture(t, 100, Options{})
	a, b, c := newFakePeer("a"), newFakePeer("b"), newFakePeer("c")
	f.r.AddPeer(a)
	f.r.AddPeer(b)
	f.r.AddPeer(c)

	frame, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour))
	require.Equal(t, Accepted, f.r.Handle("a", frame))

	assert.Empty(t, a.Frames())
	assert.Equal(t, [][]byte{frame}, b.Frames())
	assert.Equal(t, [][]byte{frame}, c.Frames())

	got, ok := f.r.Store().Get(e.Key, f.now)
	require.True(t, ok)
	assert.Equal(t, e.Payload, got.Payload)

	// Echoes and later copies only update the holder set
	assert.Equal(t, Duplicate, f.r.Handle("b", frame))
	assert.Equal(t, Duplicate, f.r.Handle("a", frame))
	assert.Len(t, b.Frames(), 1)
	assert.Len(t, c.Frames(), 1)
	assert.Empty(t, a.Frames())
}

func TestDuplicateSenderIsNeverFloodedTo(t *testing.T) {
	f := newFixture(t, 100, Options{})
	a, b := newFakePeer("a"), newFakePeer("b")
	f.r.AddPeer(a)

	frame, _ := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour))
	require.Equal(t, Accepted, f.r.Handle("a", frame))

	// b connects after the flood and relays the same message
	f.r.AddPeer(b)
	assert.Equal(t, Duplicate, f.r.Handle("b", frame))
	assert.Empty(t, b.Frames())
	assert.Empty(t, a.Frames())
}

func TestPublishFloodsToAllPeers(t *testing.T) {
	f := newFixture(t, 100, Options{})
	a, b := newFakePeer("a"), newFakePeer("b")
	f.r.AddPeer(a)
	f.r.AddPeer(b)

	frame, _ := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour))
	require.NoError(t, f.r.Publish(frame))
	assert.Len(t, a.Frames(), 1)
	assert.Len(t, b.Frames(), 1)

	assert.ErrorIs(t, f.r.Publish(frame), ErrDuplicate)
	assert.Equal(t, Duplicate, f.r.Handle("a", frame))
}

func TestSequenceIsMonotonic(t *testing.T) {
	f := newFixture(t, 100, Options{})
	p := payload("x")

	frame, _ := addFrame(t, f.key, p, 5, f.now.Add(time.Hour))
	require.Equal(t, Accepted, f.r.Handle("a", frame))

	// Same sequence with a different expiry is a different message
	equal, _ := addFrame(t, f.key, p, 5, f.now.Add(2*time.Hour))
	assert.Equal(t, Stale, f.r.Handle("a", equal))

	lower, _ := addFrame(t, f.key, p, 4, f.now.Add(time.Hour))
	assert.Equal(t, Stale, f.r.Handle("a", lower))

	higher, e := addFrame(t, f.key, p, 6, f.now.Add(time.Hour))
	assert.Equal(t, Accepted, f.r.Handle("a", higher))

	got, ok := f.r.Store().Get(e.Key, f.now)
	require.True(t, ok)
	assert.Equal(t, uint64(6), got.Sequence)
}

func TestMutationsRequireOwnerSignature(t *testing.T) {
	f := newFixture(t, 100, Options{})
	mallory := newKey(t)

	frame, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour))
	require.Equal(t, Accepted, f.r.Handle("a", frame))

	assert.Equal(t, BadSignature, f.r.Handle("m", removeFrame(t, mallory, e, 2)))
	assert.Equal(t, BadSignature, f.r.Handle("m", refreshFrame(t, mallory, e, 2, f.now.Add(2*time.Hour))))

	// Forged signature on an otherwise valid Add
	forged := e.Clone()
	forged.Sequence = 3
	forged.Signature[0] ^= 0xff
	assert.Equal(t, BadSignature, f.r.Handle("m", encodeAdd(t, forged)))

	// Claiming the entry under another owner changes the derived key
	stolen := e.Clone()
	stolen.Owner = mallory.PublicKey()
	stolen.Sequence = 4
	sig, err := mallory.Sign(stolen.SigningBytes())
	require.NoError(t, err)
	stolen.Signature = sig
	assert.Equal(t, Malformed, f.r.Handle("m", encodeAdd(t, stolen)))

	got, ok := f.r.Store().Get(e.Key, f.now)
	require.True(t, ok)
	assert.Equal(t, uint64(1), got.Sequence)
	assert.True(t, got.Owner.Equal(f.key.PublicKey()))
}

func TestRemoveThenReplayedAddIsRejected(t *testing.T) {
	f := newFixture(t, 100, Options{DedupSize: 1})
	p := newFakePeer("p")
	f.r.AddPeer(p)

	add, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour))
	require.Equal(t, Accepted, f.r.Handle("a", add))
	require.Equal(t, Accepted, f.r.Handle("a", removeFrame(t, f.key, e, 2)))

	_, ok := f.r.Store().Get(e.Key, f.now)
	assert.False(t, ok)

	// The dedup cache only holds the Remove now, so the watermark must stop the replay
	assert.Equal(t, Stale, f.r.Handle("b", add))
	_, ok = f.r.Store().Get(e.Key, f.now)
	assert.False(t, ok)
	assert.Len(t, p.Frames(), 2)

	// The owner can publish again with a higher sequence
	again, _ := addFrame(t, f.key, payload("x"), 3, f.now.Add(time.Hour))
	assert.Equal(t, Accepted, f.r.Handle("a", again))
}

func TestWatermarkOutlivesClockSkewedExpiry(t *testing.T) {
	f := newFixture(t, 100, Options{DedupSize: 1, MaxTTL: time.Hour, ClockSkew: time.Minute, TrackerRetention: time.Hour})

	// Accepted thanks to the skew allowance
	add, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour+30*time.Second))
	require.Equal(t, Accepted, f.r.Handle("a", add))
	require.Equal(t, Accepted, f.r.Handle("a", removeFrame(t, f.key, e, 2)))

	// Past MaxTTL but the replayed Add has not expired yet
	f.now = f.now.Add(time.Hour + 10*time.Second)
	f.r.Sweep(f.now)

	assert.Equal(t, Stale, f.r.Handle("b", add))
	assert.False(t, f.r.Store().Contains(e.Key))
}

func TestRefreshAndRemoveOfUnknownKey(t *testing.T) {
	f := newFixture(t, 100, Options{})
	e, err := entry.New(f.key, payload("x"), 1, f.now.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, UnknownKey, f.r.Handle("a", refreshFrame(t, f.key, e, 2, f.now.Add(2*time.Hour))))
	assert.Equal(t, UnknownKey, f.r.Handle("a", removeFrame(t, f.key, e, 2)))
}

func TestRefreshOvertakingItsAddIsValidatedAgain(t *testing.T) {
	f := newFixture(t, 100, Options{})
	a, b := newFakePeer("a"), newFakePeer("b")
	f.r.AddPeer(a)
	f.r.AddPeer(b)

	e, err := entry.New(f.key, payload("x"), 1, f.now.Add(time.Hour))
	require.NoError(t, err)
	refresh := refreshFrame(t, f.key, e, 2, f.now.Add(3*time.Hour))

	require.Equal(t, UnknownKey, f.r.Handle("a", refresh))
	assert.Empty(t, b.Frames())

	// The Add shows up later, here through catchup
	require.Equal(t, 1, f.r.MergeSnapshot([]*entry.Entry{e}))

	require.Equal(t, Accepted, f.r.Handle("b", refresh))
	got, ok := f.r.Store().Get(e.Key, f.now)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Sequence)
	assert.Equal(t, f.now.Add(3*time.Hour).UnixMilli(), got.ExpiresAt)
	assert.Equal(t, [][]byte{refresh}, a.Frames())
}

func TestRefreshExtendsLifetime(t *testing.T) {
	f := newFixture(t, 100, Options{})
	events, cancel := f.r.Subscribe(8)
	defer cancel()

	add, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Minute))
	require.Equal(t, Accepted, f.r.Handle("a", add))
	require.Equal(t, Accepted, f.r.Handle("a", refreshFrame(t, f.key, e, 2, f.now.Add(time.Hour))))

	f.now = f.now.Add(10 * time.Minute)
	got, ok := f.r.Store().Get(e.Key, f.now)
	require.True(t, ok)
	assert.Equal(t, uint64(2), got.Sequence)

	// The refreshed entry is still a valid Add for catchup
	valid, err := sign.StandardVerifier{}.Verify(got.Owner, got.SigningBytes(), got.Signature)
	require.NoError(t, err)
	assert.True(t, valid)

	assert.Equal(t, EventAdded, (<-events).Kind)
	ev := <-events
	assert.Equal(t, EventRefreshed, ev.Kind)
	assert.Equal(t, uint64(2), ev.Entry.Sequence)
}

func TestEntriesExpireWithoutTraffic(t *testing.T) {
	f := newFixture(t, 100, Options{})
	events, cancel := f.r.Subscribe(8)
	defer cancel()

	add, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Minute))
	require.Equal(t, Accepted, f.r.Handle("a", add))
	<-events

	f.now = f.now.Add(2 * time.Minute)
	_, ok := f.r.Store().Get(e.Key, f.now)
	assert.False(t, ok)

	assert.Equal(t, []oid.Oid{e.Key}, f.r.Sweep(f.now))
	ev := <-events
	assert.Equal(t, EventExpired, ev.Kind)
	assert.Equal(t, e.Key, ev.Key)
	assert.Equal(t, 0, f.r.Store().Len())

	// The watermark outlives the entry
	readd, _ := addFrame(t, f.key, e.Payload, 1, f.now.Add(time.Hour))
	assert.Equal(t, Stale, f.r.Handle("b", readd))
}

func TestConcurrentEqualSequenceAcceptsOne(t *testing.T) {
	f := newFixture(t, 100, Options{})
	p := payload("x")
	first, _ := addFrame(t, f.key, p, 7, f.now.Add(time.Hour))
	second, _ := addFrame(t, f.key, p, 7, f.now.Add(2*time.Hour))

	var wg sync.WaitGroup
	verdicts := make([]Verdict, 2)
	for i, frame := range [][]byte{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdicts[i] = f.r.Handle("peer", frame)
		}()
	}
	wg.Wait()

	assert.ElementsMatch(t, []Verdict{Accepted, Stale}, verdicts)
}

func TestVerifierFailureIsNotMarkedSeen(t *testing.T) {
	f := newFixture(t, 100, Options{})
	fail := true
	f.r.verifier = sign.VerifierFunc(func(pub sign.PublicKey, msg, sig []byte) (bool, error) {
		if fail {
			return false, errors.New("hsm offline")
		}
		return sign.StandardVerifier{}.Verify(pub, msg, sig)
	})

	frame, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour))
	assert.Equal(t, VerifierUnavailable, f.r.Handle("a", frame))
	_, ok := f.r.Store().Get(e.Key, f.now)
	assert.False(t, ok)

	fail = false
	assert.Equal(t, Accepted, f.r.Handle("b", frame))
}

func TestCapacityExceeded(t *testing.T) {
	f := newFixture(t, 1, Options{})

	first, _ := addFrame(t, f.key, payload("a"), 1, f.now.Add(time.Minute))
	require.Equal(t, Accepted, f.r.Handle("a", first))

	second, e := addFrame(t, f.key, payload("b"), 1, f.now.Add(time.Hour))
	assert.ErrorIs(t, f.r.Publish(second), store.ErrCapacityExceeded)
	assert.Equal(t, CapacityExceeded, f.r.Handle("a", second))

	// Once the first entry expired its slot is reclaimed
	f.now = f.now.Add(2 * time.Minute)
	assert.Equal(t, Accepted, f.r.Handle("a", second))
	_, ok := f.r.Store().Get(e.Key, f.now)
	assert.True(t, ok)
}

func TestStructuralChecks(t *testing.T) {
	f := newFixture(t, 100, Options{MaxPayloadSize: 16, MaxTTL: time.Hour})
	peer := newFakePeer("p")
	f.r.AddPeer(peer)

	assert.Equal(t, Malformed, f.r.Handle("a", []byte("garbage")))

	big, _ := addFrame(t, f.key, payload("0123456789abcdef"), 1, f.now.Add(time.Minute))
	assert.Equal(t, Malformed, f.r.Handle("a", big))

	past, _ := addFrame(t, f.key, payload("x"), 1, f.now.Add(-time.Second))
	assert.Equal(t, Expired, f.r.Handle("a", past))

	tooLong, _ := addFrame(t, f.key, payload("x"), 1, f.now.Add(2*time.Hour))
	assert.Equal(t, Expired, f.r.Handle("a", tooLong))

	_, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Minute))
	wrongKey := e.Clone()
	wrongKey.Payload.Data = []byte("y")
	assert.Equal(t, Malformed, f.r.Handle("a", encodeAdd(t, wrongKey)))

	noEntry, err := protocol.Encode(protocol.TypeAdd, &protocol.AddMessage{})
	require.NoError(t, err)
	assert.Equal(t, Malformed, f.r.Handle("a", noEntry))

	assert.Empty(t, peer.Frames())
	assert.Equal(t, 0, f.r.Store().Len())
}

func TestVersionMismatchIsDropped(t *testing.T) {
	f := newFixture(t, 100, Options{})
	peer := newFakePeer("p")
	f.r.AddPeer(peer)

	_, e := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour))
	body, err := cbor.Marshal(&protocol.AddMessage{Entry: e})
	require.NoError(t, err)
	frame, err := cbor.Marshal(&protocol.Envelope{V: protocol.Version + 1, T: protocol.TypeAdd, Body: body})
	require.NoError(t, err)

	assert.Equal(t, VersionMismatch, f.r.Handle("a", frame))
	assert.ErrorIs(t, f.r.Publish(frame), protocol.ErrVersionMismatch)
	assert.Empty(t, peer.Frames())
	assert.Equal(t, 0, f.r.Store().Len())
}

func TestDedupIsBounded(t *testing.T) {
	f := newFixture(t, 100, Options{DedupSize: 4})
	for i := 0; i < 10; i++ {
		frame, _ := addFrame(t, f.key, payload(string(rune('a'+i))), 1, f.now.Add(time.Hour))
		require.NoError(t, f.r.Publish(frame))
	}
	assert.Equal(t, 4, f.r.seen.Len())
	assert.Equal(t, 10, f.r.Store().Len())
}

func TestRestoredWatermarksRejectOlderSequences(t *testing.T) {
	f := newFixture(t, 100, Options{})
	frame, e := addFrame(t, f.key, payload("x"), 5, f.now.Add(time.Hour))

	f.r.RestoreWatermarks(map[oid.Oid]uint64{e.Key: 10})
	assert.Equal(t, Stale, f.r.Handle("a", frame))
}

func TestMetricsCountVerdicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, 100, Options{Registerer: reg})
	f.r.AddPeer(newFakePeer("b"))

	frame, _ := addFrame(t, f.key, payload("x"), 1, f.now.Add(time.Hour))
	f.r.Handle("a", frame)
	f.r.Handle("a", frame)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.messages.WithLabelValues("add", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.messages.WithLabelValues("add", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.floods))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.r.metrics.entries))

	n, err := testutil.GatherAndCount(reg, "p2pstore_router_messages_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

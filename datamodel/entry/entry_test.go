package entry

import (
	"crypto/rand"
	"testing"
	"time"

	"p2pstore/crypto/sign"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKey(t *testing.T) *sign.PrivateKey {
	t.Helper()
	k, err := sign.GenerateKey(sign.AlgEd25519, rand.Reader)
	require.NoError(t, err)
	return k
}

func TestNewEntryIsSignedByOwner(t *testing.T) {
	key := newKey(t)
	p := Payload{Type: "offer", Data: []byte("BTC/EUR 0.1 @ 60000")}

	e, err := New(key, p, 1, time.Now().Add(time.Minute))
	require.NoError(t, err)

	assert.Equal(t, DeriveKey(p, key.PublicKey()), e.Key)
	ok, err := sign.StandardVerifier{}.Verify(e.Owner, e.SigningBytes(), e.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyDependsOnOwner(t *testing.T) {
	p := Payload{Type: "offer", Data: []byte("same")}
	assert.NotEqual(t, DeriveKey(p, newKey(t).PublicKey()), DeriveKey(p, newKey(t).PublicKey()))
}

func TestSignatureSurvivesCBOR(t *testing.T) {
	key := newKey(t)
	e, err := New(key, Payload{Type: "stats", Data: []byte{1, 2, 3}}, 7, time.Now().Add(time.Hour))
	require.NoError(t, err)

	raw, err := cbor.Marshal(e)
	require.NoError(t, err)
	var decoded Entry
	require.NoError(t, cbor.Unmarshal(raw, &decoded))

	ok, err := sign.StandardVerifier{}.Verify(decoded.Owner, decoded.SigningBytes(), decoded.Signature)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRemoveAndStoreBytesDiffer(t *testing.T) {
	e, err := New(newKey(t), Payload{Type: "offer", Data: []byte("x")}, 3, time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.NotEqual(t,
		StoreSigningBytes(e.Key, e.Payload.Digest(), 3, e.ExpiresAt),
		RemoveSigningBytes(e.Key, e.Payload.Digest(), 3))
}

func TestExpired(t *testing.T) {
	now := time.Now()
	e := &Entry{ExpiresAt: now.UnixMilli()}

	assert.False(t, e.Expired(now.Add(-time.Millisecond)))
	assert.True(t, e.Expired(now))
	assert.True(t, e.Expired(now.Add(time.Second)))
}

func TestCloneIsDeep(t *testing.T) {
	e := &Entry{Payload: Payload{Data: []byte("abc")}, Signature: []byte("sig")}
	c := e.Clone()
	c.Payload.Data[0] = 'z'
	c.Signature[0] = 'x'

	assert.Equal(t, "abc", string(e.Payload.Data))
	assert.Equal(t, "sig", string(e.Signature))
}

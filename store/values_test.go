package store

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bpfs/dht/krpc"
)

func TestImmutablePutGetRoundTrip(t *testing.T) {
	vs := NewValueStore()
	v := "hello world"
	target := ImmutableTarget(v)
	rec := Record{V: v}
	require.NoError(t, Verify(target, rec))
	require.NoError(t, vs.Put(target, rec))

	got, ok := vs.Get(target)
	require.True(t, ok)
	require.Equal(t, v, got.V)
}

func TestMutablePutGetRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	rec := Record{K: pub, Salt: []byte("s"), V: "v1", Seq: 1}
	Sign(&rec, priv)
	target := MutableTarget(pub, rec.Salt)
	require.NoError(t, Verify(target, rec))

	vs := NewValueStore()
	require.NoError(t, vs.Put(target, rec))
	got, ok := vs.Get(target)
	require.True(t, ok)
	require.Equal(t, "v1", got.V)
	require.Equal(t, int64(1), got.Seq)
}

func TestMutablePutRejectsStaleSeq(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	target := MutableTarget(pub, nil)
	vs := NewValueStore()

	newer := Record{K: pub, V: "v2", Seq: 2}
	Sign(&newer, priv)
	require.NoError(t, vs.Put(target, newer))

	older := Record{K: pub, V: "v1", Seq: 1}
	Sign(&older, priv)
	require.ErrorIs(t, vs.Put(target, older), ErrStaleSeq)

	got, _ := vs.Get(target)
	require.Equal(t, "v2", got.V)
}

func TestVerifyRejectsBadSignature(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	rec := Record{K: pub, V: "v", Seq: 1, Sig: make([]byte, ed25519.SignatureSize)}
	target := MutableTarget(pub, nil)
	require.ErrorIs(t, Verify(target, rec), ErrBadSignature)
}

func TestVerifyRejectsWrongImmutableTarget(t *testing.T) {
	err := Verify(krpc.ID{}, Record{V: "hello"})
	require.Error(t, err)
}

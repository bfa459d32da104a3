package dht

import (
	"context"
	"crypto/ed25519"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bpfs/dht/krpc"
	"github.com/bpfs/dht/store"
)

func startNode(t *testing.T, opts ...Option) (*Node, *net.UDPAddr) {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := conn.LocalAddr().(*net.UDPAddr)
	n, err := New(conn, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, addr
}

// buildChain starts count nodes and bootstraps each one against the one
// before it, the way a freshly-joining peer only ever knows a single seed.
func buildChain(t *testing.T, count int) []*Node {
	t.Helper()
	nodes := make([]*Node, count)
	addrs := make([]*net.UDPAddr, count)

	nodes[0], addrs[0] = startNode(t)
	for i := 1; i < count; i++ {
		n, addr := startNode(t, WithBootstrapPeers(addrs[i-1]))
		nodes[i], addrs[i] = n, addr

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		require.NoError(t, n.Bootstrap(ctx))
		cancel()
	}
	return nodes
}

func TestBootstrapPopulatesRoutingTable(t *testing.T) {
	nodes := buildChain(t, 6)
	last := nodes[len(nodes)-1]
	require.NotEmpty(t, last.ClosestNodes(last.ID(), 20))
}

func TestFindNodeDiscoversDistantNode(t *testing.T) {
	nodes := buildChain(t, 8)
	first, last := nodes[0], nodes[len(nodes)-1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	found, err := last.FindNode(ctx, first.ID())
	require.NoError(t, err)

	var hit bool
	for _, f := range found {
		if f.ID == first.ID() {
			hit = true
		}
	}
	require.True(t, hit, "expected the lookup to surface the chain's first node")
}

func TestAnnouncePeerAndGetPeersRoundTrip(t *testing.T) {
	nodes := buildChain(t, 6)
	announcer, seeker := nodes[0], nodes[len(nodes)-1]
	infoHash := krpc.RandomID()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, announcer.AnnouncePeer(ctx, infoHash, 6881, false))

	peers, err := seeker.GetPeers(ctx, infoHash)
	require.NoError(t, err)
	require.NotEmpty(t, peers)
}

func TestPutGetImmutableRoundTrip(t *testing.T) {
	nodes := buildChain(t, 6)
	writer, reader := nodes[0], nodes[len(nodes)-1]

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	target, err := writer.PutImmutable(ctx, "hello dht")
	require.NoError(t, err)

	rec, ok, err := reader.Get(ctx, target)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello dht", rec.V)
}

func TestPutGetMutableRoundTripAndCASRejectsRegression(t *testing.T) {
	nodes := buildChain(t, 6)
	writer, reader := nodes[0], nodes[len(nodes)-1]
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = writer.PutMutable(ctx, pub, nil, priv, func(prev store.Record, exists bool) store.Record {
		return store.Record{V: "v1", Seq: 1}
	})
	require.NoError(t, err)

	rec, ok, err := reader.GetMutable(ctx, pub, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", rec.V)

	_, err = writer.PutMutable(ctx, pub, nil, priv, func(prev store.Record, exists bool) store.Record {
		return store.Record{V: "stale", Seq: 0}
	})
	require.Error(t, err)

	rec2, ok, err := reader.GetMutable(ctx, pub, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", rec2.V)
}

func TestCloseIsIdempotent(t *testing.T) {
	n, _ := startNode(t)
	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
}

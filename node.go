// Package dht is a Kademlia-style BitTorrent DHT node: a routing table, a
// transaction-oriented KRPC layer over UDP, an iterative closest-node
// lookup engine, and the BEP-42/BEP-44 extensions.
package dht

import (
	"context"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/bpfs/dht/kbucket"
	"github.com/bpfs/dht/krpc"
	"github.com/bpfs/dht/rpc"
	"github.com/bpfs/dht/rtrefresh"
	"github.com/bpfs/dht/store"
)

// Node is a single DHT participant: one UDP socket, one routing table, one
// token store, one value store.
type Node struct {
	id krpc.ID

	cfg Config

	rpc     *rpc.Server
	rt      *kbucket.RoutingTable
	refresh *rtrefresh.Manager
	tokens  *store.TokenStore
	values  *store.ValueStore
	peers   *announcements
	ptokens *peerTokens

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New binds conn and constructs a Node around it. Defaults is applied
// before any caller-supplied opts. If cfg.ID is the zero value, a random ID
// is generated.
func New(conn net.PacketConn, opts ...Option) (*Node, error) {
	cfg := Config{}
	if err := cfg.Apply(Defaults); err != nil {
		return nil, err
	}
	if err := cfg.Apply(opts...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var zero krpc.ID
	if cfg.ID == zero {
		cfg.ID = krpc.RandomID()
	}

	n := &Node{id: cfg.ID, cfg: cfg}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	n.tokens = store.NewTokenStore(cfg.Clock)
	n.values = store.NewValueStore()
	n.peers = newAnnouncements()
	n.ptokens = newPeerTokens()
	n.rt = kbucket.New(cfg.ID, cfg.BucketSize, (*prober)(n), cfg.Clock)
	n.rpc = rpc.NewServer(conn, cfg.QueryTimeout, cfg.Clock)
	n.rpc.SetQueryHandler(n.handleQuery)
	n.rpc.SetOnTimeout(n.handleTimeout)
	n.refresh = rtrefresh.NewManager(n.rt, n.refreshTarget, cfg.RefreshInterval, cfg.Clock)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.rpc.Serve(n.ctx); err != nil && n.ctx.Err() == nil {
			logrus.WithError(err).Warn("dht: rpc server exited unexpectedly")
		}
	}()
	n.refresh.Start()

	logrus.WithField("id", n.id.String()).Info("dht node started")
	return n, nil
}

// ID returns the node's own identifier.
func (n *Node) ID() krpc.ID { return n.id }

// Close tears down the node: cancels all outstanding transactions, stops
// the refresh loop, and closes the socket.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.cancel()
		err = multierr.Combine(
			n.refresh.Close(),
			n.rpc.Close(),
		)
		n.wg.Wait()
		logrus.WithField("id", n.id.String()).Info("dht node closed")
	})
	return err
}

// prober adapts Node to kbucket.Prober, delegating eviction liveness checks
// to a real ping query.
type prober Node

func (p *prober) Ping(ctx context.Context, c kbucket.Contact) bool {
	_, err := (*Node)(p).queryNode(ctx, c.NodeAddr, krpc.MethodPing, &krpc.Args{ID: (*Node)(p).id})
	return err == nil
}

// refreshTarget is the rtrefresh.QueryFunc: issue a find_node for target and
// let the ordinary response handling repopulate the routing table.
func (n *Node) refreshTarget(ctx context.Context, target krpc.ID) error {
	_, err := n.FindNode(ctx, target)
	return err
}

// queryNode sends a single query to addr, recording the outcome in the
// routing table (response success, or a failure count bump on error).
func (n *Node) queryNode(ctx context.Context, addr krpc.NodeAddr, method string, args *krpc.Args) (*krpc.Return, error) {
	r, err := n.rpc.Query(ctx, addr.UDPAddr(), method, args)
	if err != nil {
		n.rt.RecordNoResponse(addr.ID)
		return nil, err
	}
	c := kbucket.Contact{NodeAddr: krpc.NodeAddr{ID: r.ID, IP: addr.IP, Port: addr.Port}}
	n.rt.RecordResponse(c)
	return r, nil
}

func (n *Node) handleTimeout(addr *net.UDPAddr) {
	logrus.WithField("addr", addr.String()).Debug("dht: query timed out")
}

func (n *Node) lookupAnnouncements(infoHash krpc.ID) ([]krpc.CompactPeer, bool) {
	return n.peers.get(infoHash)
}

func (n *Node) addAnnouncement(infoHash krpc.ID, p krpc.CompactPeer) {
	n.peers.add(infoHash, p)
}

func (n *Node) rememberToken(id krpc.ID, token string) {
	n.ptokens.remember(id, token)
}

func (n *Node) tokenFor(id krpc.ID) (string, bool) {
	return n.ptokens.get(id)
}

// ClosestNodes returns the n closest contacts in the local routing table to
// id (host-facing operation from the base specification's external
// interfaces).
func (n *Node) ClosestNodes(id krpc.ID, count int) []kbucket.Contact {
	return n.rt.Closest(id, count)
}

// Bootstrap pings every configured seed peer and then looks up the node's
// own ID to populate its neighborhood, per the base specification's
// constructor contract.
func (n *Node) Bootstrap(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, addr := range n.cfg.BootstrapPeers {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, ok := krpc.NodeAddrFromUDP(krpc.ID{}, addr)
			if !ok {
				return
			}
			r, err := n.rpc.Query(ctx, addr, krpc.MethodPing, &krpc.Args{ID: n.id})
			if err != nil {
				return
			}
			n.rt.RecordResponse(kbucket.Contact{NodeAddr: krpc.NodeAddr{ID: r.ID, IP: ip.IP, Port: ip.Port}})
		}()
	}
	wg.Wait()
	_, err := n.FindNode(ctx, n.id)
	return err
}

package dht

import (
	"context"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/bpfs/dht/kbucket"
	"github.com/bpfs/dht/krpc"
	"github.com/bpfs/dht/lookup"
)

// handleQuery dispatches every inbound y='q' message. It always records the
// sender in the routing table before answering, per the base
// specification's "query handlers record the sender" data-flow rule.
func (n *Node) handleQuery(q *krpc.Msg, from *net.UDPAddr) (*krpc.Return, *krpc.ErrorValue) {
	if q.A == nil {
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeProtocolError, Description: "missing arguments"}
	}
	addr, ok := krpc.NodeAddrFromUDP(q.A.ID, from)
	if !ok {
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeProtocolError, Description: "ipv6 unsupported"}
	}
	n.rt.RecordQuery(kbucket.Contact{NodeAddr: addr})

	switch q.Q {
	case krpc.MethodPing:
		return &krpc.Return{ID: n.id}, nil
	case krpc.MethodFindNode:
		return n.answerFindNode(q.A), nil
	case krpc.MethodGetPeers:
		return n.answerGetPeers(q.A, from), nil
	case krpc.MethodAnnouncePeer:
		return n.answerAnnouncePeer(q.A, from)
	case krpc.MethodGet:
		return n.answerGet(q.A, from), nil
	case krpc.MethodPut:
		return n.answerPut(q.A, from)
	default:
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeMethodUnknown, Description: "method unknown: " + q.Q}
	}
}

func (n *Node) answerFindNode(a *krpc.Args) *krpc.Return {
	closest := n.rt.Closest(a.Target, n.cfg.BucketSize)
	return &krpc.Return{ID: n.id, Nodes: string(krpc.MarshalCompactNodes(toNodeAddrs(closest)))}
}

func toNodeAddrs(cs []kbucket.Contact) []krpc.NodeAddr {
	out := make([]krpc.NodeAddr, len(cs))
	for i, c := range cs {
		out[i] = c.NodeAddr
	}
	return out
}

func nodesOfReturn(r *krpc.Return) []krpc.NodeAddr {
	if r == nil || r.Nodes == "" {
		return nil
	}
	nodes, err := krpc.UnmarshalCompactNodes([]byte(r.Nodes))
	if err != nil {
		return nil
	}
	return nodes
}

// FindNode performs the iterative lookup for target, populating the
// routing table with every node it discovers along the way.
func (n *Node) FindNode(ctx context.Context, target krpc.ID) ([]krpc.NodeAddr, error) {
	seeds := n.rt.Closest(target, n.cfg.BucketSize)
	res := lookup.Run(ctx, target, n.cfg.BucketSize, toNodeAddrs(seeds),
		func(ctx context.Context, p krpc.NodeAddr) (*krpc.Return, error) {
			return n.queryNode(ctx, p, krpc.MethodFindNode, &krpc.Args{ID: n.id, Target: target})
		},
		nodesOfReturn, nil)
	return res.Closest, nil
}

// answerGetPeers looks up the local peer-announcement store for info_hash
// and always issues a fresh write token.
func (n *Node) answerGetPeers(a *krpc.Args, from *net.UDPAddr) *krpc.Return {
	r := &krpc.Return{ID: n.id, Token: n.tokens.Issue(a.InfoHash, from.IP)}
	if peers, ok := n.lookupAnnouncements(a.InfoHash); ok {
		vals := make([]string, len(peers))
		for i, p := range peers {
			vals[i] = string(krpc.MarshalCompactPeer(p))
		}
		r.Values = vals
	} else {
		r.Nodes = string(krpc.MarshalCompactNodes(toNodeAddrs(n.rt.Closest(a.InfoHash, n.cfg.BucketSize))))
	}
	return r
}

// GetPeers runs the iterative lookup for target, accumulating peers from
// every response that carries values.
func (n *Node) GetPeers(ctx context.Context, target krpc.ID) ([]krpc.CompactPeer, error) {
	seeds := n.rt.Closest(target, n.cfg.BucketSize)
	seen := make(map[krpc.CompactPeer]struct{})
	var peers []krpc.CompactPeer

	lookup.Run(ctx, target, n.cfg.BucketSize, toNodeAddrs(seeds),
		func(ctx context.Context, p krpc.NodeAddr) (*krpc.Return, error) {
			r, err := n.queryNode(ctx, p, krpc.MethodGetPeers, &krpc.Args{ID: n.id, InfoHash: target})
			if err == nil && r != nil && r.Token != "" {
				n.rememberToken(p.ID, r.Token)
			}
			return r, err
		},
		func(r *krpc.Return) []krpc.NodeAddr {
			if r != nil {
				for _, v := range r.Values {
					if p, err := krpc.UnmarshalCompactPeer([]byte(v)); err == nil {
						if _, dup := seen[p]; !dup {
							seen[p] = struct{}{}
							peers = append(peers, p)
						}
					}
				}
			}
			return nodesOfReturn(r)
		}, nil)
	return peers, nil
}

// answerAnnouncePeer validates the write token and records the
// announcement. implied_port=1 substitutes the datagram's source port.
func (n *Node) answerAnnouncePeer(a *krpc.Args, from *net.UDPAddr) (*krpc.Return, *krpc.ErrorValue) {
	if !n.tokens.Verify(a.Token, a.InfoHash, from.IP) {
		logrus.WithField("from", from.String()).Debug("dht: rejecting announce_peer with bad token")
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeProtocolError, Description: "bad token"}
	}
	peer, ok := krpc.CompactPeerFromUDP(from, a.Port, a.ImpliedPort != 0)
	if !ok {
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeProtocolError, Description: "ipv6 unsupported"}
	}
	n.addAnnouncement(a.InfoHash, peer)
	return &krpc.Return{ID: n.id}, nil
}

// AnnouncePeer first runs a lookup to collect the K closest nodes that
// returned a write token, then sends announce_peer to each, injecting that
// peer's own token.
func (n *Node) AnnouncePeer(ctx context.Context, target krpc.ID, port uint16, impliedPort bool) error {
	if _, err := n.GetPeers(ctx, target); err != nil {
		return err
	}
	candidates := n.rt.Closest(target, n.cfg.BucketSize)
	for _, c := range candidates {
		token, ok := n.tokenFor(c.ID)
		if !ok {
			continue
		}
		impliedArg := 0
		if impliedPort {
			impliedArg = 1
		}
		_, _ = n.queryNode(ctx, c.NodeAddr, krpc.MethodAnnouncePeer, &krpc.Args{
			ID: n.id, InfoHash: target, Token: token, Port: port, ImpliedPort: impliedArg,
		})
	}
	return nil
}

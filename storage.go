package dht

import (
	"context"
	"crypto/ed25519"
	"net"

	"github.com/bpfs/dht/krpc"
	"github.com/bpfs/dht/lookup"
	"github.com/bpfs/dht/store"
)

func int64Ptr(v int64) *int64 { return &v }

func recordFromArgs(a *krpc.Args) store.Record {
	r := store.Record{V: a.V}
	if a.K != "" {
		r.K = []byte(a.K)
		r.Salt = []byte(a.Salt)
		if a.Seq != nil {
			r.Seq = *a.Seq
		}
		r.Sig = []byte(a.Sig)
	}
	return r
}

func argsFromRecord(id krpc.ID, target krpc.ID, token string, r store.Record) *krpc.Args {
	a := &krpc.Args{ID: id, Token: token, V: r.V}
	if r.Mutable() {
		a.K = string(r.K)
		a.Salt = string(r.Salt)
		a.Seq = int64Ptr(r.Seq)
		a.Sig = string(r.Sig)
	}
	return a
}

// answerGet answers a BEP-44 get query: always returns a write token and
// the closest nodes (so the lookup can keep walking), and additionally the
// stored record's fields when target is locally present.
func (n *Node) answerGet(a *krpc.Args, from *net.UDPAddr) *krpc.Return {
	r := &krpc.Return{
		ID:    n.id,
		Token: n.tokens.Issue(a.Target, from.IP),
		Nodes: string(krpc.MarshalCompactNodes(toNodeAddrs(n.rt.Closest(a.Target, n.cfg.BucketSize)))),
	}
	if rec, ok := n.values.Get(a.Target); ok {
		r.V = rec.V
		if rec.Mutable() {
			r.K = string(rec.K)
			r.Seq = int64Ptr(rec.Seq)
			r.Sig = string(rec.Sig)
		}
	}
	return r
}

// answerPut validates the token and, for mutable records, the signature and
// sequence ordering, then stores the record.
func (n *Node) answerPut(a *krpc.Args, from *net.UDPAddr) (*krpc.Return, *krpc.ErrorValue) {
	var target krpc.ID
	if a.K != "" {
		target = store.MutableTarget([]byte(a.K), []byte(a.Salt))
	} else {
		target = store.ImmutableTarget(a.V)
	}
	if !n.tokens.Verify(a.Token, target, from.IP) {
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeProtocolError, Description: "bad token"}
	}
	rec := recordFromArgs(a)
	if err := store.Verify(target, rec); err != nil {
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeProtocolError, Description: err.Error()}
	}
	if err := n.values.Put(target, rec); err != nil {
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeProtocolError, Description: err.Error()}
	}
	return &krpc.Return{ID: n.id}, nil
}

// Get resolves target, a raw hash, consulting the local store first and
// falling back to the get lookup engine on a miss. target must be an
// immutable hash, or a mutable one whose salt is empty — a salted mutable
// record can only be verified by a caller that supplies the salt, so use
// GetMutable for those.
func (n *Node) Get(ctx context.Context, target krpc.ID) (store.Record, bool, error) {
	if rec, ok := n.values.Get(target); ok {
		return rec, true, nil
	}
	found, ok := n.lookupGet(ctx, target, nil)
	return found, ok, nil
}

// lookupGet always runs the network lookup for target, regardless of local
// presence. salt is the mutable record's salt (nil for an immutable target),
// threaded through so a salted candidate's signature and target binding can
// actually be verified. Besides the matching record (if any), it has the
// side effect of populating ptokens with every write token handed back along
// the way — the preparatory step put's fan-out relies on.
func (n *Node) lookupGet(ctx context.Context, target krpc.ID, salt []byte) (store.Record, bool) {
	var found store.Record
	var ok bool
	seeds := n.rt.Closest(target, n.cfg.BucketSize)
	_ = lookup.Run(ctx, target, n.cfg.BucketSize, toNodeAddrs(seeds),
		func(ctx context.Context, p krpc.NodeAddr) (*krpc.Return, error) {
			r, err := n.queryNode(ctx, p, krpc.MethodGet, &krpc.Args{ID: n.id, Target: target})
			if err == nil && r != nil && r.Token != "" {
				n.rememberToken(p.ID, r.Token)
			}
			return r, err
		},
		nodesOfReturn,
		func(r *krpc.Return, sender krpc.NodeAddr) interface{} {
			if r == nil || r.V == "" {
				return nil
			}
			cand := store.Record{V: r.V}
			if r.K != "" {
				cand.K = []byte(r.K)
				cand.Salt = salt
				cand.Sig = []byte(r.Sig)
				if r.Seq != nil {
					cand.Seq = *r.Seq
				}
			}
			if store.Verify(target, cand) != nil {
				return nil
			}
			found, ok = cand, true
			return cand
		})
	return found, ok
}

// GetMutable resolves the target derived from (k, salt), threading salt
// through to the candidate verification step.
func (n *Node) GetMutable(ctx context.Context, k, salt []byte) (store.Record, bool, error) {
	target := store.MutableTarget(k, salt)
	if rec, ok := n.values.Get(target); ok {
		return rec, true, nil
	}
	found, ok := n.lookupGet(ctx, target, salt)
	return found, ok, nil
}

// PutImmutable stores v, an opaque value, under SHA-1(bencode(v)).
func (n *Node) PutImmutable(ctx context.Context, v string) (krpc.ID, error) {
	if len(v) > store.MaxValueLen {
		return krpc.ID{}, store.ErrOversizeValue
	}
	target := store.ImmutableTarget(v)
	rec := store.Record{V: v}
	_ = n.values.Put(target, rec) // make it locally resolvable immediately too
	return target, n.putFanOut(ctx, target, rec)
}

// MutableUpdateFunc computes the next record to write given the most recent
// observation of the record (which may not exist yet), mirroring the base
// specification's signer(sign_fn, previous) collaboration without requiring
// a generic late-bound closure: callers fill in V and Seq, and Sig is
// computed for them by PutMutable after the callback returns.
type MutableUpdateFunc func(prev store.Record, exists bool) store.Record

// PutMutable signs and stores a new version of the record identified by
// (k, salt), using sk to sign.
func (n *Node) PutMutable(ctx context.Context, k, salt []byte, sk ed25519.PrivateKey, update MutableUpdateFunc) (krpc.ID, error) {
	if len(k) != store.PublicKeyLen {
		return krpc.ID{}, store.ErrBadKeyLen
	}
	if len(salt) > store.MaxSaltLen {
		return krpc.ID{}, store.ErrOversizeSalt
	}
	target := store.MutableTarget(k, salt)
	prev, exists, _ := n.GetMutable(ctx, k, salt)

	rec := update(prev, exists)
	rec.K, rec.Salt = k, salt
	if len(rec.V) > store.MaxValueLen {
		return target, store.ErrOversizeValue
	}
	store.Sign(&rec, sk)

	if err := n.values.Put(target, rec); err != nil {
		return target, err
	}
	return target, n.putFanOut(ctx, target, rec)
}

// putFanOut collects the K closest nodes that returned a write token during
// the preparatory lookup, then sends put to each with its own token.
func (n *Node) putFanOut(ctx context.Context, target krpc.ID, rec store.Record) error {
	n.lookupGet(ctx, target, rec.Salt)
	candidates := n.rt.Closest(target, n.cfg.BucketSize)
	for _, c := range candidates {
		token, ok := n.tokenFor(c.ID)
		if !ok {
			continue
		}
		_, _ = n.queryNode(ctx, c.NodeAddr, krpc.MethodPut, argsFromRecord(n.id, target, token, rec))
	}
	return nil
}

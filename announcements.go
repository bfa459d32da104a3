package dht

import (
	"sync"

	"github.com/bpfs/dht/krpc"
)

// announcements is the set of compact-peer tuples this node has accepted
// via announce_peer, keyed by info_hash. Entries are deduplicated, per the
// base specification's "the announcement set is a set of compact-peer
// tuples (deduplicated)" rule. It carries no expiry of its own — the base
// specification does not define one for peer announcements, only for the
// BEP-44 value-record store.
type announcements struct {
	mu sync.Mutex
	m  map[krpc.ID]map[krpc.CompactPeer]struct{}
}

func newAnnouncements() *announcements {
	return &announcements{m: make(map[krpc.ID]map[krpc.CompactPeer]struct{})}
}

func (a *announcements) add(infoHash krpc.ID, p krpc.CompactPeer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.m[infoHash]
	if !ok {
		set = make(map[krpc.CompactPeer]struct{})
		a.m[infoHash] = set
	}
	set[p] = struct{}{}
}

func (a *announcements) get(infoHash krpc.ID) ([]krpc.CompactPeer, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.m[infoHash]
	if !ok || len(set) == 0 {
		return nil, false
	}
	out := make([]krpc.CompactPeer, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out, true
}

// peerTokens remembers the most recent write token handed to us by each
// peer during a get_peers or get lookup, so a subsequent announce_peer/put fan-out
// can inject the right per-peer token without a generic late-bound-closure
// mechanism in the RPC layer.
type peerTokens struct {
	mu sync.Mutex
	m  map[krpc.ID]string
}

func newPeerTokens() *peerTokens { return &peerTokens{m: make(map[krpc.ID]string)} }

func (t *peerTokens) remember(id krpc.ID, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[id] = token
}

func (t *peerTokens) get(id krpc.ID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tok, ok := t.m[id]
	return tok, ok
}

package kbucket

import (
	"math/big"
	"time"

	"github.com/bpfs/dht/krpc"
)

// bucket is one node of the routing trie, covering the half-open ID range
// [min, max). A leaf holds up to K contacts directly; an inner node holds
// two children and no contacts of its own.
type bucket struct {
	min, max krpc.ID

	contacts    []Contact // nil on inner nodes
	left, right *bucket   // nil on leaf nodes

	lastChanged time.Time
}

func newRootBucket(now time.Time) *bucket {
	var min krpc.ID
	max := maxID()
	return &bucket{min: min, max: max, contacts: nil, lastChanged: now}
}

// maxID returns the exclusive upper bound of the ID space: conceptually
// 2^160, represented here as all-0xff since krpc.ID has no room for the
// carry bit. Range containment checks below treat max as inclusive when it
// equals this sentinel.
func maxID() krpc.ID {
	var id krpc.ID
	for i := range id {
		id[i] = 0xff
	}
	return id
}

func (b *bucket) isLeaf() bool { return b.left == nil && b.right == nil }

// contains reports whether id falls in [b.min, b.max). The upper bound is
// treated as inclusive when it is the all-0xff sentinel, since the true
// exclusive bound (2^160) cannot be represented in 20 bytes.
func (b *bucket) contains(id krpc.ID) bool {
	if id.Compare(b.min) < 0 {
		return false
	}
	if b.max == maxID() {
		return id.Compare(b.max) <= 0
	}
	return id.Compare(b.max) < 0
}

// midpoint computes the byte-wise arithmetic midpoint of [min, max]. It
// returns ok=false when the range cannot be split further (min == max, or
// the computed midpoint equals either bound).
func midpoint(min, max krpc.ID) (krpc.ID, bool) {
	lo := new(big.Int).SetBytes(min[:])
	hi := new(big.Int).SetBytes(max[:])
	if hi.Cmp(lo) == 0 {
		return min, false
	}
	sum := new(big.Int).Add(lo, hi)
	mid := sum.Rsh(sum, 1)
	m := idFromBigInt(mid)
	if m.Compare(min) == 0 || m.Compare(max) == 0 {
		return m, false
	}
	return m, true
}

func idFromBigInt(v *big.Int) krpc.ID {
	var id krpc.ID
	b := v.Bytes()
	if len(b) > krpc.IDLen {
		b = b[len(b)-krpc.IDLen:]
	}
	copy(id[krpc.IDLen-len(b):], b)
	return id
}

// split divides a full leaf into two children at the byte-wise midpoint of
// its range, redistributing its contacts. Returns false if the range is a
// single ID wide and cannot be split.
func (b *bucket) split(now time.Time) bool {
	m, ok := midpoint(b.min, b.max)
	if !ok {
		return false
	}
	left := &bucket{min: b.min, max: m, lastChanged: now}
	right := &bucket{min: m, max: b.max, lastChanged: now}
	for _, c := range b.contacts {
		if left.contains(c.ID) {
			left.contacts = append(left.contacts, c)
		} else {
			right.contacts = append(right.contacts, c)
		}
	}
	b.contacts = nil
	b.left, b.right = left, right
	return true
}

// leafFor descends the trie to the unique leaf whose range contains id.
func (b *bucket) leafFor(id krpc.ID) *bucket {
	for !b.isLeaf() {
		if b.left.contains(id) {
			b = b.left
		} else {
			b = b.right
		}
	}
	return b
}

// indexOf returns the position of a contact with the given ID, or -1.
func (b *bucket) indexOf(id krpc.ID) int {
	for i, c := range b.contacts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// walkLeaves calls fn on every leaf in the trie, in ascending-range order.
func (b *bucket) walkLeaves(fn func(*bucket)) {
	if b.isLeaf() {
		fn(b)
		return
	}
	b.left.walkLeaves(fn)
	b.right.walkLeaves(fn)
}

package krpc

import "math/big"

// entry is one slot in a ClosestQueue: a node and its precomputed distance
// to the queue's target.
type entry struct {
	node     NodeAddr
	distance *big.Int
}

// ClosestQueue keeps the K nodes with the smallest XOR distance to a target
// seen so far. It is realized as a small sorted slice rather than a heap —
// K is always small (the default bucket size is 8, rarely above ~20), so an
// insertion sort beats the bookkeeping of a binary heap.
type ClosestQueue struct {
	target ID
	k      int
	items  []entry
}

// NewClosestQueue returns a queue that retains the k closest nodes to target.
func NewClosestQueue(target ID, k int) *ClosestQueue {
	return &ClosestQueue{target: target, k: k, items: make([]entry, 0, k)}
}

// Push inserts n, keeping only the K smallest-distance items. Returns true if
// n was retained (i.e. the queue was not full, or n displaced the farthest
// item).
func (q *ClosestQueue) Push(n NodeAddr) bool {
	d := Distance(q.target, n.ID)
	// Reject duplicates by ID; refresh distance is unnecessary since the
	// target never changes for the lifetime of a queue.
	for _, it := range q.items {
		if it.node.ID == n.ID {
			return false
		}
	}
	if len(q.items) < q.k {
		q.insert(entry{node: n, distance: d})
		return true
	}
	if d.Cmp(q.items[len(q.items)-1].distance) >= 0 {
		return false
	}
	q.items = q.items[:len(q.items)-1]
	q.insert(entry{node: n, distance: d})
	return true
}

func (q *ClosestQueue) insert(e entry) {
	i := 0
	for ; i < len(q.items); i++ {
		if e.distance.Cmp(q.items[i].distance) < 0 {
			break
		}
	}
	q.items = append(q.items, entry{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
}

// Max returns the distance of the farthest retained item, or nil if the
// queue is not yet full (i.e. unbounded — every candidate currently
// improves on it).
func (q *ClosestQueue) Max() *big.Int {
	if len(q.items) < q.k {
		return nil
	}
	return q.items[len(q.items)-1].distance
}

// Improves reports whether a node at distance d from the target would be
// retained by the queue (the definition of "promising" used by the lookup
// engine to decide whether to issue a sub-query).
func (q *ClosestQueue) Improves(d *big.Int) bool {
	m := q.Max()
	return m == nil || d.Cmp(m) < 0
}

// Len returns the number of items currently retained.
func (q *ClosestQueue) Len() int { return len(q.items) }

// Full reports whether the queue holds K items.
func (q *ClosestQueue) Full() bool { return len(q.items) >= q.k }

// Nodes returns the materialized, distance-ascending contents.
func (q *ClosestQueue) Nodes() []NodeAddr {
	out := make([]NodeAddr, len(q.items))
	for i, e := range q.items {
		out[i] = e.node
	}
	return out
}

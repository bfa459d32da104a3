// Package kbucket implements the routing table: a dynamically-splitting
// binary trie of K-buckets, ordered by XOR distance from the local node ID,
// with liveness-based eviction and periodic staleness refresh.
package kbucket

import (
	"time"

	"github.com/bpfs/dht/krpc"
)

// goodFor is the window within which a response or an inbound query keeps
// a contact "good" without further activity.
const goodFor = 15 * time.Minute

// badAfter is the number of consecutive failed responses after which a
// contact is considered dead.
const badAfter = 3

// Contact is one entry in the routing table: a node's identity, its IPv4
// endpoint, and the liveness bookkeeping the eviction policy consults.
type Contact struct {
	krpc.NodeAddr

	Token string // last write token this contact handed us, if any

	LastResponse    time.Time
	LastReceivedQuery time.Time
	Failed          int
}

// good reports whether c has ever responded, failed fewer than 3 times in a
// row, and has either responded or queried us within the last 15 minutes.
func (c Contact) good(now time.Time) bool {
	if c.LastResponse.IsZero() || c.Failed >= badAfter {
		return false
	}
	return now.Sub(c.LastResponse) <= goodFor || now.Sub(c.LastReceivedQuery) <= goodFor
}

// bad reports whether c has failed to respond 3 or more times in a row.
func (c Contact) bad() bool { return c.Failed >= badAfter }

// unknown reports whether c is neither good nor bad.
func (c Contact) unknown(now time.Time) bool { return !c.good(now) && !c.bad() }

// recordResponse marks c as having just responded, resetting its failure
// streak.
func (c *Contact) recordResponse(now time.Time) {
	c.LastResponse = now
	c.Failed = 0
}

// recordQuery marks c as having just sent us a query.
func (c *Contact) recordQuery(now time.Time) {
	c.LastReceivedQuery = now
}

// recordNoResponse increments c's consecutive-failure counter.
func (c *Contact) recordNoResponse() {
	c.Failed++
}

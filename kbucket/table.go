package kbucket

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/bpfs/dht/krpc"
)

// snapshotTimeFormat is the layout a SnapshotEntry's timestamp fields are
// rendered in: RFC3339 with nanosecond precision, so a persisted routing
// table stays human-readable and diffable.
const snapshotTimeFormat = time.RFC3339Nano

// formatSnapshotTime renders t in snapshotTimeFormat, UTC-normalized.
func formatSnapshotTime(t time.Time) string {
	return t.UTC().Format(snapshotTimeFormat)
}

// parseSnapshotTime parses a timestamp produced by formatSnapshotTime.
func parseSnapshotTime(s string) (time.Time, error) {
	t, err := time.Parse(snapshotTimeFormat, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// DefaultBucketSize is K, the default maximum number of contacts per leaf.
const DefaultBucketSize = 8

// evictionPingTimeout is the internal deadline the routing table imposes on
// every eviction ping, regardless of how the host's Prober behaves.
const evictionPingTimeout = 5 * time.Second

// Prober is the host-delegated liveness check the routing table uses when
// deciding whether to evict an "unknown" contact in favour of a new one.
// This realizes the base specification's re-architecture suggestion of a
// dependency-injected ping prober rather than an ad-hoc event/callback
// handoff: the table calls Ping directly and enforces its own 5-second
// deadline via ctx, so disposal can cancel an in-flight ping immediately
// instead of waiting out the full timeout.
type Prober interface {
	Ping(ctx context.Context, c Contact) bool
}

// RoutingTable is the binary trie of K-buckets ordered by XOR distance from
// Local. All mutation is serialized behind mu; the table imposes no
// additional concurrency of its own.
type RoutingTable struct {
	Local krpc.ID
	K     int

	clock  clock.Clock
	prober Prober

	mu   sync.Mutex
	root *bucket

	// splitting is true while splitAndRetry runs; nothing else reads it.
	// The "at most one leaf at a time is being evaluated for a split"
	// invariant is held by mu, under which every split happens.
	splitting bool
}

// New returns a RoutingTable rooted at local, using bucketSize as K (0
// selects DefaultBucketSize) and prober for eviction liveness checks.
func New(local krpc.ID, bucketSize int, prober Prober, clk clock.Clock) *RoutingTable {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	if clk == nil {
		clk = clock.New()
	}
	return &RoutingTable{
		Local:  local,
		K:      bucketSize,
		clock:  clk,
		prober: prober,
		root:   newRootBucket(clk.Now()),
	}
}

// RecordResponse marks c as having just responded to an outbound query,
// inserting it into the table if it is not already present.
func (rt *RoutingTable) RecordResponse(c Contact) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	now := rt.clock.Now()
	leaf := rt.root.leafFor(c.ID)
	if i := leaf.indexOf(c.ID); i >= 0 {
		existing := leaf.contacts[i]
		existing.IP, existing.Port = c.IP, c.Port
		existing.recordResponse(now)
		leaf.contacts[i] = existing
		return
	}
	c.recordResponse(now)
	rt.insert(c, now)
}

// RecordQuery marks c as having just sent us a query, inserting it into the
// table if it is not already present.
func (rt *RoutingTable) RecordQuery(c Contact) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	now := rt.clock.Now()
	leaf := rt.root.leafFor(c.ID)
	if i := leaf.indexOf(c.ID); i >= 0 {
		existing := leaf.contacts[i]
		existing.IP, existing.Port = c.IP, c.Port
		existing.recordQuery(now)
		leaf.contacts[i] = existing
		return
	}
	c.recordQuery(now)
	rt.insert(c, now)
}

// RecordNoResponse increments the failure counter of an existing contact;
// it does nothing if the contact is not present (a non-response for a
// contact we never tracked carries no information).
func (rt *RoutingTable) RecordNoResponse(id krpc.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	leaf := rt.root.leafFor(id)
	if i := leaf.indexOf(id); i >= 0 {
		leaf.contacts[i].recordNoResponse()
	}
}

// insert implements the base specification's insertion path for a contact
// not already present in the table. Caller holds mu.
func (rt *RoutingTable) insert(c Contact, now time.Time) {
	leaf := rt.root.leafFor(c.ID)
	if len(leaf.contacts) < rt.K {
		leaf.contacts = append(leaf.contacts, c)
		leaf.lastChanged = now
		return
	}
	if leaf.contains(rt.Local) {
		rt.splitAndRetry(leaf, c, now)
		return
	}
	rt.evict(leaf, c, now)
}

// splitAndRetry splits leaf (which covers Local and is full) and inserts c
// into whichever resulting child contains it, recursing if that child is
// itself full and still covers Local.
func (rt *RoutingTable) splitAndRetry(leaf *bucket, c Contact, now time.Time) {
	rt.splitting = true
	defer func() { rt.splitting = false }()

	if !leaf.split(now) {
		// Range is one ID wide; cannot split further. Fall back to the
		// eviction policy even though it covers Local — there is nowhere
		// else to put new contacts.
		rt.evict(leaf, c, now)
		return
	}
	rt.insert(c, now)
}

// evict implements the base specification's full-leaf eviction policy.
func (rt *RoutingTable) evict(leaf *bucket, c Contact, now time.Time) {
	for i, existing := range leaf.contacts {
		if existing.bad() {
			leaf.contacts[i] = c
			leaf.lastChanged = now
			return
		}
	}

	var unknownIdx []int
	for i, existing := range leaf.contacts {
		if existing.unknown(now) {
			unknownIdx = append(unknownIdx, i)
		}
	}
	if len(unknownIdx) == 0 {
		return // every contact is good; discard c
	}
	sort.Slice(unknownIdx, func(a, b int) bool {
		return leaf.contacts[unknownIdx[a]].LastResponse.Before(leaf.contacts[unknownIdx[b]].LastResponse)
	})

	for _, i := range unknownIdx {
		if rt.pingAlive(leaf.contacts[i]) {
			continue
		}
		leaf.contacts[i] = c
		leaf.lastChanged = now
		return
	}
	// every unknown contact answered; discard c
}

// pingAlive runs the host's Prober with the table's own 5-second deadline.
func (rt *RoutingTable) pingAlive(c Contact) bool {
	if rt.prober == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), evictionPingTimeout)
	defer cancel()
	alive := rt.prober.Ping(ctx, c)
	if !alive {
		logrus.WithField("node", c.ID.String()).Debug("eviction ping failed, replacing contact")
	}
	return alive
}

// Remove deletes a contact from the table, if present.
func (rt *RoutingTable) Remove(id krpc.ID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	leaf := rt.root.leafFor(id)
	if i := leaf.indexOf(id); i >= 0 {
		leaf.contacts = append(leaf.contacts[:i], leaf.contacts[i+1:]...)
	}
}

// Closest returns the n contacts (default 10) with the smallest XOR
// distance to target, ascending.
func (rt *RoutingTable) Closest(target krpc.ID, n int) []Contact {
	if n <= 0 {
		n = 10
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var all []Contact
	rt.root.walkLeaves(func(b *bucket) { all = append(all, b.contacts...) })
	sort.Slice(all, func(i, j int) bool {
		return krpc.Closer(target, all[i].ID, all[j].ID)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Get returns the contact with the given ID, if present.
func (rt *RoutingTable) Get(id krpc.ID) (Contact, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	leaf := rt.root.leafFor(id)
	if i := leaf.indexOf(id); i >= 0 {
		return leaf.contacts[i], true
	}
	return Contact{}, false
}

// Size returns the total number of contacts held across all leaves.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	rt.root.walkLeaves(func(b *bucket) { n += len(b.contacts) })
	return n
}

// StaleLeaf is a leaf reported by VisitStaleLeaves, carrying the refresh
// target the table wants the host to look up.
type StaleLeaf struct {
	RefreshTarget krpc.ID
}

// VisitStaleLeaves calls fn, with a random ID drawn from its range, for
// every leaf whose last_changed is older than maxAge. Used by the periodic
// 15-minute refresh cycle.
func (rt *RoutingTable) VisitStaleLeaves(maxAge time.Duration, fn func(StaleLeaf)) {
	rt.mu.Lock()
	now := rt.clock.Now()
	var stale []StaleLeaf
	rt.root.walkLeaves(func(b *bucket) {
		if now.Sub(b.lastChanged) >= maxAge {
			stale = append(stale, StaleLeaf{RefreshTarget: krpc.RandomIDInRange(b.min, b.max)})
		}
	})
	rt.mu.Unlock()
	for _, s := range stale {
		fn(s)
	}
}

// SnapshotEntry is one row of the persistent-state document described in
// the base specification's external-interfaces section. Timestamps are
// stored via formatSnapshotTime rather than relying on time.Time's default
// JSON encoding, so a snapshot document stays readable and diffable.
type SnapshotEntry struct {
	IDHex             string
	Address           string
	Port              uint16
	TokenHex          string
	LastResponse      string
	LastReceivedQuery string
	Failed            int
}

// Snapshot returns every contact as a flat sequence of rows suitable for
// JSON persistence.
func (rt *RoutingTable) Snapshot() []SnapshotEntry {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []SnapshotEntry
	rt.root.walkLeaves(func(b *bucket) {
		for _, c := range b.contacts {
			out = append(out, SnapshotEntry{
				IDHex:             c.ID.String(),
				Address:           c.UDPAddr().IP.String(),
				Port:              c.Port,
				TokenHex:          c.Token,
				LastResponse:      formatSnapshotTime(c.LastResponse),
				LastReceivedQuery: formatSnapshotTime(c.LastReceivedQuery),
				Failed:            c.Failed,
			})
		}
	})
	return out
}

// Load reinserts every snapshot row using the normal insertion path
// (insert), keeping each row's timestamps and failure count as stored.
func (rt *RoutingTable) Load(entries []SnapshotEntry) {
	for _, e := range entries {
		id, err := krpc.IDFromHex(e.IDHex)
		if err != nil {
			continue
		}
		ip := net.ParseIP(e.Address)
		if ip == nil {
			continue
		}
		lastResponse, _ := parseSnapshotTime(e.LastResponse)
		lastQuery, _ := parseSnapshotTime(e.LastReceivedQuery)
		c := Contact{
			NodeAddr:          krpc.NodeAddr{ID: id, Port: e.Port},
			Token:             e.TokenHex,
			LastResponse:      lastResponse,
			LastReceivedQuery: lastQuery,
			Failed:            e.Failed,
		}
		if ip4 := ip.To4(); ip4 != nil {
			copy(c.IP[:], ip4)
		}
		rt.mu.Lock()
		rt.insert(c, rt.clock.Now())
		rt.mu.Unlock()
	}
}

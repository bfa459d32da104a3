// Package lookup implements the iterative "closest-α" traversal that backs
// every operation reaching beyond the local routing table: find_node,
// get_peers, announce_peer's preparatory walk, and BEP-44 get/put.
package lookup

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bpfs/dht/krpc"
)

// QueryFunc issues method against p and returns the decoded response, or an
// error (including timeout) which the engine treats identically to an
// absent response.
type QueryFunc func(ctx context.Context, p krpc.NodeAddr) (*krpc.Return, error)

// NodesOfFunc extracts the compact node list carried by a response, so the
// engine can keep walking toward target.
type NodesOfFunc func(r *krpc.Return) []krpc.NodeAddr

// Predicate inspects a response from sender and either returns a non-nil
// value (short-circuiting the whole lookup) or nil (continue walking).
type Predicate func(r *krpc.Return, sender krpc.NodeAddr) interface{}

// Result is the outcome of a Run call: either Value is non-nil (the
// predicate short-circuited), or Closest holds the fully-drained closest-K
// set the walk converged on.
type Result struct {
	Value   interface{}
	Closest []krpc.NodeAddr
}

type pending struct {
	node krpc.NodeAddr
	r    *krpc.Return
	err  error
}

// Run performs the bounded-concurrency iterative closest walk described in
// the base specification §4.6. seeds is the routing table's initial
// Closest(target, k) set.
func Run(ctx context.Context, target krpc.ID, k int, seeds []krpc.NodeAddr, query QueryFunc, nodesOf NodesOfFunc, pred Predicate) Result {
	lookupID := uuid.New()
	logrus.WithFields(logrus.Fields{"lookup": lookupID.String(), "target": target.String()}).Debug("starting iterative lookup")

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	closest := krpc.NewClosestQueue(target, k)
	seen := make(map[krpc.ID]struct{})

	resultCh := make(chan pending)
	var wg sync.WaitGroup
	var outstanding int

	issue := func(p krpc.NodeAddr) {
		seen[p.ID] = struct{}{}
		outstanding++
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := query(lookupCtx, p)
			select {
			case resultCh <- pending{node: p, r: r, err: err}:
			case <-lookupCtx.Done():
			}
		}()
	}

	for _, s := range seeds {
		if _, dup := seen[s.ID]; dup {
			continue
		}
		issue(s)
	}

	var value interface{}
loop:
	for outstanding > 0 {
		select {
		case res := <-resultCh:
			outstanding--
			if res.err != nil {
				// Errors and timeouts are absorbed as non-responses.
				continue
			}
			if pred != nil {
				if v := pred(res.r, res.node); v != nil {
					value = v
					break loop
				}
			}
			closest.Push(res.node)
			for _, cand := range nodesOf(res.r) {
				if _, dup := seen[cand.ID]; dup {
					continue
				}
				d := krpc.Distance(target, cand.ID)
				if closest.Improves(d) {
					issue(cand)
				} else {
					seen[cand.ID] = struct{}{}
				}
			}
		case <-lookupCtx.Done():
			break loop
		}
	}

	// Still-running goroutines exit through lookupCtx.Done once the deferred
	// cancel fires; close resultCh after they have all returned, without
	// blocking the caller on them.
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	return Result{Value: value, Closest: closest.Nodes()}
}

// Package rtrefresh drives the routing table's periodic staleness scan: a
// background loop that walks every leaf every refreshInterval and issues a
// find_node lookup for any leaf whose contacts have gone quiet.
package rtrefresh

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/bpfs/dht/kbucket"
	"github.com/bpfs/dht/krpc"
)

// DefaultRefreshInterval matches the base specification's 15-minute leaf
// staleness window.
const DefaultRefreshInterval = 15 * time.Minute

// QueryFunc issues a find_node lookup for target and is expected to feed
// any discovered nodes back into the routing table as a side effect.
type QueryFunc func(ctx context.Context, target krpc.ID) error

// Manager runs the periodic refresh loop described in the base
// specification §4.5's "Refresh" paragraph.
type Manager struct {
	rt       *kbucket.RoutingTable
	queryFn  QueryFunc
	interval time.Duration
	clock    clock.Clock

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	trigger chan chan error
}

// NewManager returns a refresh Manager bound to rt. queryFn is called once
// per stale leaf discovered each cycle.
func NewManager(rt *kbucket.RoutingTable, queryFn QueryFunc, interval time.Duration, clk clock.Clock) *Manager {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		rt:       rt,
		queryFn:  queryFn,
		interval: interval,
		clock:    clk,
		ctx:      ctx,
		cancel:   cancel,
		trigger:  make(chan chan error),
	}
}

// Start launches the background refresh loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
}

// Close stops the refresh loop and waits for it to exit.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

// RefreshNow forces an immediate refresh cycle and waits for it to finish,
// returning any aggregated error from the cycle's find_node lookups.
func (m *Manager) RefreshNow(ctx context.Context) error {
	respCh := make(chan error, 1)
	select {
	case m.trigger <- respCh:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return m.ctx.Err()
	}
	select {
	case err := <-respCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case respCh := <-m.trigger:
			respCh <- m.doRefresh()
		case <-ticker.C:
			if err := m.doRefresh(); err != nil {
				logrus.WithError(err).Debug("routing table refresh cycle reported errors")
			}
		}
	}
}

func (m *Manager) doRefresh() error {
	cycleID := uuid.New()
	var merr *multierror.Error
	var wg sync.WaitGroup
	var mu sync.Mutex

	m.rt.VisitStaleLeaves(m.interval, func(leaf kbucket.StaleLeaf) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
			defer cancel()
			if err := m.queryFn(ctx, leaf.RefreshTarget); err != nil {
				mu.Lock()
				merr = multierror.Append(merr, err)
				mu.Unlock()
			}
		}()
	})
	wg.Wait()

	logrus.WithField("cycle", cycleID.String()).Debug("routing table refresh cycle complete")
	if merr == nil {
		return nil
	}
	return merr.ErrorOrNil()
}

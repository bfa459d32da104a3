package rtrefresh

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/bpfs/dht/kbucket"
	"github.com/bpfs/dht/krpc"
)

func TestRefreshNowQueriesStaleLeaves(t *testing.T) {
	mc := clock.NewMock()
	rt := kbucket.New(krpc.RandomID(), 8, nil, mc)
	rt.RecordResponse(kbucket.Contact{NodeAddr: krpc.NodeAddr{ID: krpc.RandomID()}})

	var mu sync.Mutex
	var targets []krpc.ID
	queryFn := func(ctx context.Context, target krpc.ID) error {
		mu.Lock()
		targets = append(targets, target)
		mu.Unlock()
		return nil
	}

	m := NewManager(rt, queryFn, time.Hour, mc)
	m.Start()
	defer m.Close()
	mc.Add(2 * time.Hour)

	err := m.RefreshNow(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, targets, 1)
}

func TestRefreshNowAggregatesErrors(t *testing.T) {
	mc := clock.NewMock()
	rt := kbucket.New(krpc.RandomID(), 8, nil, mc)
	rt.RecordResponse(kbucket.Contact{NodeAddr: krpc.NodeAddr{ID: krpc.RandomID()}})

	boom := errors.New("boom")
	m := NewManager(rt, func(ctx context.Context, target krpc.ID) error {
		return boom
	}, time.Hour, mc)
	m.Start()
	defer m.Close()
	mc.Add(2 * time.Hour)

	err := m.RefreshNow(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestRefreshNowIsNoopWhenNothingStale(t *testing.T) {
	mc := clock.NewMock()
	rt := kbucket.New(krpc.RandomID(), 8, nil, mc)
	rt.RecordResponse(kbucket.Contact{NodeAddr: krpc.NodeAddr{ID: krpc.RandomID()}})

	called := false
	m := NewManager(rt, func(ctx context.Context, target krpc.ID) error {
		called = true
		return nil
	}, time.Hour, mc)
	m.Start()
	defer m.Close()

	err := m.RefreshNow(context.Background())
	require.NoError(t, err)
	require.False(t, called)
}

func TestStartAndCloseStopsLoop(t *testing.T) {
	mc := clock.NewMock()
	rt := kbucket.New(krpc.RandomID(), 8, nil, mc)

	m := NewManager(rt, func(ctx context.Context, target krpc.ID) error { return nil }, time.Hour, mc)
	m.Start()
	require.NoError(t, m.Close())
}

func TestRefreshNowReturnsContextErrorAfterClose(t *testing.T) {
	mc := clock.NewMock()
	rt := kbucket.New(krpc.RandomID(), 8, nil, mc)

	m := NewManager(rt, func(ctx context.Context, target krpc.ID) error { return nil }, time.Hour, mc)
	m.Start()
	require.NoError(t, m.Close())

	err := m.RefreshNow(context.Background())
	require.Error(t, err)
}

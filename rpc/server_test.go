package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bpfs/dht/krpc"
)

func listen(t *testing.T) net.PacketConn {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	return conn
}

func TestQueryServeRoundTrip(t *testing.T) {
	serverConn := listen(t)
	clientConn := listen(t)

	server := NewServer(serverConn, DefaultTimeout, nil)
	server.SetQueryHandler(func(q *krpc.Msg, from *net.UDPAddr) (*krpc.Return, *krpc.ErrorValue) {
		return &krpc.Return{ID: krpc.RandomID()}, nil
	})
	client := NewServer(clientConn, DefaultTimeout, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)
	defer server.Close()
	defer client.Close()

	ret, err := client.Query(context.Background(), serverConn.LocalAddr().(*net.UDPAddr), krpc.MethodPing, &krpc.Args{ID: krpc.RandomID()})
	require.NoError(t, err)
	require.NotNil(t, ret)
}

func TestQueryReturnsKRPCError(t *testing.T) {
	serverConn := listen(t)
	clientConn := listen(t)

	server := NewServer(serverConn, DefaultTimeout, nil)
	server.SetQueryHandler(func(q *krpc.Msg, from *net.UDPAddr) (*krpc.Return, *krpc.ErrorValue) {
		return nil, &krpc.ErrorValue{Code: krpc.ErrorCodeProtocolError, Description: "bad token"}
	})
	client := NewServer(clientConn, DefaultTimeout, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Serve(ctx)
	go client.Serve(ctx)
	defer server.Close()
	defer client.Close()

	_, err := client.Query(context.Background(), serverConn.LocalAddr().(*net.UDPAddr), krpc.MethodPing, &krpc.Args{ID: krpc.RandomID()})
	require.Error(t, err)
	ev, ok := err.(*krpc.ErrorValue)
	require.True(t, ok)
	require.Equal(t, "bad token", ev.Description)
}

func TestQueryTimesOutWhenUnanswered(t *testing.T) {
	clientConn := listen(t)
	unreachable := listen(t)
	unreachableAddr := unreachable.LocalAddr().(*net.UDPAddr)
	require.NoError(t, unreachable.Close())

	client := NewServer(clientConn, 50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Serve(ctx)
	defer client.Close()

	_, err := client.Query(context.Background(), unreachableAddr, krpc.MethodPing, &krpc.Args{ID: krpc.RandomID()})
	require.Error(t, err)
	_, isTimeout := err.(*TimeoutError)
	require.True(t, isTimeout)
}

func TestZeroTimeoutDisablesDeadlineRespectsCallerContext(t *testing.T) {
	clientConn := listen(t)
	unreachable := listen(t)
	unreachableAddr := unreachable.LocalAddr().(*net.UDPAddr)
	require.NoError(t, unreachable.Close())

	client := NewServer(clientConn, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Serve(ctx)
	defer client.Close()

	queryCtx, queryCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer queryCancel()
	_, err := client.Query(queryCtx, unreachableAddr, krpc.MethodPing, &krpc.Args{ID: krpc.RandomID()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseFailsOutstandingTransactions(t *testing.T) {
	clientConn := listen(t)
	unreachable := listen(t)
	unreachableAddr := unreachable.LocalAddr().(*net.UDPAddr)
	require.NoError(t, unreachable.Close())

	client := NewServer(clientConn, 0, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Serve(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := client.Query(context.Background(), unreachableAddr, krpc.MethodPing, &krpc.Args{ID: krpc.RandomID()})
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, client.Close())

	err := <-errCh
	require.Error(t, err)
}

func TestQueryAfterCloseReturnsErrClosed(t *testing.T) {
	clientConn := listen(t)
	client := NewServer(clientConn, DefaultTimeout, nil)
	require.NoError(t, client.Close())

	_, err := client.Query(context.Background(), &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}, krpc.MethodPing, &krpc.Args{ID: krpc.RandomID()})
	require.ErrorIs(t, err, ErrClosed)
}

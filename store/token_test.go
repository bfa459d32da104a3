package store

import (
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/bpfs/dht/krpc"
)

func TestTokenVerifyRoundTrip(t *testing.T) {
	ts := NewTokenStore(nil)
	target := krpc.RandomID()
	n1 := net.ParseIP("1.2.3.4")
	n2 := net.ParseIP("5.6.7.8")

	token := ts.Issue(target, n1)
	require.True(t, ts.Verify(token, target, n1))
	require.False(t, ts.Verify(token, target, n2))
}

func TestTokenSurvivesOneRotation(t *testing.T) {
	mc := clock.NewMock()
	ts := NewTokenStore(mc)
	target := krpc.RandomID()
	ip := net.ParseIP("9.9.9.9")

	token := ts.Issue(target, ip)
	mc.Add(tokenRotationInterval + time.Second)
	require.True(t, ts.Verify(token, target, ip))
}

func TestTokenExpiresAfterTwoRotations(t *testing.T) {
	mc := clock.NewMock()
	ts := NewTokenStore(mc)
	target := krpc.RandomID()
	ip := net.ParseIP("9.9.9.9")

	token := ts.Issue(target, ip)
	mc.Add(tokenRotationInterval + time.Second)
	ts.Verify(token, target, ip) // triggers the first rotation via maybeRotate
	mc.Add(tokenRotationInterval + time.Second)
	require.False(t, ts.Verify(token, target, ip))
}

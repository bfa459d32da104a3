// Package store implements the BEP-44 write-token issuance/verification
// machinery and the bounded, time-expiring value-record cache that backs
// the storage extension's get/put operations.
package store

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bpfs/dht/krpc"
)

// secretLen is the length in bytes of the rotating token secret.
const secretLen = 10

// tokenRotationInterval is how often the secret is replaced.
const tokenRotationInterval = 10 * time.Minute

// TokenStore issues and verifies write tokens bound to a (target,
// requester-IP) pair. It keeps the current and previous secret so that a
// token issued just before a rotation remains valid for a full 10-minute
// window after being handed out, per the base specification's dual-secret
// acceptance rule.
type TokenStore struct {
	clock clock.Clock

	mu       sync.Mutex
	secret   [secretLen]byte
	prev     [secretLen]byte
	rotated  time.Time
}

// NewTokenStore returns a TokenStore using clk as its time source. A nil
// clock defaults to the real wall clock.
func NewTokenStore(clk clock.Clock) *TokenStore {
	if clk == nil {
		clk = clock.New()
	}
	ts := &TokenStore{clock: clk}
	ts.rotate()
	ts.prev = ts.secret
	return ts
}

func (ts *TokenStore) rotate() {
	var s [secretLen]byte
	_, _ = rand.Read(s[:])
	ts.secret = s
	ts.rotated = ts.clock.Now()
}

// maybeRotate rotates the secret if the rotation interval has elapsed,
// keeping the just-expired secret as prev so in-flight tokens still verify.
func (ts *TokenStore) maybeRotate() {
	if ts.clock.Now().Sub(ts.rotated) >= tokenRotationInterval {
		ts.prev = ts.secret
		ts.rotate()
	}
}

func digest(target krpc.ID, ip net.IP, secret [secretLen]byte) string {
	h := sha1.New()
	h.Write(target[:])
	if ip4 := ip.To4(); ip4 != nil {
		h.Write(ip4)
	} else {
		h.Write(ip)
	}
	h.Write(secret[:])
	return string(h.Sum(nil))
}

// Issue returns a fresh write token for (target, requester).
func (ts *TokenStore) Issue(target krpc.ID, requester net.IP) string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.maybeRotate()
	return digest(target, requester, ts.secret)
}

// Verify reports whether token was issued for (target, requester) within
// the current or immediately preceding rotation window.
func (ts *TokenStore) Verify(token string, target krpc.ID, requester net.IP) bool {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.maybeRotate()
	if token == digest(target, requester, ts.secret) {
		return true
	}
	return token == digest(target, requester, ts.prev)
}

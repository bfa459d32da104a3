package dht

import (
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bpfs/dht/kbucket"
	"github.com/bpfs/dht/krpc"
	"github.com/bpfs/dht/rpc"
	"github.com/bpfs/dht/rtrefresh"
)

// Config holds every option that can be used when constructing a Node. It is
// built up via Option values and consumed by New.
type Config struct {
	ID krpc.ID

	BucketSize      int
	QueryTimeout    time.Duration
	RefreshInterval time.Duration

	BootstrapPeers []*net.UDPAddr

	Clock clock.Clock
}

// Option configures a Node at construction time.
type Option func(*Config) error

// Defaults is implicitly applied before any user-supplied options.
var Defaults = func(c *Config) error {
	c.BucketSize = kbucket.DefaultBucketSize
	c.QueryTimeout = rpc.DefaultTimeout
	c.RefreshInterval = rtrefresh.DefaultRefreshInterval
	return nil
}

// WithBucketSize overrides K, the maximum number of contacts per leaf.
func WithBucketSize(k int) Option {
	return func(c *Config) error {
		if k <= 0 {
			return fmt.Errorf("dht: bucket size must be positive")
		}
		c.BucketSize = k
		return nil
	}
}

// WithQueryTimeout overrides the per-transaction RPC timeout. 0 disables
// the timeout entirely.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.QueryTimeout = d
		return nil
	}
}

// WithRefreshInterval overrides the routing table's staleness window.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("dht: refresh interval must be positive")
		}
		c.RefreshInterval = d
		return nil
	}
}

// WithBootstrapPeers sets the seed peers contacted by Bootstrap.
func WithBootstrapPeers(addrs ...*net.UDPAddr) Option {
	return func(c *Config) error {
		c.BootstrapPeers = addrs
		return nil
	}
}

// WithClock overrides the time source used throughout the node (routing
// table timestamps, token rotation, refresh ticker). Intended for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) error {
		c.Clock = clk
		return nil
	}
}

// Apply runs every option against c in order.
func (c *Config) Apply(opts ...Option) error {
	for i, opt := range opts {
		if err := opt(c); err != nil {
			return fmt.Errorf("dht option %d failed: %s", i, err)
		}
	}
	return nil
}

// Validate checks the fully-applied configuration for internal consistency.
func (c *Config) Validate() error {
	if c.BucketSize <= 0 {
		return fmt.Errorf("dht: bucket size must be positive")
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("dht: refresh interval must be positive")
	}
	return nil
}

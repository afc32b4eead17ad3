// Package pool provides a load-balanced connection pool for RPC clients:
// it keeps a SubConn per backend address, reconnects failed ones, and
// routes each Invoke through a pluggable balancer.
package pool

import (
	"github.com/clusterlb/clusterlb/rpc/client"
	"github.com/clusterlb/clusterlb/rpc/transport/resolver"
)

// config holds configuration for Pool.
type config struct {
	balancer   BalancerPicker
	clientOpts []client.Option
	resolver   resolver.Resolver
}

func defaultConfig() *config {
	return &config{
		balancer: &RoundRobinBalancer{},
	}
}

// Option configures a Pool.
type Option func(*config)

// WithBalancer sets the connection selection strategy.
// Default is RoundRobinBalancer.
func WithBalancer(b BalancerPicker) Option {
	return func(c *config) {
		if b != nil {
			c.balancer = b
		}
	}
}

// WithClientOptions sets options passed to each SubConn's client.Conn.
func WithClientOptions(opts ...client.Option) Option {
	return func(c *config) {
		c.clientOpts = append(c.clientOpts, opts...)
	}
}

// WithResolver sets the resolver that supplies the pool's initial address
// list. Required.
func WithResolver(r resolver.Resolver) Option {
	return func(c *config) {
		c.resolver = r
	}
}

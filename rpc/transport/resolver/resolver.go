// Package resolver defines the contract between the connection pool and
// whatever discovers backend addresses for it. The pool pulls an initial
// address list through Resolver.Resolve at construction; resolvers that
// discover topology continuously push later updates through
// pool.UpdateAddresses instead of being re-polled.
package resolver

import (
	"github.com/gostdlib/base/context"
)

// Address is one resolved backend the pool may connect to.
type Address struct {
	// Addr is the network address ("host:port").
	Addr string

	// Priority orders addresses for selection. Lower value means higher
	// priority; zero is the highest.
	Priority uint32

	// Eligible reports whether this address may be selected for traffic.
	// Ineligible addresses are surfaced to the balancer but never picked,
	// e.g. a cluster member that announced itself as draining.
	Eligible bool

	// Attributes holds arbitrary metadata about this address.
	// Examples: datacenter, zone, version labels.
	Attributes map[string]any
}

// Resolver produces the pool's initial address list.
type Resolver interface {
	// Resolve returns addresses for the pool to connect to. It may block
	// until a first list is available; implementations must respect ctx
	// cancellation and deadlines.
	Resolve(ctx context.Context) ([]Address, error)

	// Close releases any resources held by the resolver. After Close,
	// Resolve must not be called.
	Close() error
}

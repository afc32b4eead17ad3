// Package source defines the topology-source contracts the resolver
// discovers cluster membership through, and adapts a polling source into
// the uniform streaming shape the resolver consumes.
package source

import (
	"time"

	"github.com/gostdlib/base/context"

	"github.com/clusterlb/clusterlb/lb/endpoint"
	"github.com/clusterlb/clusterlb/lb/topology"
	"github.com/clusterlb/clusterlb/rpc/client"
)

// DiscoveryContext carries the per-call identity a topology source needs:
// a connected channel to the seed being queried, the seed's endpoint, and
// the caller's cancellation/timeout via ctx itself.
type DiscoveryContext struct {
	Conn     *client.Conn
	Endpoint endpoint.Endpoint
}

// Stream yields complete topology snapshots until Close is called or the
// source itself ends the stream (e.g. on a transport-level break).
type Stream interface {
	// Recv blocks for the next snapshot. It returns an error (including
	// the context's error) when the stream ends; callers must stop
	// calling Recv after the first error.
	Recv(ctx context.Context) (topology.Topology, error)
	// Close releases resources the stream holds open.
	Close()
}

// Polling is a request/response discovery source: a single call returns
// the current topology.
type Polling interface {
	Get(ctx context.Context, dctx DiscoveryContext) (topology.Topology, error)
}

// Streaming is a server-push discovery source: a single call opens a
// long-lived stream of complete snapshots.
type Streaming interface {
	Subscribe(ctx context.Context, dctx DiscoveryContext) (Stream, error)
}

// Order is a strict-weak ordering over nodes, defining the announced order
// snapshots from a source are presented in. It has no effect on topology
// equality or deduplication, which are set-based.
type Order func(a, b topology.Node) bool

// ByPriority orders nodes by priority ascending. This is the order applied
// to snapshots from sources that don't provide their own.
func ByPriority(a, b topology.Node) bool { return a.Priority < b.Priority }

// Ordered is implemented by sources that want their snapshots presented in
// a specific node order. Sources that don't implement it get ByPriority.
type Ordered interface {
	Order() Order
}

// OrderOf returns src's node order, or ByPriority if src doesn't provide
// one. src may be a Polling or Streaming implementation.
func OrderOf(src any) Order {
	if o, ok := src.(Ordered); ok {
		if ord := o.Order(); ord != nil {
			return ord
		}
	}
	return ByPriority
}

// Adapt wraps a Polling source as a Streaming source, polling at the given
// delay: emit Get(), wait delay, repeat. The stream's context ending stops
// emission; a poll in flight is cancelled along with it.
func Adapt(p Polling, delay time.Duration) Streaming {
	return &pollingAdapter{p: p, delay: delay}
}

type pollingAdapter struct {
	p     Polling
	delay time.Duration
}

// Order forwards the wrapped source's node order so adapting a Polling
// source doesn't hide its Ordered implementation.
func (a *pollingAdapter) Order() Order { return OrderOf(a.p) }

func (a *pollingAdapter) Subscribe(ctx context.Context, dctx DiscoveryContext) (Stream, error) {
	return &pollingStream{adapter: a, ctx: ctx, dctx: dctx}, nil
}

// pollingStream drives one Get per Recv call, ticking at the adapter's
// delay so the first snapshot returns immediately and later ones are
// spaced out, mirroring the ticker-driven polling loop used elsewhere in
// this tree for periodic background work.
type pollingStream struct {
	adapter *pollingAdapter
	ctx     context.Context
	dctx    DiscoveryContext
	ticker  *time.Ticker
}

func (s *pollingStream) Recv(ctx context.Context) (topology.Topology, error) {
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.adapter.delay)
	} else {
		select {
		case <-s.ctx.Done():
			return topology.Empty, s.ctx.Err()
		case <-ctx.Done():
			return topology.Empty, ctx.Err()
		case <-s.ticker.C:
		}
	}

	select {
	case <-s.ctx.Done():
		return topology.Empty, s.ctx.Err()
	default:
	}

	getCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.ctx.Done():
			cancel()
		case <-getCtx.Done():
		}
	}()
	return s.adapter.p.Get(getCtx, s.dctx)
}

func (s *pollingStream) Close() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
}

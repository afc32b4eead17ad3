// Package channel assembles a single logical cluster-aware channel: a seed
// pool, a topology source adapter, a cluster resolver, a priority
// round-robin balancer and a refresh-trigger interceptor, wired into the
// RPC runtime's connection pool. This is the only package callers need to
// import to open a channel; everything else in lb/ is a component it wires
// together.
package channel

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/clusterlb/clusterlb/lb/balancer"
	"github.com/clusterlb/clusterlb/lb/endpoint"
	"github.com/clusterlb/clusterlb/lb/refresh"
	"github.com/clusterlb/clusterlb/lb/resolver"
	"github.com/clusterlb/clusterlb/lb/seedpool"
	"github.com/clusterlb/clusterlb/lb/source"
	"github.com/clusterlb/clusterlb/lb/topology"
	"github.com/clusterlb/clusterlb/rpc/client"
	"github.com/clusterlb/clusterlb/rpc/client/pool"
	rpcerrors "github.com/clusterlb/clusterlb/rpc/errors"
	"github.com/clusterlb/clusterlb/rpc/transport"
	"github.com/clusterlb/clusterlb/rpc/transport/tcp"
	transresolver "github.com/clusterlb/clusterlb/rpc/transport/resolver"
)

// ErrConfiguration reports a build-time configuration mistake: no seeds, no
// topology source, or a malformed endpoint. It is always fatal and always
// raised synchronously from ForAddress/FromConfiguration, never after the
// channel starts running.
var ErrConfiguration = errors.New("channel: invalid configuration")

// Options configures a channel. Zero value is not usable; build one with
// ForAddress or FromConfiguration, which fill in defaults for any field the
// configure callbacks leave unset after running them.
type Options struct {
	// Seeds is additional bootstrap endpoints beyond the primary ("host:port").
	Seeds []string

	// Polling is a request/response discovery source. Exactly one of
	// Polling or Streaming must be set.
	Polling source.Polling
	// Streaming is a server-push discovery source. Exactly one of
	// Polling or Streaming must be set.
	Streaming source.Streaming

	// Delay is the poll interval used when Polling is set.
	Delay time.Duration

	// NodeOrder overrides the order published address lists are presented
	// in. Defaults to the topology source's own order (source.Ordered), or
	// priority ascending.
	NodeOrder source.Order

	// Timeout is the per-discovery-call timeout.
	Timeout time.Duration
	// MaxDiscoveryAttempts is the number of bootstrap attempts before
	// BootstrapFailed is surfaced. Zero attempts with failing seeds fails
	// immediately with no I/O. Left unset by the configure callbacks, it
	// defaults to 10: ForAddress and FromConfiguration seed it with
	// resolver.UnsetMaxDiscoveryAttempts before running configure callbacks
	// so an explicit 0 is never confused with "not configured".
	MaxDiscoveryAttempts int
	// InitialBackoff is the first backoff after a seed failure, for both
	// the resolver's bootstrap loop and the seed pool's cooldown.
	InitialBackoff time.Duration
	// MaxBackoff caps InitialBackoff's doubling.
	MaxBackoff time.Duration

	// RefreshPolicy decides whether an RPC error should trigger
	// re-resolution. Defaults to Unavailable only.
	RefreshPolicy refresh.Policy
	// RefreshOnStatusCodes builds the default RefreshPolicy when
	// RefreshPolicy is nil.
	RefreshOnStatusCodes []rpcerrors.Category

	// UseTLS applies TLS to seed and subchannel connections.
	UseTLS bool
	// TLSConfig overrides the TLS configuration used when UseTLS is true.
	TLSConfig *tls.Config
	// DialFunc overrides how both seed and subchannel connections are
	// dialed. Defaults to tcp.Dial, optionally wrapped with TLS.
	DialFunc transport.DialFunc
	// ClientOpts are applied to every client.Conn the pool and seed pool
	// create, in addition to the refresh interceptor this package installs.
	ClientOpts []client.Option
	// SeedSoftCap bounds how many seed channels are held open at once.
	SeedSoftCap int
}

func (o *Options) setDefaults() {
	if o.Delay <= 0 {
		o.Delay = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.MaxDiscoveryAttempts == resolver.UnsetMaxDiscoveryAttempts {
		o.MaxDiscoveryAttempts = 10
	}
	if o.MaxDiscoveryAttempts < 0 {
		o.MaxDiscoveryAttempts = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Second
	}
	if len(o.RefreshOnStatusCodes) == 0 {
		o.RefreshOnStatusCodes = refresh.DefaultStatusCodes
	}
	if o.DialFunc == nil {
		o.DialFunc = o.defaultDialFunc()
	}
}

func (o *Options) defaultDialFunc() transport.DialFunc {
	tlsCfg := o.TLSConfig
	useTLS := o.UseTLS
	return func(ctx context.Context, addr string) (transport.Transport, error) {
		if !useTLS {
			return tcp.Dial(ctx, addr)
		}
		cfg := tlsCfg
		if cfg == nil {
			cfg = &tls.Config{}
		}
		return tcp.Dial(ctx, addr, tcp.WithTLSConfig(cfg))
	}
}

// Channel is a single logical RPC channel, discovered and load-balanced
// across a cluster. It owns exactly one resolver, one seed pool and one LB
// policy (via the connection pool's balancer), torn down together by Close.
type Channel struct {
	pool     *pool.Pool
	resolver *resolver.Resolver
	seedPool *seedpool.Pool
}

// ForAddress opens a channel with primary as the implicit first seed,
// deduplicated by (host, port) against any explicit Seeds the configure
// callbacks add; primary always keeps position 0.
func ForAddress(ctx context.Context, primary string, configure ...func(*Options)) (*Channel, error) {
	opts := Options{MaxDiscoveryAttempts: resolver.UnsetMaxDiscoveryAttempts}
	for _, c := range configure {
		c(&opts)
	}
	opts.setDefaults()

	primaryEP, err := endpoint.Parse(primary)
	if err != nil {
		return nil, fmt.Errorf("%w: primary endpoint: %v", ErrConfiguration, err)
	}

	seeds, err := dedupeSeeds(primaryEP, opts.Seeds)
	if err != nil {
		return nil, err
	}

	return build(ctx, seeds, opts)
}

// ResilienceConfig is the serializable half of the resilience knobs in
// Configuration. It mirrors Options' resilience fields so a Configuration
// value round-trips through JSON/YAML without carrying function values.
type ResilienceConfig struct {
	Timeout time.Duration
	// MaxDiscoveryAttempts is the number of bootstrap attempts before
	// BootstrapFailed is surfaced. A nil pointer means unset and defaults
	// to 10; a pointer to 0 means zero attempts, failing immediately with
	// no I/O if the seeds are unreachable. Plain int zero-value would be
	// indistinguishable from "not configured", so this is a pointer.
	MaxDiscoveryAttempts *int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	RefreshOnStatusCodes []int32
}

// Configuration is the serializable options object FromConfiguration
// accepts. It excludes the topology source and any function-valued option
// (RefreshPolicy, DialFunc), which must be supplied via the configure
// callback or TopologySource parameter instead.
type Configuration struct {
	Seeds      []string
	Delay      time.Duration
	Resilience ResilienceConfig
	UseTLS     bool
}

// TopologySource is supplied by code, not by Configuration, since it is a
// caller-implemented discovery protocol and cannot be deserialized. It must
// be exactly one of source.Polling or source.Streaming.
type TopologySource any

// FromConfiguration opens a channel from a serializable Configuration plus
// a code-side topology source and optional further configure callbacks.
func FromConfiguration(ctx context.Context, cfg Configuration, topologySource TopologySource, configure ...func(*Options)) (*Channel, error) {
	if len(cfg.Seeds) == 0 {
		return nil, fmt.Errorf("%w: no seeds", ErrConfiguration)
	}

	opts := Options{
		Seeds:                cfg.Seeds[1:],
		Delay:                cfg.Delay,
		Timeout:              cfg.Resilience.Timeout,
		MaxDiscoveryAttempts: resolver.UnsetMaxDiscoveryAttempts,
		InitialBackoff:       cfg.Resilience.InitialBackoff,
		MaxBackoff:           cfg.Resilience.MaxBackoff,
		UseTLS:               cfg.UseTLS,
	}
	if cfg.Resilience.MaxDiscoveryAttempts != nil {
		opts.MaxDiscoveryAttempts = *cfg.Resilience.MaxDiscoveryAttempts
	}
	for _, code := range cfg.Resilience.RefreshOnStatusCodes {
		opts.RefreshOnStatusCodes = append(opts.RefreshOnStatusCodes, rpcerrors.Category(uint32(code)))
	}

	switch ts := topologySource.(type) {
	case source.Streaming:
		opts.Streaming = ts
	case source.Polling:
		opts.Polling = ts
	default:
		return nil, fmt.Errorf("%w: topology source must implement source.Polling or source.Streaming", ErrConfiguration)
	}

	for _, c := range configure {
		c(&opts)
	}
	opts.setDefaults()

	primaryEP, err := endpoint.Parse(cfg.Seeds[0])
	if err != nil {
		return nil, fmt.Errorf("%w: primary endpoint: %v", ErrConfiguration, err)
	}

	seeds, err := dedupeSeeds(primaryEP, opts.Seeds)
	if err != nil {
		return nil, err
	}

	return build(ctx, seeds, opts)
}

// dedupeSeeds returns seeds with primary in position 0, followed by extra
// deduplicated by (host, port) against primary and each other.
func dedupeSeeds(primary endpoint.Endpoint, extra []string) ([]endpoint.Endpoint, error) {
	seeds := []endpoint.Endpoint{primary}
	seen := map[endpoint.Endpoint]bool{primary: true}

	for _, s := range extra {
		ep, err := endpoint.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: seed %q: %v", ErrConfiguration, s, err)
		}
		if seen[ep] {
			continue
		}
		seen[ep] = true
		seeds = append(seeds, ep)
	}
	return seeds, nil
}

// build wires the seed pool, topology source adapter, cluster resolver,
// priority round-robin balancer and refresh interceptor together behind the
// connection pool. The resolver is constructed first so its trigger-refresh
// handle can be injected into the interceptor directly, with no back-patching.
func build(ctx context.Context, seeds []endpoint.Endpoint, opts Options) (*Channel, error) {
	if opts.Polling == nil && opts.Streaming == nil {
		return nil, fmt.Errorf("%w: no topology source", ErrConfiguration)
	}
	if opts.Polling != nil && opts.Streaming != nil {
		return nil, fmt.Errorf("%w: both polling and streaming topology sources set", ErrConfiguration)
	}

	sp := seedpool.New(seeds, seedpool.Options{
		InitialBackoff: opts.InitialBackoff,
		MaxBackoff:     opts.MaxBackoff,
		SoftCap:        opts.SeedSoftCap,
		DialFunc:       opts.DialFunc,
		ClientOpts:     opts.ClientOpts,
	})

	var stream source.Streaming
	if opts.Streaming != nil {
		stream = opts.Streaming
	} else {
		stream = source.Adapt(opts.Polling, opts.Delay)
	}

	br := &bridge{firstCh: make(chan struct{})}

	res := resolver.New(resolver.Config{
		Seeds:                seeds,
		SeedPool:             sp,
		Source:               stream,
		Timeout:              opts.Timeout,
		MaxDiscoveryAttempts: opts.MaxDiscoveryAttempts,
		InitialBackoff:       opts.InitialBackoff,
		MaxBackoff:           opts.MaxBackoff,
		Order:                opts.NodeOrder,
	}, br)
	res.Start(ctx)

	refreshPolicy := opts.RefreshPolicy
	if refreshPolicy == nil {
		refreshPolicy = refresh.OnStatusCodes(opts.RefreshOnStatusCodes...)
	}
	clientOpts := append([]client.Option{
		client.WithUnaryInterceptor(refresh.UnaryClientInterceptor(res, refreshPolicy)),
	}, opts.ClientOpts...)

	p, err := pool.New(ctx, opts.DialFunc,
		pool.WithResolver(br),
		pool.WithBalancer(&balancer.PoolPicker{}),
		pool.WithClientOptions(clientOpts...),
	)
	if err != nil {
		res.Close()
		if errors.Is(err, resolver.ErrBootstrapFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("channel: %w", err)
	}
	br.attach(p)

	return &Channel{pool: p, resolver: res, seedPool: sp}, nil
}

// Invoke performs a unary RPC on a subchannel the balancer picks from the
// current address list. The refresh interceptor wraps the call, so an
// error matching the refresh policy re-resolves the topology in the
// background while the error still reaches the caller unchanged.
func (c *Channel) Invoke(ctx context.Context, method string, req []byte, opts ...client.CallOption) ([]byte, error) {
	return c.pool.Invoke(ctx, method, req, opts...)
}

// TriggerRefresh forces the resolver to cancel its current subscription and
// re-bootstrap, as if a refresh-policy-matching RPC error had occurred.
func (c *Channel) TriggerRefresh() { c.resolver.TriggerRefresh() }

// State reports the resolver's current lifecycle state.
func (c *Channel) State() resolver.State { return c.resolver.State() }

// ReadyCount returns the number of subchannels currently ready for RPCs.
func (c *Channel) ReadyCount() int { return c.pool.ReadyCount() }

// Close tears down the connection pool, the resolver's subscription task,
// and the seed pool, in that order. Idempotent only insofar as the
// underlying pool and resolver are.
func (c *Channel) Close() error {
	err := c.pool.Close()
	c.resolver.Close()
	return err
}

// bridge adapts the cluster resolver's push model (UpdateAddresses/
// ReportError) to the RPC runtime's pull-based resolver.Resolver contract.
// The first snapshot (or terminal bootstrap error) satisfies the blocking
// Resolve call pool.New makes; every snapshot after that is pushed directly
// into the pool once attach has wired it up. A snapshot that arrives in the
// narrow window between the first Resolve and attach is queued, not lost.
type bridge struct {
	mu        sync.Mutex
	pool      *pool.Pool
	firstCh   chan struct{}
	firstDone bool
	first     []transresolver.Address
	firstErr  error
	pending   []transresolver.Address
	hasPend   bool
}

func (b *bridge) attach(p *pool.Pool) {
	b.mu.Lock()
	b.pool = p
	pending, has := b.pending, b.hasPend
	b.hasPend = false
	b.pending = nil
	b.mu.Unlock()

	if has {
		p.UpdateAddresses(pending)
	}
}

// Resolve implements transresolver.Resolver by blocking for the resolver's
// first published snapshot or terminal bootstrap failure.
func (b *bridge) Resolve(ctx context.Context) ([]transresolver.Address, error) {
	select {
	case <-b.firstCh:
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.first, b.firstErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close is a no-op: the channel's resolver and seed pool own the actual
// teardown, driven by Channel.Close, not by the connection pool.
func (b *bridge) Close() error { return nil }

// UpdateAddresses implements resolver.PushTarget. Before attach, it
// satisfies the pending Resolve call (first snapshot) or queues the
// snapshot (subsequent ones); after attach, it pushes straight into the
// pool.
func (b *bridge) UpdateAddresses(nodes []topology.Node) {
	addrs := toAddresses(nodes)

	b.mu.Lock()
	if b.pool != nil {
		p := b.pool
		b.mu.Unlock()
		p.UpdateAddresses(addrs)
		return
	}
	if !b.firstDone {
		b.first = addrs
		b.firstDone = true
		close(b.firstCh)
	} else {
		b.pending = addrs
		b.hasPend = true
	}
	b.mu.Unlock()
}

// ReportError implements resolver.PushTarget. A BootstrapFailed before the
// first snapshot unblocks Resolve with the error; afterwards there is no
// pull-based caller left to report to, so the pool's address list is
// emptied instead and subsequent RPCs fail fast with no ready subchannel.
func (b *bridge) ReportError(err error) {
	b.mu.Lock()
	if b.firstDone {
		p := b.pool
		if p == nil {
			b.pending, b.hasPend = nil, true
		}
		b.mu.Unlock()
		if p != nil {
			p.UpdateAddresses(nil)
		}
		return
	}
	b.firstErr = err
	b.firstDone = true
	close(b.firstCh)
	b.mu.Unlock()
}

func toAddresses(nodes []topology.Node) []transresolver.Address {
	addrs := make([]transresolver.Address, 0, len(nodes))
	for _, n := range nodes {
		ep := endpoint.Endpoint{Host: n.Host, Port: n.Port}
		addrs = append(addrs, transresolver.Address{
			Addr:       ep.String(),
			Priority:   uint32(n.Priority),
			Eligible:   n.Eligible,
			Attributes: n.Metadata,
		})
	}
	return addrs
}

package pool

import (
	"errors"
	"fmt"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/clusterlb/clusterlb/rpc/client"
	"github.com/clusterlb/clusterlb/rpc/transport"
	"github.com/clusterlb/clusterlb/rpc/transport/resolver"
)

// Common errors for Pool.
var (
	ErrPoolClosed  = errors.New("pool is closed")
	ErrNoAddresses = errors.New("resolver returned no addresses")
	ErrResolverNil = errors.New("resolver is nil")
)

// Pool manages connections to multiple backend addresses with load
// balancing. It exposes the same Invoke surface as client.Conn but
// distributes calls across SubConns.
type Pool struct {
	cfg      *config
	dialFunc transport.DialFunc
	resolver resolver.Resolver

	mu            sync.Mutex
	subConns      map[string]*SubConn // addr -> SubConn
	readySubConns []*SubConn

	// readyBroadcast is closed and replaced whenever the ready set goes
	// from empty to non-empty, waking goroutines blocked in wait-for-ready.
	readyBroadcast chan struct{}

	closed chan struct{}
	ctx    context.Context
}

// New creates a connection pool. The resolver (WithResolver) supplies the
// initial address list synchronously; later updates arrive through
// UpdateAddresses.
func New(ctx context.Context, dialFunc transport.DialFunc, opts ...Option) (*Pool, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.resolver == nil {
		return nil, ErrResolverNil
	}

	p := &Pool{
		cfg:            cfg,
		dialFunc:       dialFunc,
		resolver:       cfg.resolver,
		subConns:       make(map[string]*SubConn),
		readyBroadcast: make(chan struct{}),
		closed:         make(chan struct{}),
		ctx:            ctx,
	}

	addrs, err := p.resolver.Resolve(ctx)
	if err != nil {
		p.resolver.Close()
		return nil, fmt.Errorf("resolve addresses: %w", err)
	}
	if len(addrs) == 0 {
		p.resolver.Close()
		return nil, ErrNoAddresses
	}
	p.applyAddresses(ctx, addrs)

	return p, nil
}

// UpdateAddresses swaps in a fresh address list pushed by a resolver that
// discovers topology out of band. It adds SubConns for newly seen
// addresses and shuts down ones no longer present. A push that races Close
// is dropped.
func (p *Pool) UpdateAddresses(addrs []resolver.Address) {
	p.applyAddresses(p.ctx, addrs)
}

// applyAddresses reconciles the SubConn set against addrs and refreshes
// the ready list.
func (p *Pool) applyAddresses(ctx context.Context, addrs []resolver.Address) {
	p.mu.Lock()
	if p.subConns == nil {
		p.mu.Unlock()
		return
	}

	valid := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		valid[addr.Addr] = true
	}

	for addr, sc := range p.subConns {
		if !valid[addr] {
			sc.shutdown()
			delete(p.subConns, addr)
		}
	}

	for _, addr := range addrs {
		if _, exists := p.subConns[addr.Addr]; !exists {
			sc := newSubConn(addr, p.dialFunc, p.cfg.clientOpts)
			p.subConns[addr.Addr] = sc
			sc.mu.Lock()
			sc.state = StateConnecting
			sc.mu.Unlock()
			// Dial in the background, then rebuild the ready list so the
			// SubConn becomes pickable (and wait-for-ready callers wake)
			// once it connects.
			context.Pool(ctx).Submit(ctx, func() {
				sc.connectWithRetry(ctx)
				p.updateReadySubConns()
			})
		}
	}

	p.mu.Unlock()
	p.updateReadySubConns()
}

// updateReadySubConns rebuilds the ready list, waking wait-for-ready
// callers when the set transitions from empty to non-empty.
func (p *Pool) updateReadySubConns() {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := len(p.readySubConns)

	ready := make([]*SubConn, 0, len(p.subConns))
	for _, sc := range p.subConns {
		if sc.IsReady() {
			ready = append(ready, sc)
		}
	}
	p.readySubConns = ready

	if len(ready) > 0 && prev == 0 {
		close(p.readyBroadcast)
		p.readyBroadcast = make(chan struct{})
	}
}

// getSubConn picks a ready SubConn, optionally blocking until one becomes
// ready. With waitForReady false it fails fast with ErrNoReadySubConns.
func (p *Pool) getSubConn(ctx context.Context, waitForReady bool) (*SubConn, error) {
	for {
		select {
		case <-p.closed:
			return nil, ErrPoolClosed
		default:
		}

		p.mu.Lock()
		ready := p.readySubConns
		broadcast := p.readyBroadcast
		p.mu.Unlock()

		if len(ready) > 0 {
			return p.cfg.balancer.Pick(ready)
		}
		if !waitForReady {
			return nil, ErrNoReadySubConns
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.closed:
			return nil, ErrPoolClosed
		case <-broadcast:
			// A SubConn became ready; retry the pick.
		}
	}
}

// Invoke performs a unary RPC on a SubConn picked by the balancer. With
// client.WithWaitForReady(true) it blocks until a connection is ready
// instead of failing fast.
func (p *Pool) Invoke(ctx context.Context, method string, req []byte, opts ...client.CallOption) ([]byte, error) {
	sc, err := p.getSubConn(ctx, client.GetWaitForReady(opts...))
	if err != nil {
		return nil, err
	}

	conn := sc.Conn()
	if conn == nil {
		return nil, ErrSubConnNotReady
	}

	resp, err := conn.Invoke(ctx, method, req, opts...)
	if err != nil && isConnectionError(err) {
		sc.handleConnectionFailure(ctx, err)
		p.updateReadySubConns()
	}
	return resp, err
}

// Close closes the pool and all connections immediately. For a shutdown
// that waits for in-flight RPCs, use GracefulClose.
func (p *Pool) Close() error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}

	p.mu.Lock()
	for _, sc := range p.subConns {
		sc.shutdown()
	}
	p.subConns = nil
	p.readySubConns = nil
	p.mu.Unlock()

	return p.resolver.Close()
}

// GracefulClose stops accepting new RPCs and drains in-flight ones on all
// SubConns before closing. ctx bounds the wait; on expiry the remaining
// SubConns are force-closed and ctx's error returned.
func (p *Pool) GracefulClose(ctx context.Context) error {
	select {
	case <-p.closed:
		return nil
	default:
		close(p.closed)
	}

	p.mu.Lock()
	subConns := make([]*SubConn, 0, len(p.subConns))
	for _, sc := range p.subConns {
		subConns = append(subConns, sc)
	}
	p.mu.Unlock()

	var lastErr error
	done := make(chan struct{})
	go func() {
		for _, sc := range subConns {
			if err := sc.gracefulShutdown(ctx); err != nil {
				lastErr = err
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		for _, sc := range subConns {
			sc.shutdown()
		}
		lastErr = ctx.Err()
	}

	p.mu.Lock()
	p.subConns = nil
	p.readySubConns = nil
	p.mu.Unlock()

	p.resolver.Close()
	return lastErr
}

// ReadyCount returns the number of ready connections.
func (p *Pool) ReadyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.readySubConns)
}

// SubConnCount returns the total number of SubConns in any state.
func (p *Pool) SubConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subConns)
}

// isConnectionError reports whether err means the connection itself is
// broken and worth redialing, as opposed to an application-level failure.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, client.ErrClosed) ||
		errors.Is(err, client.ErrFatalError)
}

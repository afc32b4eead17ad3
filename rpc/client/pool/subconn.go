package pool

import (
	"errors"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/retry/exponential"

	"github.com/clusterlb/clusterlb/rpc/client"
	"github.com/clusterlb/clusterlb/rpc/transport"
	"github.com/clusterlb/clusterlb/rpc/transport/resolver"
)

// ConnState represents the state of a SubConn.
type ConnState uint8

const (
	// StateIdle indicates the SubConn is not connected and not trying to connect.
	StateIdle ConnState = iota
	// StateConnecting indicates the SubConn is establishing a connection.
	StateConnecting
	// StateReady indicates the SubConn is connected and ready for RPCs.
	StateReady
	// StateTransientFailure indicates the SubConn has failed and is backing off.
	StateTransientFailure
	// StateShutdown indicates the SubConn is shut down permanently.
	StateShutdown
)

// String implements fmt.Stringer.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateTransientFailure:
		return "TRANSIENT_FAILURE"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

// Common errors for SubConn.
var (
	ErrSubConnShutdown = errors.New("subconn is shutdown")
	ErrSubConnNotReady = errors.New("subconn is not ready")
	ErrNoReadySubConns = errors.New("no ready subconns available")
)

// SubConn is the pool's connection to a single backend address. It owns
// the connect/reconnect lifecycle, backing off between attempts.
type SubConn struct {
	addr       resolver.Address
	dialFunc   transport.DialFunc
	clientOpts []client.Option

	mu      sync.Mutex
	conn    *client.Conn
	state   ConnState
	lastErr error

	closeCh chan struct{}
	backoff *exponential.Backoff
}

// newSubConn creates a SubConn for addr. Call Connect to start dialing.
func newSubConn(addr resolver.Address, dialFunc transport.DialFunc, clientOpts []client.Option) *SubConn {
	backoff, _ := exponential.New(exponential.WithPolicy(exponential.ThirtySecondsRetryPolicy()))
	return &SubConn{
		addr:       addr,
		dialFunc:   dialFunc,
		clientOpts: clientOpts,
		state:      StateIdle,
		closeCh:    make(chan struct{}),
		backoff:    backoff,
	}
}

// NewSubConnForTest builds a disconnected SubConn carrying addr, for
// balancer-policy unit tests in other packages that need real *SubConn
// values to pick over without standing up a pool.
func NewSubConnForTest(addr resolver.Address) *SubConn {
	return &SubConn{addr: addr, state: StateIdle, closeCh: make(chan struct{})}
}

// Addr returns the address this SubConn connects to.
func (sc *SubConn) Addr() resolver.Address {
	return sc.addr
}

// State returns the current connection state.
func (sc *SubConn) State() ConnState {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state
}

// LastError returns the last connect error, if any.
func (sc *SubConn) LastError() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.lastErr
}

// IsReady reports whether the SubConn can carry RPCs right now.
func (sc *SubConn) IsReady() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.state == StateReady && sc.conn != nil
}

// Conn returns the underlying client connection, or nil when not ready.
func (sc *SubConn) Conn() *client.Conn {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn
}

// Connect starts dialing in the background. Calling it while connecting,
// ready, or shut down is a no-op.
func (sc *SubConn) Connect(ctx context.Context) {
	sc.mu.Lock()
	switch sc.state {
	case StateShutdown, StateConnecting, StateReady:
		sc.mu.Unlock()
		return
	}
	sc.state = StateConnecting
	sc.mu.Unlock()

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		sc.connectWithRetry(ctx)
	})
}

// connectWithRetry dials with exponential backoff until it connects, the
// SubConn shuts down, or ctx ends.
func (sc *SubConn) connectWithRetry(ctx context.Context) {
	connectCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		select {
		case <-sc.closeCh:
			cancel()
		case <-connectCtx.Done():
		}
	})

	err := sc.backoff.Retry(connectCtx, func(retryCtx context.Context, r exponential.Record) error {
		err := sc.tryConnect(retryCtx)
		if err != nil {
			sc.mu.Lock()
			if sc.state == StateShutdown {
				sc.mu.Unlock()
				return exponential.ErrRetryCanceled
			}
			sc.state = StateTransientFailure
			sc.lastErr = err
			sc.mu.Unlock()
		}
		return err
	})

	if err != nil && !errors.Is(err, exponential.ErrRetryCanceled) {
		sc.mu.Lock()
		if sc.state != StateShutdown {
			sc.state = StateTransientFailure
			sc.lastErr = err
		}
		sc.mu.Unlock()
	}
}

// tryConnect makes a single dial attempt.
func (sc *SubConn) tryConnect(ctx context.Context) error {
	t, err := sc.dialFunc(ctx, sc.addr.Addr)
	if err != nil {
		return err
	}

	conn := client.New(ctx, t, sc.clientOpts...)

	sc.mu.Lock()
	if sc.state == StateShutdown {
		sc.mu.Unlock()
		conn.Close()
		return ErrSubConnShutdown
	}
	sc.conn = conn
	sc.state = StateReady
	sc.lastErr = nil
	sc.mu.Unlock()

	return nil
}

// handleConnectionFailure is called when an RPC fails in a way that means
// the connection is broken. It drops the connection and reconnects.
func (sc *SubConn) handleConnectionFailure(ctx context.Context, err error) {
	sc.mu.Lock()
	if sc.state == StateShutdown {
		sc.mu.Unlock()
		return
	}
	sc.lastErr = err
	conn := sc.conn
	sc.conn = nil
	sc.state = StateConnecting
	sc.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		sc.connectWithRetry(ctx)
	})
}

// shutdown permanently closes the SubConn immediately.
func (sc *SubConn) shutdown() {
	sc.mu.Lock()
	if sc.state == StateShutdown {
		sc.mu.Unlock()
		return
	}
	sc.state = StateShutdown
	conn := sc.conn
	sc.conn = nil

	select {
	case <-sc.closeCh:
	default:
		close(sc.closeCh)
	}
	sc.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// gracefulShutdown closes the SubConn after in-flight RPCs finish; ctx
// bounds the wait.
func (sc *SubConn) gracefulShutdown(ctx context.Context) error {
	sc.mu.Lock()
	if sc.state == StateShutdown {
		sc.mu.Unlock()
		return nil
	}
	sc.state = StateShutdown
	conn := sc.conn
	sc.conn = nil

	select {
	case <-sc.closeCh:
	default:
		close(sc.closeCh)
	}
	sc.mu.Unlock()

	if conn != nil {
		return conn.GracefulClose(ctx)
	}
	return nil
}

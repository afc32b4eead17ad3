// Package client provides the RPC client connection: unary calls
// multiplexed over a single transport with a small binary frame protocol.
//
// Frame layout, little-endian:
//
//	u32 length      bytes after this field
//	u8  type        request or response
//	u8  compression compress.ID applied to the payload
//	u32 request id
//
// followed for requests by a u16-length-prefixed method string and the
// payload, and for responses by a u32 status code, a u16-length-prefixed
// error message, and the payload. Responses are matched to callers by
// request id, so any number of Invokes can be in flight on one connection.
package client

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/values/sizes"

	"github.com/clusterlb/clusterlb/internal/binary"
	"github.com/clusterlb/clusterlb/rpc/compress"
	"github.com/clusterlb/clusterlb/rpc/errors"
	"github.com/clusterlb/clusterlb/rpc/interceptor"
	"github.com/clusterlb/clusterlb/rpc/transport"
)

// Frame types.
const (
	ftRequest  uint8 = 1
	ftResponse uint8 = 2
)

// Fixed header bytes after the length field: type, compression, request id.
const headerSize = 1 + 1 + 4

// DefaultMaxFrameSize bounds a single frame unless WithMaxFrameSize raises it.
const DefaultMaxFrameSize = 16 * int(sizes.MiB)

// Common errors.
var (
	ErrClosed        = errors.New("connection closed")
	ErrDraining      = errors.New("connection is draining")
	ErrFatalError    = errors.New("fatal connection error")
	ErrFrameTooLarge = errors.New("frame size exceeds limit")
)

// Option configures a Conn.
type Option func(*Conn)

// WithUnaryInterceptor installs interceptors around every Invoke. The first
// interceptor is outermost. Repeated options append to the chain.
func WithUnaryInterceptor(interceptors ...interceptor.UnaryClientInterceptor) Option {
	return func(c *Conn) {
		c.interceptors = append(c.interceptors, interceptors...)
	}
}

// WithCompression sets the codec applied to outgoing payloads. Responses
// are decoded by whatever codec their frame header names, so both sides
// may choose independently.
func WithCompression(id compress.ID) Option {
	return func(c *Conn) {
		c.compression = id
	}
}

// WithMaxFrameSize overrides DefaultMaxFrameSize for received frames.
func WithMaxFrameSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	waitForReady bool
}

// WithWaitForReady makes pool-routed calls block until a connection is
// ready instead of failing fast. It is interpreted by the connection pool;
// a bare Conn ignores it.
func WithWaitForReady(b bool) CallOption {
	return func(o *callOptions) {
		o.waitForReady = b
	}
}

// GetWaitForReady resolves the wait-for-ready setting from opts. The last
// option wins.
func GetWaitForReady(opts ...CallOption) bool {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.waitForReady
}

// response is a decoded response frame, delivered to the waiting Invoke.
type response struct {
	status  uint32
	message string
	payload []byte
}

// Conn is one multiplexed RPC connection over a transport. All methods are
// safe for concurrent use.
type Conn struct {
	t transport.Transport

	maxFrameSize int
	compression  compress.ID
	interceptors []interceptor.UnaryClientInterceptor
	chain        interceptor.UnaryClientInterceptor

	// wmu serializes whole-frame writes so concurrent Invokes never
	// interleave bytes on the transport.
	wmu sync.Mutex

	mu       sync.Mutex
	pending  map[uint32]chan response
	closed   bool
	draining bool
	closeErr error

	nextReq atomic.Uint32
	done    chan struct{}
}

// New creates a Conn over t and starts its read loop. The transport is
// owned by the Conn from here on: closing the Conn closes the transport.
func New(ctx context.Context, t transport.Transport, opts ...Option) *Conn {
	c := &Conn{
		t:            t,
		maxFrameSize: DefaultMaxFrameSize,
		pending:      make(map[uint32]chan response),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.chain = interceptor.ChainUnaryClient(c.interceptors...)

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		c.readLoop()
	})
	return c
}

// Invoke performs a unary RPC: request out, response (or error) back.
// method is "package/service/method". Remote failures come back as
// *errors.Error carrying the remote status category.
func (c *Conn) Invoke(ctx context.Context, method string, req []byte, opts ...CallOption) ([]byte, error) {
	return c.chain(ctx, method, req, func(ctx context.Context, req []byte) ([]byte, error) {
		return c.invoke(ctx, method, req)
	})
}

func (c *Conn) invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, errors.E(ctx, errors.Unavailable, err)
	}
	if c.draining {
		c.mu.Unlock()
		return nil, errors.E(ctx, errors.Unavailable, ErrDraining)
	}
	id := c.nextReq.Add(1)
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	payload, err := compress.Encode(c.compression, req)
	if err != nil {
		return nil, errors.E(ctx, errors.Internal, err)
	}

	if err := c.writeRequest(id, method, payload); err != nil {
		// A broken write means a broken connection, for this and every
		// other in-flight call.
		c.terminate(fmt.Errorf("%w: %v", ErrFatalError, err))
		return nil, errors.E(ctx, errors.Unavailable, err)
	}

	select {
	case <-ctx.Done():
		code := errors.Canceled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			code = errors.DeadlineExceeded
		}
		return nil, errors.E(ctx, code, ctx.Err())
	case <-c.done:
		// A response delivered in the same instant the connection closed
		// still counts; don't fail a call whose answer already arrived.
		select {
		case resp := <-ch:
			return finishResponse(ctx, resp)
		default:
		}
		c.mu.Lock()
		err := c.closeErr
		c.mu.Unlock()
		return nil, errors.E(ctx, errors.Unavailable, err)
	case resp := <-ch:
		return finishResponse(ctx, resp)
	}
}

func finishResponse(ctx context.Context, resp response) ([]byte, error) {
	if resp.status != 0 {
		return nil, errors.E(ctx, errors.Category(resp.status), errors.New(resp.message))
	}
	return resp.payload, nil
}

// writeRequest marshals and writes one request frame under the write lock.
func (c *Conn) writeRequest(id uint32, method string, payload []byte) error {
	body := headerSize + 2 + len(method) + len(payload)
	buf := make([]byte, 4+body)
	binary.Put(buf[0:4], uint32(body))
	buf[4] = ftRequest
	buf[5] = uint8(c.compression)
	binary.Put(buf[6:10], id)
	binary.Put(buf[10:12], uint16(len(method)))
	copy(buf[12:], method)
	copy(buf[12+len(method):], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.t.Write(buf)
	return err
}

// readLoop reads response frames and routes them to waiting Invokes until
// the transport errors or the Conn closes.
func (c *Conn) readLoop() {
	for {
		n, err := binary.GetBuffer[uint32](c.t)
		if err != nil {
			c.terminate(readErr(err))
			return
		}
		if int(n) > c.maxFrameSize {
			c.terminate(fmt.Errorf("%w: %d byte frame", ErrFrameTooLarge, n))
			return
		}
		if n < headerSize {
			c.terminate(fmt.Errorf("%w: %d byte frame below header size", ErrFatalError, n))
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(c.t, body); err != nil {
			c.terminate(readErr(err))
			return
		}

		if body[0] != ftResponse {
			c.terminate(fmt.Errorf("%w: unexpected frame type %d", ErrFatalError, body[0]))
			return
		}
		comp := compress.ID(body[1])
		id := binary.Get[uint32](body[2:6])

		resp, err := parseResponse(comp, body[headerSize:])
		if err != nil {
			c.terminate(fmt.Errorf("%w: %v", ErrFatalError, err))
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
		// An unmatched id means the caller gave up (cancelled) before the
		// response arrived; drop it.
	}
}

// parseResponse decodes a response frame body after the fixed header:
// status, error message, payload.
func parseResponse(comp compress.ID, b []byte) (response, error) {
	if len(b) < 6 {
		return response{}, fmt.Errorf("short response body: %d bytes", len(b))
	}
	status := binary.Get[uint32](b[0:4])
	msgLen := int(binary.Get[uint16](b[4:6]))
	if len(b) < 6+msgLen {
		return response{}, fmt.Errorf("response message overruns frame")
	}
	msg := string(b[6 : 6+msgLen])

	payload, err := compress.Decode(comp, b[6+msgLen:])
	if err != nil {
		return response{}, err
	}
	return response{status: status, message: msg, payload: payload}, nil
}

func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrFatalError, err)
}

// terminate marks the Conn closed with err, wakes every waiting Invoke,
// and closes the transport. First caller wins.
func (c *Conn) terminate(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	c.mu.Unlock()

	close(c.done)
	c.t.Close()
}

// Close tears the connection down immediately. In-flight Invokes fail with
// ErrClosed. Idempotent.
func (c *Conn) Close() error {
	c.terminate(ErrClosed)
	return nil
}

// GracefulClose stops accepting new Invokes and waits for in-flight ones
// to finish before closing. ctx bounds the wait; on expiry the connection
// is torn down anyway and ctx's error returned.
func (c *Conn) GracefulClose(ctx context.Context) error {
	c.mu.Lock()
	c.draining = true
	c.mu.Unlock()

	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		c.mu.Lock()
		n := len(c.pending)
		closed := c.closed
		c.mu.Unlock()
		if n == 0 || closed {
			c.terminate(ErrClosed)
			return nil
		}

		select {
		case <-ctx.Done():
			c.terminate(ErrClosed)
			return ctx.Err()
		case <-c.done:
			return nil
		case <-tick.C:
		}
	}
}

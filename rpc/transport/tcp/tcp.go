// Package tcp dials TCP and TLS-over-TCP transports for RPC connections.
package tcp

import (
	"crypto/tls"
	"net"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/clusterlb/clusterlb/rpc/transport"
)

// ClientTransport is a dialed TCP (or TLS) connection implementing
// transport.Transport.
type ClientTransport struct {
	conn net.Conn
}

var _ transport.Transport = (*ClientTransport)(nil)

type config struct {
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	keepAlive   time.Duration
}

func defaultConfig() config {
	return config{
		dialTimeout: 10 * time.Second,
		keepAlive:   30 * time.Second,
	}
}

// Option configures Dial.
type Option func(*config)

// WithTLSConfig wraps the connection in TLS using cfg.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
	}
}

// WithDialTimeout bounds connection establishment. Default is 10s.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) {
		c.dialTimeout = d
	}
}

// WithKeepAlive sets the TCP keep-alive interval. Default is 30s; a
// negative value disables keep-alives.
func WithKeepAlive(d time.Duration) Option {
	return func(c *config) {
		c.keepAlive = d
	}
}

// Dial connects to addr ("host:port"). The returned transport is ready for
// use with client.New.
func Dial(ctx context.Context, addr string, opts ...Option) (*ClientTransport, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	d := &net.Dialer{
		Timeout:   cfg.dialTimeout,
		KeepAlive: cfg.keepAlive,
	}

	var (
		conn net.Conn
		err  error
	)
	if cfg.tlsConfig != nil {
		conn, err = tls.DialWithDialer(d, "tcp", addr, cfg.tlsConfig)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		// Frames are small and latency-sensitive; don't batch them.
		tc.SetNoDelay(true)
	}

	return &ClientTransport{conn: conn}, nil
}

func (t *ClientTransport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *ClientTransport) Write(p []byte) (int, error) { return t.conn.Write(p) }
func (t *ClientTransport) Close() error                { return t.conn.Close() }

// LocalAddr returns the local network address.
func (t *ClientTransport) LocalAddr() net.Addr { return t.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (t *ClientTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

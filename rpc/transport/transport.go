// Package transport defines the byte-stream contract RPC connections run
// over. A Transport is dialed per backend address; the client layers its
// frame protocol on top and never sees the underlying network type.
package transport

import (
	"io"
	"net"

	"github.com/gostdlib/base/context"
)

// Transport is the ordered byte stream one RPC connection runs over.
type Transport interface {
	io.ReadWriteCloser

	// LocalAddr returns the local network address, if known.
	LocalAddr() net.Addr

	// RemoteAddr returns the remote network address, if known.
	RemoteAddr() net.Addr
}

// DialFunc dials addr ("host:port") and returns a connected Transport. The
// connection pool and the seed pool both dial through one of these, so a
// caller that swaps in TLS or an in-memory pipe changes every connection
// the channel makes.
type DialFunc func(ctx context.Context, addr string) (Transport, error)

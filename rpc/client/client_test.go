package client

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gostdlib/base/context"
	"github.com/kylelemons/godebug/pretty"

	"github.com/clusterlb/clusterlb/internal/binary"
	"github.com/clusterlb/clusterlb/rpc/compress"
	"github.com/clusterlb/clusterlb/rpc/errors"
	"github.com/clusterlb/clusterlb/rpc/interceptor"
)

// peerHandler answers one decoded request. A non-zero status makes the
// response an error carrying message.
type peerHandler func(method string, req []byte) (resp []byte, status uint32, message string)

// servePeer speaks the frame protocol from the server side of conn,
// answering every request with handler until the connection breaks. Replies
// use the same compression the request arrived with.
func servePeer(conn net.Conn, handler peerHandler) {
	for {
		n, err := binary.GetBuffer[uint32](conn)
		if err != nil {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if body[0] != ftRequest {
			return
		}
		comp := compress.ID(body[1])
		id := binary.Get[uint32](body[2:6])
		methodLen := int(binary.Get[uint16](body[6:8]))
		method := string(body[8 : 8+methodLen])
		req, err := compress.Decode(comp, body[8+methodLen:])
		if err != nil {
			return
		}

		resp, status, message := handler(method, req)
		payload, err := compress.Encode(comp, resp)
		if err != nil {
			return
		}

		rbody := headerSize + 4 + 2 + len(message) + len(payload)
		buf := make([]byte, 4+rbody)
		binary.Put(buf[0:4], uint32(rbody))
		buf[4] = ftResponse
		buf[5] = uint8(comp)
		binary.Put(buf[6:10], id)
		binary.Put(buf[10:14], status)
		binary.Put(buf[14:16], uint16(len(message)))
		copy(buf[16:], message)
		copy(buf[16+len(message):], payload)
		if _, err := conn.Write(buf); err != nil {
			return
		}
	}
}

// pipeConn builds a Conn wired to an in-process peer running handler.
func pipeConn(ctx context.Context, handler peerHandler, opts ...Option) *Conn {
	local, remote := net.Pipe()
	go servePeer(remote, handler)
	return New(ctx, local, opts...)
}

func echoHandler(method string, req []byte) ([]byte, uint32, string) {
	return req, 0, ""
}

func TestInvokeRoundTrip(t *testing.T) {
	ctx := t.Context()

	var gotMethod string
	c := pipeConn(ctx, func(method string, req []byte) ([]byte, uint32, string) {
		gotMethod = method
		return append([]byte("re: "), req...), 0, ""
	})
	defer c.Close()

	resp, err := c.Invoke(ctx, "pkg/svc/Echo", []byte("hello"))
	if err != nil {
		t.Fatalf("[TestInvokeRoundTrip]: Invoke: %v", err)
	}
	if diff := pretty.Compare(string(resp), "re: hello"); diff != "" {
		t.Errorf("[TestInvokeRoundTrip]: response: -got/+want:\n%s", diff)
	}
	if gotMethod != "pkg/svc/Echo" {
		t.Errorf("[TestInvokeRoundTrip]: peer saw method %q, want %q", gotMethod, "pkg/svc/Echo")
	}
}

func TestInvokeRemoteError(t *testing.T) {
	ctx := t.Context()

	c := pipeConn(ctx, func(method string, req []byte) ([]byte, uint32, string) {
		return nil, uint32(errors.Unavailable), "node draining"
	})
	defer c.Close()

	_, err := c.Invoke(ctx, "pkg/svc/Echo", []byte("x"))
	if err == nil {
		t.Fatal("[TestInvokeRemoteError]: expected error")
	}
	if got := errors.Code(err); got != errors.Unavailable {
		t.Errorf("[TestInvokeRemoteError]: Code = %v, want Unavailable", got)
	}
}

func TestInvokeCompressed(t *testing.T) {
	ctx := t.Context()

	var peerSaw []byte
	c := pipeConn(ctx, func(method string, req []byte) ([]byte, uint32, string) {
		peerSaw = req
		return req, 0, ""
	}, WithCompression(compress.Snappy))
	defer c.Close()

	payload := []byte("a payload worth compressing, a payload worth compressing")
	resp, err := c.Invoke(ctx, "pkg/svc/Echo", payload)
	if err != nil {
		t.Fatalf("[TestInvokeCompressed]: Invoke: %v", err)
	}
	if diff := pretty.Compare(resp, payload); diff != "" {
		t.Errorf("[TestInvokeCompressed]: response: -got/+want:\n%s", diff)
	}
	if diff := pretty.Compare(peerSaw, payload); diff != "" {
		t.Errorf("[TestInvokeCompressed]: peer decode: -got/+want:\n%s", diff)
	}
}

func TestInterceptorWrapsInvoke(t *testing.T) {
	ctx := t.Context()

	var sawMethod string
	ic := func(ctx context.Context, method string, req []byte, invoker interceptor.UnaryInvoker) ([]byte, error) {
		sawMethod = method
		return invoker(ctx, append(req, '!'))
	}

	c := pipeConn(ctx, echoHandler, WithUnaryInterceptor(ic))
	defer c.Close()

	resp, err := c.Invoke(ctx, "pkg/svc/Echo", []byte("hey"))
	if err != nil {
		t.Fatalf("[TestInterceptorWrapsInvoke]: Invoke: %v", err)
	}
	if string(resp) != "hey!" {
		t.Errorf("[TestInterceptorWrapsInvoke]: resp = %q, want %q", resp, "hey!")
	}
	if sawMethod != "pkg/svc/Echo" {
		t.Errorf("[TestInterceptorWrapsInvoke]: interceptor saw %q", sawMethod)
	}
}

func TestInvokeAfterCloseFailsUnavailable(t *testing.T) {
	ctx := t.Context()

	c := pipeConn(ctx, echoHandler)
	c.Close()

	_, err := c.Invoke(ctx, "pkg/svc/Echo", nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("[TestInvokeAfterCloseFailsUnavailable]: err = %v, want ErrClosed in chain", err)
	}
	if got := errors.Code(err); got != errors.Unavailable {
		t.Errorf("[TestInvokeAfterCloseFailsUnavailable]: Code = %v, want Unavailable", got)
	}
}

func TestCloseUnblocksPendingInvoke(t *testing.T) {
	ctx := t.Context()

	// A peer that never answers.
	local, remote := net.Pipe()
	go func() {
		io.Copy(io.Discard, remote)
	}()
	c := New(ctx, local)

	done := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "pkg/svc/Blocked", []byte("x"))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("[TestCloseUnblocksPendingInvoke]: err = %v, want ErrClosed in chain", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("[TestCloseUnblocksPendingInvoke]: Invoke did not unblock on Close")
	}
}

func TestInvokeContextDeadline(t *testing.T) {
	ctx := t.Context()

	local, remote := net.Pipe()
	go func() {
		io.Copy(io.Discard, remote)
	}()
	c := New(ctx, local)
	defer c.Close()

	callCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	_, err := c.Invoke(callCtx, "pkg/svc/Slow", nil)
	if got := errors.Code(err); got != errors.DeadlineExceeded {
		t.Errorf("[TestInvokeContextDeadline]: Code = %v, want DeadlineExceeded", got)
	}
}

func TestGracefulCloseWaitsForInflight(t *testing.T) {
	ctx := t.Context()

	release := make(chan struct{})
	c := pipeConn(ctx, func(method string, req []byte) ([]byte, uint32, string) {
		<-release
		return req, 0, ""
	})

	done := make(chan error, 1)
	go func() {
		_, err := c.Invoke(ctx, "pkg/svc/Slow", []byte("x"))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	closeDone := make(chan error, 1)
	go func() {
		closeDone <- c.GracefulClose(ctx)
	}()

	// New calls are refused while draining.
	time.Sleep(10 * time.Millisecond)
	if _, err := c.Invoke(ctx, "pkg/svc/Echo", nil); !errors.Is(err, ErrDraining) && !errors.Is(err, ErrClosed) {
		t.Errorf("[TestGracefulCloseWaitsForInflight]: during drain err = %v, want ErrDraining", err)
	}

	close(release)

	if err := <-done; err != nil {
		t.Errorf("[TestGracefulCloseWaitsForInflight]: in-flight Invoke failed: %v", err)
	}
	if err := <-closeDone; err != nil {
		t.Errorf("[TestGracefulCloseWaitsForInflight]: GracefulClose: %v", err)
	}
}

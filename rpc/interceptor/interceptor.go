// Package interceptor defines the client-side interception point for
// cross-cutting concerns on outgoing RPCs, such as the topology-refresh
// trigger and tracing.
package interceptor

import (
	"github.com/gostdlib/base/context"
)

// UnaryInvoker performs the actual unary RPC call.
type UnaryInvoker func(ctx context.Context, req []byte) ([]byte, error)

// UnaryClientInterceptor intercepts a unary RPC. It receives the method
// name ("package/service/method"), the request, and the invoker that
// performs the actual call. It may act on the request, the response, or
// the returned error, but must call invoker to let the RPC proceed.
type UnaryClientInterceptor func(ctx context.Context, method string, req []byte, invoker UnaryInvoker) ([]byte, error)

// ChainUnaryClient composes interceptors into one. The first interceptor
// is outermost: it sees the call first and the result last.
func ChainUnaryClient(interceptors ...UnaryClientInterceptor) UnaryClientInterceptor {
	switch len(interceptors) {
	case 0:
		return func(ctx context.Context, method string, req []byte, invoker UnaryInvoker) ([]byte, error) {
			return invoker(ctx, req)
		}
	case 1:
		return interceptors[0]
	}

	return func(ctx context.Context, method string, req []byte, invoker UnaryInvoker) ([]byte, error) {
		chain := invoker
		for i := len(interceptors) - 1; i > 0; i-- {
			ic, next := interceptors[i], chain
			chain = func(ctx context.Context, req []byte) ([]byte, error) {
				return ic(ctx, method, req, next)
			}
		}
		return interceptors[0](ctx, method, req, chain)
	}
}

// Package refresh provides the client interceptor that watches outgoing RPC
// errors and asks the resolver to re-bootstrap when they look like the
// cluster topology moved out from under the channel.
package refresh

import (
	"github.com/gostdlib/base/context"

	rpcerrors "github.com/clusterlb/clusterlb/rpc/errors"
	"github.com/clusterlb/clusterlb/rpc/interceptor"
)

// Triggerer is implemented by the resolver. TriggerRefresh must be
// non-blocking and safe to call concurrently; multiple calls while a
// refresh is already pending coalesce into one.
type Triggerer interface {
	TriggerRefresh()
}

// Policy decides whether an RPC error should trigger a refresh.
type Policy func(err error) bool

// DefaultStatusCodes is the refresh_on_status_codes default: Unavailable
// only, matching the RPC runtime's status-code taxonomy.
var DefaultStatusCodes = []rpcerrors.Category{rpcerrors.Unavailable}

// OnStatusCodes builds a Policy that triggers a refresh when the error's
// Category is one of codes.
func OnStatusCodes(codes ...rpcerrors.Category) Policy {
	set := make(map[rpcerrors.Category]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return func(err error) bool {
		return set[rpcerrors.Code(err)]
	}
}

// UnaryClientInterceptor wraps outgoing unary RPCs, calling policy against
// any error the invoker returns and firing trigger.TriggerRefresh when it
// matches. The interceptor never blocks the caller and never rewrites or
// suppresses the original error.
func UnaryClientInterceptor(trigger Triggerer, policy Policy) interceptor.UnaryClientInterceptor {
	if policy == nil {
		policy = OnStatusCodes(DefaultStatusCodes...)
	}

	return func(ctx context.Context, method string, req []byte, invoker interceptor.UnaryInvoker) ([]byte, error) {
		resp, err := invoker(ctx, req)
		if err != nil && policy(err) {
			trigger.TriggerRefresh()
		}
		return resp, err
	}
}

package refresh

import (
	"testing"

	"github.com/gostdlib/base/context"

	rpcerrors "github.com/clusterlb/clusterlb/rpc/errors"
	"github.com/clusterlb/clusterlb/rpc/interceptor"
)

type fakeTriggerer struct {
	count int
}

func (f *fakeTriggerer) TriggerRefresh() { f.count++ }

func echoInvoker(err error) interceptor.UnaryInvoker {
	return func(ctx context.Context, req []byte) ([]byte, error) {
		return req, err
	}
}

func TestUnaryClientInterceptorTriggersOnMatch(t *testing.T) {
	ctx := t.Context()
	trigger := &fakeTriggerer{}
	ic := UnaryClientInterceptor(trigger, OnStatusCodes(rpcerrors.Unavailable))

	wantErr := rpcerrors.E(ctx, rpcerrors.Unavailable, rpcerrors.New("down"))
	_, err := ic(ctx, "m", nil, echoInvoker(wantErr))
	if err != wantErr {
		t.Errorf("[TestUnaryClientInterceptorTriggersOnMatch]: error not propagated unchanged")
	}
	if trigger.count != 1 {
		t.Errorf("[TestUnaryClientInterceptorTriggersOnMatch]: trigger count = %d, want 1", trigger.count)
	}
}

func TestUnaryClientInterceptorSkipsOnNoMatch(t *testing.T) {
	ctx := t.Context()
	trigger := &fakeTriggerer{}
	ic := UnaryClientInterceptor(trigger, OnStatusCodes(rpcerrors.Unavailable))

	otherErr := rpcerrors.E(ctx, rpcerrors.InvalidArgument, rpcerrors.New("bad"))
	_, _ = ic(ctx, "m", nil, echoInvoker(otherErr))
	if trigger.count != 0 {
		t.Errorf("[TestUnaryClientInterceptorSkipsOnNoMatch]: trigger count = %d, want 0", trigger.count)
	}
}

func TestUnaryClientInterceptorSkipsOnSuccess(t *testing.T) {
	ctx := t.Context()
	trigger := &fakeTriggerer{}
	ic := UnaryClientInterceptor(trigger, OnStatusCodes(rpcerrors.Unavailable))

	_, err := ic(ctx, "m", nil, echoInvoker(nil))
	if err != nil {
		t.Errorf("[TestUnaryClientInterceptorSkipsOnSuccess]: unexpected error: %v", err)
	}
	if trigger.count != 0 {
		t.Errorf("[TestUnaryClientInterceptorSkipsOnSuccess]: trigger count = %d, want 0", trigger.count)
	}
}

func TestDefaultPolicyIsUnavailableOnly(t *testing.T) {
	ctx := t.Context()
	policy := OnStatusCodes(DefaultStatusCodes...)

	if !policy(rpcerrors.E(ctx, rpcerrors.Unavailable, rpcerrors.New("x"))) {
		t.Error("[TestDefaultPolicyIsUnavailableOnly]: expected Unavailable to match default policy")
	}
	if policy(rpcerrors.E(ctx, rpcerrors.Internal, rpcerrors.New("x"))) {
		t.Error("[TestDefaultPolicyIsUnavailableOnly]: expected Internal not to match default policy")
	}
}

package interceptor

import (
	"testing"

	"github.com/gostdlib/base/context"
)

// tag appends name to order on the way in, so chain composition order is
// observable.
func tag(name string, order *[]string) UnaryClientInterceptor {
	return func(ctx context.Context, method string, req []byte, invoker UnaryInvoker) ([]byte, error) {
		*order = append(*order, name)
		return invoker(ctx, req)
	}
}

func TestChainUnaryClient(t *testing.T) {
	ctx := t.Context()

	tests := []struct {
		name         string
		interceptors func(order *[]string) []UnaryClientInterceptor
		wantOrder    []string
	}{
		{
			name:         "Success: empty chain is a passthrough",
			interceptors: func(*[]string) []UnaryClientInterceptor { return nil },
			wantOrder:    nil,
		},
		{
			name: "Success: single interceptor runs",
			interceptors: func(order *[]string) []UnaryClientInterceptor {
				return []UnaryClientInterceptor{tag("a", order)}
			},
			wantOrder: []string{"a"},
		},
		{
			name: "Success: first interceptor is outermost",
			interceptors: func(order *[]string) []UnaryClientInterceptor {
				return []UnaryClientInterceptor{tag("a", order), tag("b", order), tag("c", order)}
			},
			wantOrder: []string{"a", "b", "c"},
		},
	}

	for _, test := range tests {
		var order []string
		chain := ChainUnaryClient(test.interceptors(&order)...)

		invoked := false
		resp, err := chain(ctx, "pkg/svc/m", []byte("req"), func(ctx context.Context, req []byte) ([]byte, error) {
			invoked = true
			return req, nil
		})
		if err != nil {
			t.Errorf("[TestChainUnaryClient](%s): unexpected error: %v", test.name, err)
			continue
		}
		if !invoked {
			t.Errorf("[TestChainUnaryClient](%s): invoker was never called", test.name)
		}
		if string(resp) != "req" {
			t.Errorf("[TestChainUnaryClient](%s): resp = %q, want %q", test.name, resp, "req")
		}
		if len(order) != len(test.wantOrder) {
			t.Errorf("[TestChainUnaryClient](%s): order = %v, want %v", test.name, order, test.wantOrder)
			continue
		}
		for i := range order {
			if order[i] != test.wantOrder[i] {
				t.Errorf("[TestChainUnaryClient](%s): order = %v, want %v", test.name, order, test.wantOrder)
				break
			}
		}
	}
}

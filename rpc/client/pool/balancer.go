package pool

import (
	"sync/atomic"
)

// BalancerPicker selects a SubConn from the ready set for one RPC.
// Implementations must be safe for concurrent use. Only ready SubConns are
// passed; return ErrNoReadySubConns for an empty set.
type BalancerPicker interface {
	Pick(subConns []*SubConn) (*SubConn, error)
}

// RoundRobinBalancer distributes RPCs evenly across ready connections. The
// counter is never reset when the ready set changes, so churn cannot
// starve connections later in a rebuilt list.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

// Pick selects the next SubConn in round-robin order.
func (b *RoundRobinBalancer) Pick(subConns []*SubConn) (*SubConn, error) {
	if len(subConns) == 0 {
		return nil, ErrNoReadySubConns
	}

	idx := b.counter.Add(1) - 1
	return subConns[idx%uint64(len(subConns))], nil
}

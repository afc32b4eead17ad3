package balancer

import (
	"sync/atomic"

	"github.com/clusterlb/clusterlb/rpc/client/pool"
	"github.com/clusterlb/clusterlb/rpc/transport/resolver"
)

// PoolPicker implements pool.BalancerPicker with the same priority
// round-robin policy as PriorityRoundRobin, but operating directly on the
// ready SubConns the connection pool maintains. This is the picker the
// channel assembly installs via pool.WithBalancer so that an RPC actually
// lands on the subchannel the priority round-robin policy selects, not
// just a value computed in isolation by PriorityRoundRobin.
type PoolPicker struct {
	counter atomic.Uint64
}

// Pick restricts subConns to the selection set - eligible entries sharing
// the lowest announced priority - and round-robins within it. The counter
// is shared across calls and never reset, matching PriorityRoundRobin's
// no-reset-on-churn behavior.
func (b *PoolPicker) Pick(subConns []*pool.SubConn) (*pool.SubConn, error) {
	set := poolSelectionSet(subConns)
	if len(set) == 0 {
		return nil, pool.ErrNoReadySubConns
	}

	idx := b.counter.Add(1) - 1
	return set[idx%uint64(len(set))], nil
}

func poolSelectionSet(subConns []*pool.SubConn) []*pool.SubConn {
	var (
		minPriority uint32
		any         bool
	)
	addrOf := func(sc *pool.SubConn) resolver.Address { return sc.Addr() }

	for _, sc := range subConns {
		a := addrOf(sc)
		if !a.Eligible {
			continue
		}
		if !any || a.Priority < minPriority {
			minPriority = a.Priority
			any = true
		}
	}
	if !any {
		return nil
	}

	set := make([]*pool.SubConn, 0, len(subConns))
	for _, sc := range subConns {
		a := addrOf(sc)
		if a.Eligible && a.Priority == minPriority {
			set = append(set, sc)
		}
	}
	return set
}

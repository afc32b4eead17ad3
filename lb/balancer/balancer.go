// Package balancer implements the priority round-robin pick policy the LB
// layer uses to select a node from the resolver's current address list.
package balancer

import (
	"errors"
	"sync/atomic"

	"github.com/clusterlb/clusterlb/lb/topology"
)

// ErrNoReachableNodes is returned when the selection set (eligible nodes at
// the minimum announced priority) is empty. Picks fail fast; they never
// block waiting for the address list to change.
var ErrNoReachableNodes = errors.New("balancer: no reachable nodes")

// Picker selects a node from a topology snapshot. Implementations must be
// safe for concurrent use.
type Picker interface {
	Pick(nodes []topology.Node) (topology.Node, error)
}

// PriorityRoundRobin restricts picks to the selection set - eligible nodes
// sharing the lowest priority value present - and round-robins within it.
// The round-robin counter is never reset when the address list changes, so
// a burst of churn cannot starve nodes later in a freshly rebuilt list.
type PriorityRoundRobin struct {
	counter atomic.Uint64
}

// Pick selects the next node in round-robin order from the current
// selection set.
func (b *PriorityRoundRobin) Pick(nodes []topology.Node) (topology.Node, error) {
	set := selectionSet(nodes)
	if len(set) == 0 {
		return topology.Node{}, ErrNoReachableNodes
	}

	idx := b.counter.Add(1) - 1
	return set[idx%uint64(len(set))], nil
}

// selectionSet returns the eligible nodes at the minimum priority present
// among eligible nodes. An empty or all-ineligible input yields an empty
// selection set.
func selectionSet(nodes []topology.Node) []topology.Node {
	minPriority, any := int32(0), false
	for _, n := range nodes {
		if !n.Eligible {
			continue
		}
		if !any || n.Priority < minPriority {
			minPriority = n.Priority
			any = true
		}
	}
	if !any {
		return nil
	}

	set := make([]topology.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Eligible && n.Priority == minPriority {
			set = append(set, n)
		}
	}
	return set
}

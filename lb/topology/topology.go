// Package topology holds the immutable cluster-membership snapshot that
// flows from discovery down to the load-balancer layer.
package topology

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
)

// Node is one cluster member. Nodes are immutable and compared by value:
// two nodes with the same endpoint, eligibility and priority are equal
// regardless of metadata, which exists purely for diagnostics/attributes
// propagation and plays no part in equality or hashing.
type Node struct {
	Host     string
	Port     int
	Eligible bool
	Priority int32
	Metadata map[string]any
}

// key is the portion of a Node that participates in set equality and
// hashing: endpoint, eligibility and priority. Metadata is deliberately
// excluded: this package takes the full-node-state interpretation of
// dedup, so priority/eligibility changes on an otherwise-identical endpoint
// DO count as a different node, while metadata churn alone does not.
type key struct {
	host     string
	port     int
	eligible bool
	priority int32
}

func (n Node) key() key {
	return key{host: n.Host, port: n.Port, eligible: n.Eligible, priority: n.Priority}
}

// Topology is an immutable, order-preserving snapshot of cluster nodes.
// Equality and hashing are order-independent (set semantics); the original
// order is retained only so callers can inspect the source's announced
// ordering for diagnostics.
type Topology struct {
	nodes         []Node
	hash          uint64
	eligibleCount int
}

// Empty is the canonical empty topology. It is a distinct, stable value:
// Empty.Equals(New(nil)) is always true, but callers that want to special
// case "no discovery has happened yet" vs "discovery reported zero nodes"
// should use a separate sentinel at the resolver layer, not this type.
var Empty = New(nil)

// New builds a Topology from nodes, computing the derived hash and
// eligible count. The input slice is copied; order is preserved for
// diagnostics but does not affect Equals or Hash.
func New(nodes []Node) Topology {
	cp := make([]Node, len(nodes))
	copy(cp, nodes)

	t := Topology{nodes: cp}
	t.eligibleCount = 0
	for _, n := range cp {
		if n.Eligible {
			t.eligibleCount++
		}
	}
	t.hash = computeHash(cp)
	return t
}

// computeHash combines per-node hashes order-independently (XOR) with the
// node count folded in, so permutations of the same set hash identically
// while still distinguishing topologies that differ only in duplicate
// membership count.
func computeHash(nodes []Node) uint64 {
	var combined uint64
	for _, n := range nodes {
		h := fnv.New64a()
		k := n.key()
		h.Write([]byte(k.host))
		h.Write([]byte{byte(k.port), byte(k.port >> 8)})
		if k.eligible {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		h.Write([]byte{byte(k.priority), byte(k.priority >> 8), byte(k.priority >> 16), byte(k.priority >> 24)})
		combined ^= h.Sum64()
	}
	// Fold in length so {A,A} (if it could occur) doesn't collide with {A}.
	return combined ^ (uint64(len(nodes)) * 0x9e3779b97f4a7c15)
}

// Nodes returns the nodes in the order the source announced them.
func (t Topology) Nodes() []Node {
	out := make([]Node, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Count returns the total number of nodes.
func (t Topology) Count() int { return len(t.nodes) }

// EligibleCount returns the number of eligible nodes. Always <= Count().
func (t Topology) EligibleCount() int { return t.eligibleCount }

// Hash returns the order-independent hash of the topology. Equal
// topologies always have equal hashes (the converse need not hold).
func (t Topology) Hash() uint64 { return t.hash }

// Equals reports whether t and other contain the same set of nodes,
// independent of order. This is the deduplication predicate the cluster
// resolver uses to decide whether a freshly received snapshot is worth
// publishing.
func (t Topology) Equals(other Topology) bool {
	if t.hash != other.hash {
		return false
	}
	if len(t.nodes) != len(other.nodes) {
		return false
	}
	a := keyCounts(t.nodes)
	b := keyCounts(other.nodes)
	if len(a) != len(b) {
		return false
	}
	for k, n := range a {
		if b[k] != n {
			return false
		}
	}
	return true
}

func keyCounts(nodes []Node) map[key]int {
	m := make(map[key]int, len(nodes))
	for _, n := range nodes {
		m[n.key()]++
	}
	return m
}

// Diff reports how many nodes are present in other but not in t (added)
// and present in t but not in other (removed). Diff(t, t) is always
// (0, 0); diff counts are by element presence, never by position.
func (t Topology) Diff(other Topology) (added, removed int) {
	a := keyCounts(t.nodes)
	b := keyCounts(other.nodes)

	for k, bn := range b {
		an := a[k]
		if bn > an {
			added += bn - an
		}
	}
	for k, an := range a {
		bn := b[k]
		if an > bn {
			removed += an - bn
		}
	}
	return added, removed
}

// String renders the topology with a stable, sorted ordering for logs and
// diagnostics. It has no bearing on equality or hashing, which remain
// order-independent.
func (t Topology) String() string {
	ks := sortedKeys(t.nodes)
	parts := make([]string, 0, len(ks))
	for _, k := range ks {
		parts = append(parts, fmt.Sprintf("%s:%d(elig=%v,prio=%d)", k.host, k.port, k.eligible, k.priority))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// sortedKeys is used for deterministic diagnostic output; it has no
// bearing on equality or hashing.
func sortedKeys(nodes []Node) []key {
	ks := make([]key, 0, len(nodes))
	for _, n := range nodes {
		ks = append(ks, n.key())
	}
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].host != ks[j].host {
			return ks[i].host < ks[j].host
		}
		return ks[i].port < ks[j].port
	})
	return ks
}

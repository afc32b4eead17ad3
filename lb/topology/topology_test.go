package topology

import "testing"

func node(host string, port int, eligible bool, prio int32) Node {
	return Node{Host: host, Port: port, Eligible: eligible, Priority: prio}
}

func TestEqualsOrderIndependent(t *testing.T) {
	a := New([]Node{node("x", 1, true, 0), node("y", 1, true, 0)})
	b := New([]Node{node("y", 1, true, 0), node("x", 1, true, 0)})

	if !a.Equals(b) {
		t.Error("[TestEqualsOrderIndependent]: reordered topologies should be equal")
	}
	if a.Hash() != b.Hash() {
		t.Error("[TestEqualsOrderIndependent]: equal topologies must have equal hashes")
	}
}

func TestEqualsDetectsPriorityChange(t *testing.T) {
	a := New([]Node{node("x", 1, true, 0)})
	b := New([]Node{node("x", 1, true, 1)})

	if a.Equals(b) {
		t.Error("[TestEqualsDetectsPriorityChange]: priority change must break equality")
	}
}

func TestDiffSelf(t *testing.T) {
	a := New([]Node{node("x", 1, true, 0), node("y", 1, true, 0)})

	added, removed := a.Diff(a)
	if added != 0 || removed != 0 {
		t.Errorf("[TestDiffSelf]: got (%d,%d), want (0,0)", added, removed)
	}
}

func TestDiffAddedRemoved(t *testing.T) {
	a := New([]Node{node("x", 1, true, 0), node("y", 1, true, 0)})
	b := New([]Node{node("y", 1, true, 0), node("z", 1, true, 0)})

	added, removed := a.Diff(b)
	if added != 1 {
		t.Errorf("[TestDiffAddedRemoved]: added = %d, want 1", added)
	}
	if removed != 1 {
		t.Errorf("[TestDiffAddedRemoved]: removed = %d, want 1", removed)
	}
}

func TestEmptyIsStable(t *testing.T) {
	if Empty.Count() != 0 {
		t.Errorf("[TestEmptyIsStable]: Count() = %d, want 0", Empty.Count())
	}
	if !Empty.Equals(New(nil)) {
		t.Error("[TestEmptyIsStable]: Empty must equal New(nil)")
	}
}

func TestEligibleCountNeverExceedsCount(t *testing.T) {
	top := New([]Node{node("x", 1, true, 0), node("y", 1, false, 0)})
	if top.EligibleCount() > top.Count() {
		t.Errorf("[TestEligibleCountNeverExceedsCount]: eligible=%d count=%d", top.EligibleCount(), top.Count())
	}
	if top.EligibleCount() != 1 {
		t.Errorf("[TestEligibleCountNeverExceedsCount]: got %d, want 1", top.EligibleCount())
	}
}

func TestMetadataExcludedFromEquality(t *testing.T) {
	n1 := node("x", 1, true, 0)
	n1.Metadata = map[string]any{"zone": "a"}
	n2 := node("x", 1, true, 0)
	n2.Metadata = map[string]any{"zone": "b"}

	if !New([]Node{n1}).Equals(New([]Node{n2})) {
		t.Error("[TestMetadataExcludedFromEquality]: metadata must not affect equality")
	}
}

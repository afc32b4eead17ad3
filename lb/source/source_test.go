package source

import (
	"context"
	"testing"
	"time"

	"github.com/clusterlb/clusterlb/lb/topology"
)

type fakePolling struct {
	calls int
	tops  []topology.Topology
	err   error
}

func (f *fakePolling) Get(ctx context.Context, dctx DiscoveryContext) (topology.Topology, error) {
	if f.err != nil {
		return topology.Empty, f.err
	}
	i := f.calls
	if i >= len(f.tops) {
		i = len(f.tops) - 1
	}
	f.calls++
	return f.tops[i], nil
}

func TestAdaptEmitsImmediatelyThenOnDelay(t *testing.T) {
	top1 := topology.New([]topology.Node{{Host: "a", Port: 1, Eligible: true}})
	top2 := topology.New([]topology.Node{{Host: "b", Port: 1, Eligible: true}})
	p := &fakePolling{tops: []topology.Topology{top1, top2}}

	streaming := Adapt(p, 10*time.Millisecond)
	ctx := t.Context()
	stream, err := streaming.Subscribe(ctx, DiscoveryContext{})
	if err != nil {
		t.Fatalf("[TestAdaptEmitsImmediatelyThenOnDelay]: unexpected error: %v", err)
	}
	defer stream.Close()

	start := time.Now()
	got1, err := stream.Recv(ctx)
	if err != nil {
		t.Fatalf("[TestAdaptEmitsImmediatelyThenOnDelay]: first recv error: %v", err)
	}
	if !got1.Equals(top1) {
		t.Errorf("[TestAdaptEmitsImmediatelyThenOnDelay]: first snapshot mismatch")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Millisecond {
		t.Errorf("[TestAdaptEmitsImmediatelyThenOnDelay]: first recv took %v, want near-immediate", elapsed)
	}

	got2, err := stream.Recv(ctx)
	if err != nil {
		t.Fatalf("[TestAdaptEmitsImmediatelyThenOnDelay]: second recv error: %v", err)
	}
	if !got2.Equals(top2) {
		t.Errorf("[TestAdaptEmitsImmediatelyThenOnDelay]: second snapshot mismatch")
	}
}

func TestAdaptPropagatesError(t *testing.T) {
	p := &fakePolling{err: context.DeadlineExceeded}
	streaming := Adapt(p, time.Millisecond)
	ctx := t.Context()
	stream, _ := streaming.Subscribe(ctx, DiscoveryContext{})
	defer stream.Close()

	if _, err := stream.Recv(ctx); err == nil {
		t.Error("[TestAdaptPropagatesError]: expected error from Get to propagate")
	}
}

type orderedPolling struct {
	fakePolling
}

func (o *orderedPolling) Order() Order {
	return func(a, b topology.Node) bool { return a.Host > b.Host }
}

func TestOrderOf(t *testing.T) {
	lo := topology.Node{Host: "a", Priority: 0}
	hi := topology.Node{Host: "b", Priority: 1}

	// Default order is priority ascending.
	ord := OrderOf(&fakePolling{})
	if !ord(lo, hi) || ord(hi, lo) {
		t.Error("[TestOrderOf]: default order is not priority ascending")
	}

	// A source's own order wins, and Adapt forwards it.
	ord = OrderOf(Adapt(&orderedPolling{}, time.Millisecond))
	if !ord(hi, lo) || ord(lo, hi) {
		t.Error("[TestOrderOf]: adapted source's own order was not forwarded")
	}
}

func TestAdaptCancellationStopsStream(t *testing.T) {
	top := topology.New([]topology.Node{{Host: "a", Port: 1, Eligible: true}})
	p := &fakePolling{tops: []topology.Topology{top, top}}

	streaming := Adapt(p, time.Hour)
	subCtx, cancel := context.WithCancel(t.Context())
	stream, _ := streaming.Subscribe(subCtx, DiscoveryContext{})
	defer stream.Close()

	if _, err := stream.Recv(subCtx); err != nil {
		t.Fatalf("[TestAdaptCancellationStopsStream]: unexpected error on first recv: %v", err)
	}

	cancel()
	if _, err := stream.Recv(context.Background()); err == nil {
		t.Error("[TestAdaptCancellationStopsStream]: expected error after stream context cancelled")
	}
}

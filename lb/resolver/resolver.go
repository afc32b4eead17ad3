// Package resolver implements the cluster-aware discovery state machine:
// it bootstraps against seed endpoints, subscribes to a topology source,
// deduplicates and publishes snapshots, and re-bootstraps on failure or a
// caller-triggered refresh.
package resolver

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/telemetry/otel/trace/span"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/clusterlb/clusterlb/lb/endpoint"
	"github.com/clusterlb/clusterlb/lb/seedpool"
	"github.com/clusterlb/clusterlb/lb/source"
	"github.com/clusterlb/clusterlb/lb/topology"
	rpcerrors "github.com/clusterlb/clusterlb/rpc/errors"
)

// State is one of the resolver's lifecycle states.
type State int32

const (
	Bootstrap State = iota
	Subscribed
	Backoff
	Closed
)

func (s State) String() string {
	switch s {
	case Bootstrap:
		return "BOOTSTRAP"
	case Subscribed:
		return "SUBSCRIBED"
	case Backoff:
		return "BACKOFF"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ErrBootstrapFailed is reported to the push target when discovery fails on
// every seed for max_discovery_attempts.
var ErrBootstrapFailed = rpcerrors.New("resolver: bootstrap failed on all seeds")

// UnsetMaxDiscoveryAttempts marks Config.MaxDiscoveryAttempts as not
// explicitly configured, so setDefaults can tell an unset field apart from
// a caller who legitimately wants zero bootstrap attempts.
const UnsetMaxDiscoveryAttempts = -1

// PushTarget receives published topology snapshots and terminal errors. It
// is implemented by the load-balanced channel this resolver feeds.
type PushTarget interface {
	UpdateAddresses(nodes []topology.Node)
	ReportError(err error)
}

// Config configures a Resolver.
type Config struct {
	Seeds                []endpoint.Endpoint
	SeedPool             *seedpool.Pool
	Source               source.Streaming
	Timeout              time.Duration
	MaxDiscoveryAttempts int
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration

	// Order is the node order published address lists are presented in.
	// Defaults to the Source's own order (source.OrderOf).
	Order source.Order
}

func (c *Config) setDefaults() {
	if c.Order == nil {
		c.Order = source.OrderOf(c.Source)
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.MaxDiscoveryAttempts == UnsetMaxDiscoveryAttempts {
		c.MaxDiscoveryAttempts = 10
	}
	if c.MaxDiscoveryAttempts < 0 {
		c.MaxDiscoveryAttempts = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
}

// Resolver runs the bootstrap/subscribe/backoff state machine described in
// the package doc. One Resolver belongs to exactly one logical channel.
type Resolver struct {
	cfg  Config
	push PushTarget

	state atomic.Int32

	mu            sync.Mutex
	lastPublished topology.Topology
	hasPublished  bool
	subCancel     context.CancelFunc
	pendingStream source.Stream

	refreshPending atomic.Bool
	refreshCh      chan struct{}

	rootCancel context.CancelFunc
	done       chan struct{}

	publishCount    atomic.Int64
	publishedMetric metric.Int64Counter
}

// New builds a Resolver. Call Start to begin the bootstrap loop.
func New(cfg Config, push PushTarget) *Resolver {
	cfg.setDefaults()
	r := &Resolver{
		cfg:           cfg,
		push:          push,
		lastPublished: topology.Empty,
		refreshCh:     make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	r.state.Store(int32(Bootstrap))
	return r
}

// State returns the resolver's current state. Safe for concurrent use.
func (r *Resolver) State() State { return State(r.state.Load()) }

func (r *Resolver) setState(s State) { r.state.Store(int32(s)) }

// Start launches the resolver's subscription loop. ctx is the channel's
// root lifetime; closing it (or calling Close) tears the resolver down.
func (r *Resolver) Start(ctx context.Context) {
	r.initMetrics(ctx)

	ctx, cancel := context.WithCancel(ctx)
	r.rootCancel = cancel

	pool := context.Pool(ctx)
	pool.Submit(ctx, func() {
		defer close(r.done)
		r.run(ctx)
	})
}

// initMetrics builds the topology-publication counter from the meter
// attached to ctx. A failure to create the instrument is non-fatal: the
// resolver still publishes, it just loses the externally observable metric,
// leaving PublishCount (used by tests) as the source of truth either way.
func (r *Resolver) initMetrics(ctx context.Context) {
	meter := context.Meter(ctx)
	if meter == nil {
		return
	}
	counter, err := meter.Int64Counter(
		"clusterlb.resolver.topology_publications",
		metric.WithDescription("Number of distinct topology snapshots published to the channel"),
	)
	if err != nil {
		return
	}
	r.publishedMetric = counter
}

// PublishCount returns the number of distinct (deduplicated) snapshots
// published so far. Exposed primarily so tests can assert on dedup behavior
// without depending on the metrics pipeline being wired up.
func (r *Resolver) PublishCount() int64 { return r.publishCount.Load() }

// TriggerRefresh asks the resolver to cancel its current subscription and
// re-bootstrap. Non-blocking; concurrent calls while a refresh is already
// pending coalesce into one.
func (r *Resolver) TriggerRefresh() {
	if !r.refreshPending.CompareAndSwap(false, true) {
		return
	}
	select {
	case r.refreshCh <- struct{}{}:
	default:
	}

	r.mu.Lock()
	cancel := r.subCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close cancels the subscription task, releases the seed pool, and enters
// Closed. Safe to call more than once, and before Start.
func (r *Resolver) Close() {
	if r.rootCancel != nil {
		r.rootCancel()
		<-r.done
	}
	r.setState(Closed)
	if r.cfg.SeedPool != nil {
		r.cfg.SeedPool.Close()
	}
}

func (r *Resolver) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			r.setState(Closed)
			return
		default:
		}

		ctxSpan, sp := span.New(ctx, span.WithName("resolver.bootstrap"), span.WithSpanStartOption(trace.WithSpanKind(trace.SpanKindInternal)))
		ok := r.bootstrap(ctxSpan)
		sp.End()
		if !ok {
			// Cancellation is channel close, not a discovery failure; only
			// genuine exhaustion is surfaced.
			if ctx.Err() == nil {
				r.push.ReportError(ErrBootstrapFailed)
			}
			r.setState(Closed)
			return
		}

		if !r.subscribedLoop(ctx) {
			r.setState(Closed)
			return
		}
	}
}

// bootstrap implements the bootstrap algorithm in the package doc: acquire
// a seed, race the stream's first snapshot against the per-call timeout,
// publish on success and transition to Subscribed, or back off and retry.
func (r *Resolver) bootstrap(ctx context.Context) bool {
	r.setState(Bootstrap)

	attempt := 0
	backoff := r.cfg.InitialBackoff

	for attempt < r.cfg.MaxDiscoveryAttempts {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		ep, conn, err := r.cfg.SeedPool.Acquire(ctx)
		if err != nil && (ctx.Err() != nil || rpcerrors.Is(err, seedpool.ErrClosed)) {
			return false
		}

		subCtx, cancel := context.WithCancel(ctx)
		r.mu.Lock()
		r.subCancel = cancel
		r.mu.Unlock()

		// A seed that could not be dialed counts as a failed attempt, the
		// same as a failed subscribe; Acquire has already put it in cooldown.
		var stream source.Stream
		if err == nil {
			stream, err = r.cfg.Source.Subscribe(subCtx, source.DiscoveryContext{Conn: conn, Endpoint: ep})
		}
		if err == nil {
			firstCtx, firstCancel := context.WithTimeout(subCtx, r.cfg.Timeout)
			top, recvErr := stream.Recv(firstCtx)
			firstCancel()
			if recvErr == nil {
				r.cfg.SeedPool.ReportSuccess(ep)
				// lastPublished survives re-bootstrap, so a resubscribe that
				// reports the same topology the channel already has is deduped
				// like any other repeated snapshot. The very first snapshot is
				// always published, even if it matches the Empty sentinel.
				if !r.hasPublished || !top.Equals(r.lastPublished) {
					r.publish(ctx, top)
				}
				r.setState(Subscribed)
				r.pendingStream = stream
				return true
			}
			stream.Close()
			err = recvErr
		}

		cancel()
		r.cfg.SeedPool.ReportFailure(ep)
		attempt++

		if attempt >= r.cfg.MaxDiscoveryAttempts {
			break
		}

		r.setState(Backoff)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		r.setState(Bootstrap)
		backoff *= 2
		if backoff > r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
		}
	}

	return false
}

// subscribedLoop consumes snapshots from the stream left open by bootstrap,
// deduplicating against lastPublished and publishing diffs in arrival
// order. It returns false when the resolver should stop entirely (root
// context done) and true when it should re-bootstrap (stream ended, stream
// error, or a triggered refresh).
func (r *Resolver) subscribedLoop(ctx context.Context) bool {
	stream := r.pendingStream
	r.pendingStream = nil
	defer stream.Close()

	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		top, err := stream.Recv(ctx)
		if err != nil {
			// A refresh cancels the subscription, so this error path covers
			// both stream breaks and triggered refreshes; drain any pending
			// signal so it can't carry over into the next subscription.
			r.refreshPending.Store(false)
			select {
			case <-r.refreshCh:
			default:
			}
			select {
			case <-ctx.Done():
				return false
			default:
				return true
			}
		}

		if !top.Equals(r.lastPublished) {
			r.publish(ctx, top)
		}

		select {
		case <-r.refreshCh:
			r.refreshPending.Store(false)
			return true
		default:
		}
	}
}

func (r *Resolver) publish(ctx context.Context, top topology.Topology) {
	r.mu.Lock()
	added, removed := r.lastPublished.Diff(top)
	r.lastPublished = top
	r.hasPublished = true
	r.mu.Unlock()

	r.publishCount.Add(1)
	if r.publishedMetric != nil {
		r.publishedMetric.Add(ctx, 1)
	}
	if sp := trace.SpanFromContext(ctx); sp.IsRecording() {
		sp.AddEvent("topology.publish", trace.WithAttributes(
			attribute.Int("nodes", top.Count()),
			attribute.Int("added", added),
			attribute.Int("removed", removed),
		))
	}

	nodes := top.Nodes()
	sort.SliceStable(nodes, func(i, j int) bool { return r.cfg.Order(nodes[i], nodes[j]) })
	r.push.UpdateAddresses(nodes)
}

// Package seedpool owns a small, shared set of short-lived channels to
// bootstrap/discovery seed addresses. It hands seeds out round-robin,
// tracks per-seed cooldown after failures, and evicts idle entries under
// a soft cap.
package seedpool

import (
	"errors"
	"sort"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"

	"github.com/clusterlb/clusterlb/lb/endpoint"
	"github.com/clusterlb/clusterlb/rpc/client"
	"github.com/clusterlb/clusterlb/rpc/transport"
)

// DefaultSoftCap is the default number of seed channels kept alive before
// LRU eviction kicks in.
const DefaultSoftCap = 8

// ErrClosed is returned by Acquire after Close has been called.
var ErrClosed = errors.New("seedpool: closed")

// entry is one seed's pooled state. The channel is created lazily and kept
// until evicted; last_used/last_error track LRU ordering and cooldown.
type entry struct {
	endpoint endpoint.Endpoint
	conn     *client.Conn

	lastUsedNanos  int64
	lastErrorNanos int64
	failures       int
	cooldownUntil  time.Time
}

// Options configures a Pool's backoff and eviction behavior.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SoftCap        int
	DialFunc       transport.DialFunc
	ClientOpts     []client.Option
}

func (o *Options) setDefaults() {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.SoftCap <= 0 {
		o.SoftCap = DefaultSoftCap
	}
}

// Pool round-robins over a fixed list of seed endpoints, lazily dialing a
// channel per seed and backing seeds off after failures.
type Pool struct {
	mu      sync.Mutex
	seeds   []*entry
	rrIndex int
	opts    Options
	closed  bool
}

// New creates a Pool for the given seed endpoints. seeds must be non-empty.
func New(seeds []endpoint.Endpoint, opts Options) *Pool {
	opts.setDefaults()
	p := &Pool{opts: opts}
	for _, s := range seeds {
		p.seeds = append(p.seeds, &entry{endpoint: s})
	}
	return p
}

// Acquire returns a live seed endpoint and its channel, round-robining over
// seeds not currently in cooldown. If every seed is in cooldown, it blocks
// until the earliest cooldown expires or ctx is done. A seed whose channel
// cannot be dialed is put in cooldown and the dial error returned.
func (p *Pool) Acquire(ctx context.Context) (endpoint.Endpoint, *client.Conn, error) {
	for {
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return endpoint.Endpoint{}, nil, ErrClosed
		}

		e, wait, ok := p.next()
		if ok {
			conn, err := p.connFor(ctx, e)
			if err != nil {
				p.ReportFailure(e.endpoint)
				return endpoint.Endpoint{}, nil, err
			}
			return e.endpoint, conn, nil
		}

		select {
		case <-ctx.Done():
			return endpoint.Endpoint{}, nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// next picks the next live seed round-robin, or reports how long the caller
// should wait before the earliest cooldown expires.
func (p *Pool) next() (e *entry, wait time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.seeds) == 0 {
		return nil, 0, false
	}

	now := time.Now()
	n := len(p.seeds)
	for i := 0; i < n; i++ {
		idx := (p.rrIndex + i) % n
		s := p.seeds[idx]
		if s.cooldownUntil.IsZero() || !now.Before(s.cooldownUntil) {
			p.rrIndex = (idx + 1) % n
			s.lastUsedNanos = now.UnixNano()
			p.evictLocked()
			return s, 0, true
		}
	}

	earliest := p.seeds[0]
	for _, s := range p.seeds[1:] {
		if s.cooldownUntil.Before(earliest.cooldownUntil) {
			earliest = s
		}
	}
	wait = earliest.cooldownUntil.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return nil, wait, false
}

// connFor returns the seed's channel, dialing it lazily under double-checked
// locking so concurrent acquirers of the same seed don't dial twice.
func (p *Pool) connFor(ctx context.Context, e *entry) (*client.Conn, error) {
	p.mu.Lock()
	if e.conn != nil {
		conn := e.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	t, err := p.opts.DialFunc(ctx, e.endpoint.String())
	if err != nil {
		return nil, err
	}
	conn := client.New(ctx, t, p.opts.ClientOpts...)

	p.mu.Lock()
	if e.conn != nil {
		existing := e.conn
		p.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	e.conn = conn
	p.mu.Unlock()

	return conn, nil
}

// ReportFailure places endpoint in cooldown, doubling from initial_backoff
// with each consecutive failure and capped at max_backoff. The channel, if
// any, is closed and recreated on next use since a failed channel is
// assumed unusable.
func (p *Pool) ReportFailure(ep endpoint.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.seeds {
		if s.endpoint != ep {
			continue
		}
		s.lastErrorNanos = time.Now().UnixNano()
		s.failures++

		// initial * 2^(k-1) for the k-th consecutive failure; the shift can
		// overflow to <= 0 on a long streak, which the cap also catches.
		backoff := p.opts.InitialBackoff << (s.failures - 1)
		if backoff <= 0 || backoff > p.opts.MaxBackoff {
			backoff = p.opts.MaxBackoff
		}
		s.cooldownUntil = time.Now().Add(backoff)

		if s.conn != nil {
			conn := s.conn
			s.conn = nil
			conn.Close()
		}
		return
	}
}

// ReportSuccess clears a seed's failure streak and cooldown. Callers invoke
// this once an acquired channel has actually been used successfully (e.g. a
// discovery subscribe produced a snapshot), not merely dialed.
func (p *Pool) ReportSuccess(ep endpoint.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.seeds {
		if s.endpoint == ep {
			s.failures = 0
			s.cooldownUntil = time.Time{}
			return
		}
	}
}

// evictLocked closes and drops idle channels beyond the soft cap, oldest
// (by last use) first. Called with mu held.
func (p *Pool) evictLocked() {
	withConn := make([]*entry, 0, len(p.seeds))
	for _, s := range p.seeds {
		if s.conn != nil {
			withConn = append(withConn, s)
		}
	}
	if len(withConn) <= p.opts.SoftCap {
		return
	}

	sort.Slice(withConn, func(i, j int) bool {
		return withConn[i].lastUsedNanos < withConn[j].lastUsedNanos
	})

	excess := len(withConn) - p.opts.SoftCap
	for _, s := range withConn[:excess] {
		conn := s.conn
		s.conn = nil
		conn.Close()
	}
}

// Close tears down every held channel. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for _, s := range p.seeds {
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
	}
}

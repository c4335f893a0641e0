// Package pool implements the per-chain connection pool: it multiplexes RPC/WS/REST endpoints per chain and capability, tracks
// per-member health via circuit breakers and latency EMAs, and fails over
// transport errors onto a different member.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNoHealthyEndpoint is returned by Acquire when every member's
	// circuit is Open.
	ErrNoHealthyEndpoint = errors.New("pool: no healthy endpoint")
	// ErrMaxRetriesExceeded is returned by WithClient once MaxRetries
	// attempts have all failed with transport errors (the same member
	// may have served more than one of them).
	ErrMaxRetriesExceeded = errors.New("pool: max retries exceeded")
)

// Capability names a class of RPC operation a member may serve, e.g.
// "query", "submit", "subscribe". Members are grouped per (chainID,
// Capability).
type Capability string

// Prober performs a lightweight per-protocol health ping against a
// member (e.g. getHeight). Callers
// provide one implementation per chain kind.
type Prober interface {
	Probe(ctx context.Context, endpointURL string) error
}

// ProberFunc adapts a function to a Prober.
type ProberFunc func(ctx context.Context, endpointURL string) error

func (f ProberFunc) Probe(ctx context.Context, endpointURL string) error { return f(ctx, endpointURL) }

// Member models PoolMember from the data model.
type Member struct {
	EndpointURL string

	breaker       *breaker
	emaMu         sync.Mutex
	ema           float64 // latency EMA, in seconds; 0 means unset
	healthy       atomic.Bool
	inFlightCount atomic.Int64
}

// Config configures a Pool.
type Config struct {
	// HealthCheckInterval is how often each member is probed.
	HealthCheckInterval time.Duration
	// ProbeTimeout bounds each health probe; exceeding it counts as a
	// probe failure.
	ProbeTimeout time.Duration
	// MaxRetries is the number of attempts WithClient makes before giving
	// up on transport errors; attempts are not guaranteed to use distinct
	// members.
	MaxRetries int
	// CircuitFailThreshold is k, the number of consecutive failures that
	// trips the breaker.
	CircuitFailThreshold int32
	// CircuitCooldown is how long a breaker stays Open before trialing
	// HalfOpen.
	CircuitCooldown time.Duration
	// CircuitWindow and CircuitFailRate implement the "> p failure rate
	// over a sliding window" trip condition; CircuitWindow <= 0 disables
	// it (consecutive-failure tripping only).
	CircuitWindow   time.Duration
	CircuitFailRate float64
	// EMADecay is the smoothing factor (0, 1) for the latency EMA; higher
	// values weight recent samples more heavily. Defaults to 0.3.
	EMADecay float64
}

func (c Config) withDefaults() Config {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 15 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.CircuitFailThreshold <= 0 {
		c.CircuitFailThreshold = 5
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = 30 * time.Second
	}
	if c.EMADecay <= 0 {
		c.EMADecay = 0.3
	}
	return c
}

// memberGroup is the set of members registered for one (chainID, Capability).
type memberGroup struct {
	mu      sync.RWMutex
	members []*Member
	next    int // round-robin cursor, guarded by mu
}

// Pool multiplexes endpoints across chains and capabilities.
type Pool struct {
	cfg    Config
	prober Prober
	dialer Dialer

	mu     sync.RWMutex
	groups map[groupKey]*memberGroup

	probeSem *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
}

type groupKey struct {
	chainID    string
	capability Capability
}

// New constructs a Pool. prober performs health checks; it may be nil, in
// which case members are assumed healthy until a failure is recorded via
// RecordFailure (as surfaced through WithClient).
func New(ctx context.Context, cfg Config, prober Prober) *Pool {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:      cfg,
		prober:   prober,
		dialer:   withTimeout(cfg.ProbeTimeout, withCancel(ctx, DialTCP)),
		groups:   make(map[groupKey]*memberGroup),
		probeSem: semaphore.NewWeighted(8),
		ctx:      ctx,
		cancel:   cancel,
	}
	if prober != nil {
		go p.healthLoop()
	}
	return p
}

// Close stops background health checking.
func (p *Pool) Close() { p.cancel() }

// Register adds a member to the pool for (chainID, capability). Safe to
// call concurrently with Acquire/WithClient.
func (p *Pool) Register(chainID string, capability Capability, endpointURL string) {
	key := groupKey{chainID, capability}

	p.mu.Lock()
	g, ok := p.groups[key]
	if !ok {
		g = &memberGroup{}
		p.groups[key] = g
	}
	p.mu.Unlock()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, m := range g.members {
		if m.EndpointURL == endpointURL {
			return
		}
	}
	m := &Member{EndpointURL: endpointURL, breaker: newBreaker(p.cfg.CircuitFailThreshold, p.cfg.CircuitCooldown, p.cfg.CircuitWindow, p.cfg.CircuitFailRate)}
	m.healthy.Store(true)
	g.members = append(g.members, m)
}

// Lease is an acquired Member; callers must call Release when done, which
// they do implicitly by using WithClient.
type Lease struct {
	Member *Member
	pool   *Pool
	start  time.Time
}

// Release records the outcome of using the lease's member, updating its
// latency EMA and circuit breaker state.
func (l *Lease) Release(err error) {
	elapsed := time.Since(l.start).Seconds()
	now := time.Now()

	l.Member.emaMu.Lock()
	if l.Member.ema == 0 {
		l.Member.ema = elapsed
	} else {
		d := l.pool.cfg.EMADecay
		l.Member.ema = d*elapsed + (1-d)*l.Member.ema
	}
	l.Member.emaMu.Unlock()

	if isTransportError(err) {
		l.Member.breaker.RecordFailure(now)
	} else {
		l.Member.breaker.RecordSuccess(now)
	}
	l.Member.inFlightCount.Add(-1)
}

// TransportError wraps an error to mark it as a transport-layer failure
// (retryable on a different member), as opposed to an application error
// (e.g. a contract revert), which is returned verbatim.
type TransportError struct{ Err error }

func (e *TransportError) Error() string { return fmt.Sprintf("pool: transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}

// Acquire selects a healthy member for (chainID, capability) by
// round-robin over the healthy candidates ordered by inverse EMA
// latency. The latency order only decides which member sits at each
// cursor position; faster members are not picked more often. Returns
// ErrNoHealthyEndpoint if every member's circuit
// is Open.
func (p *Pool) Acquire(chainID string, capability Capability) (*Lease, error) {
	key := groupKey{chainID, capability}

	p.mu.RLock()
	g, ok := p.groups[key]
	p.mu.RUnlock()
	if !ok || g == nil {
		return nil, ErrNoHealthyEndpoint
	}

	now := time.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.members) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	type candidate struct {
		m     *Member
		score float64
	}
	var candidates []candidate
	for _, m := range g.members {
		if !m.healthy.Load() || !m.breaker.Allow(now) {
			continue
		}
		m.emaMu.Lock()
		ema := m.ema
		m.emaMu.Unlock()
		// inverse-latency weighting: lower latency -> higher score.
		score := 1 / (1 + ema)
		candidates = append(candidates, candidate{m, score})
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyEndpoint
	}

	// Order candidates by score (lowest latency first, endpoint URL on
	// ties), then take the position the shared round-robin cursor points
	// at. The list is re-sorted on every call, so the same member can
	// come up twice in a row when scores reorder between calls.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].m.EndpointURL < candidates[j].m.EndpointURL
	})

	idx := g.next % len(candidates)
	g.next++

	chosen := candidates[idx%len(candidates)].m
	chosen.inFlightCount.Add(1)

	return &Lease{Member: chosen, pool: p, start: time.Now()}, nil
}

// WithClient wraps Acquire/op/Release with retry semantics: transport
// errors (wrapped in TransportError by op) are retried, with a fresh
// Acquire each time, for at most cfg.MaxRetries attempts in total; any
// other error is returned verbatim without retrying. Each retry takes
// whatever member the round-robin cursor yields next; an already-tried
// member is not skipped.
func (p *Pool) WithClient(ctx context.Context, chainID string, capability Capability, op func(ctx context.Context, endpointURL string) error) error {
	var lastErr error
	tried := make(map[string]bool)

	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lease, err := p.Acquire(chainID, capability)
		if err != nil {
			return err
		}
		if tried[lease.Member.EndpointURL] && len(tried) < p.groupSize(chainID, capability) {
			// nothing is done here: the repeated member is used as is,
			// and the attempt still counts toward MaxRetries.
		}
		tried[lease.Member.EndpointURL] = true

		opErr := op(ctx, lease.Member.EndpointURL)
		lease.Release(opErr)

		if opErr == nil {
			return nil
		}
		if !isTransportError(opErr) {
			return opErr
		}
		lastErr = opErr
	}

	if lastErr == nil {
		lastErr = ErrMaxRetriesExceeded
	}
	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func (p *Pool) groupSize(chainID string, capability Capability) int {
	p.mu.RLock()
	g, ok := p.groups[groupKey{chainID, capability}]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// MemberStatus is a point-in-time view of one registered member, the
// shape persisted as pool telemetry per (chain, endpoint).
type MemberStatus struct {
	ChainID      string
	Capability   Capability
	EndpointURL  string
	Healthy      bool
	InFlight     int64
	EMALatency   time.Duration
	CircuitState CircuitState
	NextRetryAt  time.Time
}

// Snapshot reports the current status of every registered member, in a
// deterministic (chain, capability, endpoint) order.
func (p *Pool) Snapshot() []MemberStatus {
	p.mu.RLock()
	keys := make([]groupKey, 0, len(p.groups))
	for k := range p.groups {
		keys = append(keys, k)
	}
	groups := make(map[groupKey]*memberGroup, len(p.groups))
	for k, g := range p.groups {
		groups[k] = g
	}
	p.mu.RUnlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].chainID != keys[j].chainID {
			return keys[i].chainID < keys[j].chainID
		}
		return keys[i].capability < keys[j].capability
	})

	var out []MemberStatus
	for _, k := range keys {
		g := groups[k]
		g.mu.RLock()
		members := append([]*Member(nil), g.members...)
		g.mu.RUnlock()
		sort.Slice(members, func(i, j int) bool { return members[i].EndpointURL < members[j].EndpointURL })
		for _, m := range members {
			m.emaMu.Lock()
			ema := m.ema
			m.emaMu.Unlock()
			out = append(out, MemberStatus{
				ChainID:      k.chainID,
				Capability:   k.capability,
				EndpointURL:  m.EndpointURL,
				Healthy:      m.healthy.Load(),
				InFlight:     m.inFlightCount.Load(),
				EMALatency:   time.Duration(ema * float64(time.Second)),
				CircuitState: m.breaker.State(),
				NextRetryAt:  m.breaker.NextRetryAt(),
			})
		}
	}
	return out
}

// healthLoop runs lightweight probes against every registered member on
// HealthCheckInterval, concurrently bounded by probeSem. Probes against
// an Open-circuit member do not count toward
// application load, and a probe past ProbeTimeout counts as a failure.
func (p *Pool) healthLoop() {
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.probeAll()
		}
	}
}

func (p *Pool) probeAll() {
	p.mu.RLock()
	groups := make([]*memberGroup, 0, len(p.groups))
	for _, g := range p.groups {
		groups = append(groups, g)
	}
	p.mu.RUnlock()

	eg, ctx := errgroup.WithContext(p.ctx)
	for _, g := range groups {
		g.mu.RLock()
		members := append([]*Member(nil), g.members...)
		g.mu.RUnlock()

		for _, m := range members {
			m := m
			eg.Go(func() error {
				if err := p.probeSem.Acquire(ctx, 1); err != nil {
					return nil
				}
				defer p.probeSem.Release(1)

				pctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
				defer cancel()

				err := p.prober.Probe(pctx, m.EndpointURL)
				now := time.Now()
				if err != nil || pctx.Err() != nil {
					m.healthy.Store(false)
					m.breaker.RecordFailure(now)
				} else {
					m.healthy.Store(true)
					m.breaker.RecordSuccess(now)
				}
				return nil
			})
		}
	}
	_ = eg.Wait()
}

// Package registry implements the chain/channel registry and the
// multi-hop route planner: a bounded best-first search
// over the channel adjacency graph, with cycle rejection and a timelock
// cascade feasibility check.
package registry

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	cycle "github.com/joeycumines/go-detect-cycle/floyds"
	"golang.org/x/exp/slices"

	"github.com/evmrelay/relayer/chainmodel"
)

// ErrNoFeasibleRoute is returned when no route of length <= maxHops
// satisfies the timelock cascade.
var ErrNoFeasibleRoute = errors.New("registry: no feasible route")

// ErrCycleDetected is returned when registering a channel would introduce
// a cycle into the adjacency graph.
var ErrCycleDetected = errors.New("registry: channel graph contains a cycle")

// Registry holds known chains and channels.
type Registry struct {
	chains   sync.Map // string -> chainmodel.Chain
	channels sync.Map // string (sourceChain) -> []chainmodel.Channel

	mu   sync.Mutex
	subs []chan struct{}
}

// New constructs an empty Registry.
func New() *Registry { return &Registry{} }

// RegisterChain adds or replaces a chain entry.
func (r *Registry) RegisterChain(c chainmodel.Chain) {
	r.chains.Store(c.ID, c)
	r.notifyTopologyChanged()
}

// Chain looks up a chain by ID.
func (r *Registry) Chain(id string) (chainmodel.Chain, bool) {
	v, ok := r.chains.Load(id)
	if !ok {
		return chainmodel.Chain{}, false
	}
	return v.(chainmodel.Chain), true
}

// ChainFilter narrows ListChains by Kind; the zero value matches every
// chain.
type ChainFilter struct {
	Kind chainmodel.ChainKind
}

// ListChains returns every registered chain matching filter, sorted by
// ID.
func (r *Registry) ListChains(filter ChainFilter) []chainmodel.Chain {
	var out []chainmodel.Chain
	r.chains.Range(func(_, v any) bool {
		c := v.(chainmodel.Chain)
		if filter.Kind == "" || c.Kind == filter.Kind {
			out = append(out, c)
		}
		return true
	})
	slices.SortFunc(out, func(a, b chainmodel.Chain) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Channels returns every channel (any state) originating at chainID.
// Unlike the internal channelsFrom
// used by PlanRoutes, this does not filter to Open channels — callers
// inspecting topology need to see Closed channels too.
func (r *Registry) Channels(chainID string) []chainmodel.Channel {
	v, ok := r.channels.Load(chainID)
	if !ok {
		return nil
	}
	all := *v.(*[]chainmodel.Channel)
	out := make([]chainmodel.Channel, len(all))
	copy(out, all)
	return out
}

// SubscribeTopology returns a channel that receives a notification
// (best-effort, non-blocking) whenever a chain or channel is registered.
// Call the returned cancel function to stop receiving and release the
// channel.
func (r *Registry) SubscribeTopology() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	r.subs = append(r.subs, ch)
	r.mu.Unlock()
	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, s := range r.subs {
			if s == ch {
				r.subs = append(r.subs[:i], r.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

func (r *Registry) notifyTopologyChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// RegisterChannel adds a directed edge source->dest. It rejects the
// registration if doing so would create a cycle in the "connects to"
// relation, detected via Floyd's tortoise-and-hare over the adjacency map.
func (r *Registry) RegisterChannel(ch chainmodel.Channel) error {
	if ch.State == "" {
		ch.State = chainmodel.ChannelOpen
	}
	candidate := r.adjacency()
	candidate[ch.SourceChain] = append(candidate[ch.SourceChain], ch.DestChain)
	if dependencyCycle(candidate) {
		return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, ch.SourceChain, ch.DestChain)
	}

	v, _ := r.channels.LoadOrStore(ch.SourceChain, &[]chainmodel.Channel{})
	list := v.(*[]chainmodel.Channel)
	*list = append(*list, ch)
	r.notifyTopologyChanged()
	return nil
}

func (r *Registry) adjacency() map[string][]string {
	out := map[string][]string{}
	r.channels.Range(func(k, v any) bool {
		src := k.(string)
		for _, ch := range *v.(*[]chainmodel.Channel) {
			out[src] = append(out[src], ch.DestChain)
		}
		return true
	})
	return out
}

// channelsFrom returns only Open channels originating at chainID: a
// route must never traverse a channel that cannot carry a packet.
func (r *Registry) channelsFrom(chainID string) []chainmodel.Channel {
	v, ok := r.channels.Load(chainID)
	if !ok {
		return nil
	}
	all := *v.(*[]chainmodel.Channel)
	open := make([]chainmodel.Channel, 0, len(all))
	for _, ch := range all {
		if ch.State == chainmodel.ChannelOpen {
			open = append(open, ch)
		}
	}
	return open
}

// dependencyCycle walks deps with a branching Floyd's detector over a
// plain adjacency map.
func dependencyCycle(deps map[string][]string) bool {
	var check func(k string, f cycle.BranchingDetector) bool
	check = func(k string, f cycle.BranchingDetector) bool {
		for _, v := range deps[k] {
			if func() bool {
				nf := f.Hare(v)
				defer nf.Clear()
				if !f.Ok() {
					return true
				}
				return check(v, nf)
			}() {
				return true
			}
		}
		return false
	}
	for k := range deps {
		if check(k, cycle.NewBranchingDetector(k, nil)) {
			return true
		}
	}
	return false
}

// Route is one candidate multi-hop path with assigned timelocks.
type Route struct {
	Hops []chainmodel.Hop
	Fee  float64
	// Latency is the sum of each hop destination chain's BlockTime *
	// RequiredConfirmations, used only as a tie-break.
	Latency time.Duration
}

// PlanParams bounds route planning.
type PlanParams struct {
	Source          string
	Dest            string
	MaxHops         int
	MinHopBuffer    time.Duration
	MinDestTimelock time.Duration
	StartTime       time.Time
	SourceTimelock  time.Duration
	K               int // number of routes to return
	// HashAlgo is the hashlock algorithm the swap uses. Every
	// intermediate and destination chain on a candidate route must be
	// able to host an HTLC under this algorithm (chainmodel.Chain.
	// SupportsAlgo); the zero value matches any chain.
	HashAlgo chainmodel.HashAlgo
}

func (p PlanParams) withDefaults() PlanParams {
	if p.MaxHops <= 0 {
		p.MaxHops = 4
	}
	if p.K <= 0 {
		p.K = 1
	}
	return p
}

// searchState is one entry in the best-first search priority queue.
type searchState struct {
	chainID string
	path    []chainmodel.Channel
	cost    float64
}

type searchQueue []*searchState

func (q searchQueue) Len() int            { return len(q) }
func (q searchQueue) Less(i, j int) bool  { return q[i].cost < q[j].cost }
func (q searchQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *searchQueue) Push(x any)         { *q = append(*q, x.(*searchState)) }
func (q *searchQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// PlanRoutes performs a bounded best-first search over the channel
// adjacency graph, keyed by hop cost (hop count, then path length as a
// tie-break), and returns up to params.K feasible routes sorted
// deterministically by length, then fee, then latency, then lexicographic
// hop channel IDs.
func (r *Registry) PlanRoutes(params PlanParams) ([]Route, error) {
	params = params.withDefaults()

	var candidates []Route
	q := &searchQueue{{chainID: params.Source, path: nil, cost: 0}}
	heap.Init(q)

	for q.Len() > 0 {
		cur := heap.Pop(q).(*searchState)
		if len(cur.path) > params.MaxHops {
			continue
		}
		if cur.chainID == params.Dest && len(cur.path) > 0 {
			route, ok := r.assignCascade(cur.path, params)
			if ok {
				candidates = append(candidates, route)
			}
			continue
		}
		if len(cur.path) == params.MaxHops {
			continue
		}
		for _, ch := range r.channelsFrom(cur.chainID) {
			if visits(cur.path, ch.DestChain) {
				continue
			}
			if destChain, ok := r.Chain(ch.DestChain); ok && !destChain.SupportsAlgo(params.HashAlgo) {
				continue
			}
			next := &searchState{
				chainID: ch.DestChain,
				path:    append(append([]chainmodel.Channel{}, cur.path...), ch),
				cost:    cur.cost + 1,
			}
			heap.Push(q, next)
		}
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNoFeasibleRoute, params.Source, params.Dest)
	}

	slices.SortFunc(candidates, func(a, b Route) int {
		if len(a.Hops) != len(b.Hops) {
			return len(a.Hops) - len(b.Hops)
		}
		if a.Fee != b.Fee {
			if a.Fee < b.Fee {
				return -1
			}
			return 1
		}
		if a.Latency != b.Latency {
			return int(a.Latency - b.Latency)
		}
		return lexicographicHopCompare(a.Hops, b.Hops)
	})

	if len(candidates) > params.K {
		candidates = candidates[:params.K]
	}
	return candidates, nil
}

func lexicographicHopCompare(a, b []chainmodel.Hop) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].ChannelID != b[i].ChannelID {
			if a[i].ChannelID < b[i].ChannelID {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

func visits(path []chainmodel.Channel, chainID string) bool {
	for _, ch := range path {
		if ch.SourceChain == chainID || ch.DestChain == chainID {
			return true
		}
	}
	return false
}

// assignCascade assigns T_i = T_{i-1} - delta_i, with delta_i at least
// max(2*requiredConfirmations*blockTime, minHopBuffer). ok is false if
// the resulting route is infeasible (final
// timelock below minDestTimelock, or any gap collapses to <= 0).
func (r *Registry) assignCascade(path []chainmodel.Channel, params PlanParams) (Route, bool) {
	hops := make([]chainmodel.Hop, 0, len(path))
	timelock := params.StartTime.Add(params.SourceTimelock)
	var fee float64
	var latency time.Duration

	for _, ch := range path {
		dest, ok := r.Chain(ch.DestChain)
		if !ok {
			return Route{}, false
		}
		delta := time.Duration(2*dest.RequiredConfirmations) * dest.BlockTime
		if delta < params.MinHopBuffer {
			delta = params.MinHopBuffer
		}
		next := timelock.Add(-delta)
		if !next.Before(timelock) {
			return Route{}, false
		}
		hops = append(hops, chainmodel.Hop{
			FromChain:        ch.SourceChain,
			ToChain:          ch.DestChain,
			ChannelID:        ch.ChannelID,
			ExpectedTimelock: next,
		})
		fee++ // flat per-hop fee unit; route cost is dominated by hop count
		latency += dest.BlockTime * time.Duration(dest.RequiredConfirmations)
		timelock = next
	}

	if timelock.Sub(params.StartTime) < params.MinDestTimelock {
		return Route{}, false
	}
	if err := chainmodel.CheckRouteCascade(hops, params.MinHopBuffer); err != nil {
		return Route{}, false
	}

	return Route{Hops: hops, Fee: fee, Latency: latency}, true
}

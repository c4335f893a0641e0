package eventmonitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	bigbuff "github.com/joeycumines/go-bigbuff"

	"github.com/evmrelay/relayer/chainmodel"
	"github.com/evmrelay/relayer/swapstore"
)

// ErrMonitorStalled names the stalled condition. Run does not return it:
// a failing source sets the flag Stalled reports, Run keeps polling, and
// the flag clears on the next successful block fetch.
var ErrMonitorStalled = errors.New("eventmonitor: monitor stalled")

// Source is the narrow, per-chain capability the monitor polls. The
// connection pool underlies any real implementation (transport retries
// and failover happen inside Source, via pool.Pool.WithClient); Source
// itself never surfaces a transport error to the monitor without first
// attempting an alternate endpoint.
type Source interface {
	ChainID() string
	LatestHeight(ctx context.Context) (uint64, error)
	// BlockByHeight fetches the block the source currently considers
	// canonical at height. A persistent reorg is detected by the
	// monitor noticing a mismatched ParentHash against its own window,
	// not by the Source itself.
	BlockByHeight(ctx context.Context, height uint64) (Block, error)
}

// Config bounds Monitor behavior.
type Config struct {
	// Window (W) is the sliding window of retained blocks, >=
	// RequiredConfirmations.
	Window int
	// HighWatermark is the subscriber buffer depth beyond which the
	// monitor pauses pulling new blocks (backpressure).
	HighWatermark int
	// SubscriberBuffer sizes each subscriber's channel.
	SubscriberBuffer int
	// PollInterval is the steady-state polling interval; the monitor
	// quarters the interval on each fetched block (down to
	// MinPollInterval) and resets it to PollInterval when a block fetch
	// fails, per the adaptive-poll-interval supplemented feature.
	PollInterval time.Duration
	MinPollInterval time.Duration
	// ReorgPause is the minimum pause taken between reorg unwind steps,
	// to let nodes converge, mirroring ethmonitor's reorg pause.
	ReorgPause time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 64
	}
	if c.HighWatermark <= 0 {
		c.HighWatermark = 256
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 512
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 1500 * time.Millisecond
	}
	if c.MinPollInterval <= 0 {
		c.MinPollInterval = 5 * time.Millisecond
	}
	if c.ReorgPause <= 0 {
		c.ReorgPause = 2 * time.Second
	}
	return c
}

// Monitor polls one chain's Source, rebuilds the canonical chain across
// reorgs, and fans out an ordered event stream to subscribers.
type Monitor struct {
	Source  Source
	Cursors swapstore.CursorStore
	Config  Config

	notifier bigbuff.Notifier
	chain    *canonicalChain

	subsMu sync.Mutex
	subs   []*subscription

	pollInterval atomic.Int64 // nanoseconds
	stalled      atomic.Bool
}

type subscription struct {
	ch     chan chainmodel.Event
	cancel context.CancelFunc
}

// New constructs a Monitor. Cursors may be nil, in which case the
// monitor always starts from height 0 (or cfg-less default) and does
// not persist progress.
func New(source Source, cursors swapstore.CursorStore, cfg Config) *Monitor {
	cfg = cfg.withDefaults()
	m := &Monitor{
		Source:  source,
		Cursors: cursors,
		Config:  cfg,
		chain:   newCanonicalChain(cfg.Window),
	}
	m.pollInterval.Store(int64(cfg.PollInterval))
	return m
}

// Subscribe registers a new receiver of this chain's event stream. The
// returned channel is buffered per Config.SubscriberBuffer; callers
// must drain it promptly (longpoll.Channel is a convenient batching
// drain helper), since a buffer holding more than Config.HighWatermark
// events is exactly the backpressure signal Run watches. The returned cancel func must be called once the
// subscriber is done, unless ctx is cancelled first.
func (m *Monitor) Subscribe(ctx context.Context) (<-chan chainmodel.Event, context.CancelFunc) {
	ch := make(chan chainmodel.Event, m.Config.SubscriberBuffer)
	cancel := m.notifier.SubscribeCancel(ctx, nil, ch)

	sub := &subscription{ch: ch, cancel: cancel}
	m.subsMu.Lock()
	m.subs = append(m.subs, sub)
	m.subsMu.Unlock()

	return ch, func() {
		cancel()
		m.subsMu.Lock()
		defer m.subsMu.Unlock()
		for i, s := range m.subs {
			if s == sub {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
	}
}

// Stalled reports whether the monitor is currently paused on a
// persistent source error.
func (m *Monitor) Stalled() bool { return m.stalled.Load() }

// backpressured reports whether any subscriber's buffer has exceeded
// HighWatermark, the signal to stop pulling new blocks until the
// consumer catches up.
func (m *Monitor) backpressured() bool {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, s := range m.subs {
		if len(s.ch) > m.Config.HighWatermark {
			return true
		}
	}
	return false
}

// Run drives the poll loop until ctx is cancelled. It resumes from the
// persisted cursor (max(persisted-W, 0)) on first entry.
func (m *Monitor) Run(ctx context.Context) error {
	next, err := m.resumeHeight(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if m.backpressured() {
			time.Sleep(m.pollDuration())
			continue
		}

		latest, err := m.Source.LatestHeight(ctx)
		if err != nil {
			m.stalled.Store(true)
			time.Sleep(m.Config.PollInterval)
			continue
		}
		if next > latest {
			// no miss is recorded here: we are simply caught up, not
			// failing to find a block that should exist.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.pollDuration()):
			}
			continue
		}

		block, err := m.Source.BlockByHeight(ctx, next)
		if err != nil {
			m.stalled.Store(true)
			m.slowPoll()
			time.Sleep(m.pollDuration())
			continue
		}
		m.stalled.Store(false)
		m.speedUpPoll()

		events, err := m.buildCanonicalChain(ctx, block)
		if err != nil {
			time.Sleep(m.Config.ReorgPause)
			continue
		}

		if err := m.publish(ctx, events); err != nil {
			return fmt.Errorf("eventmonitor: %w", err)
		}

		head, _ := m.chain.head()
		next = head.Height + 1
		if err := m.saveCursor(ctx, head); err != nil {
			return err
		}
	}
}

// buildCanonicalChain extends the window with next, unwinding and
// rebuilding across a reorg. When any unwind happened, the returned
// slice leads with a synthetic Rewind event whose BlockHeight is the
// lowest height the rebuild reached, so consumers know to discard their
// view from that height up before applying the re-emitted canonical
// events.
func (m *Monitor) buildCanonicalChain(ctx context.Context, next Block) ([]chainmodel.Event, error) {
	var rewind rewindMark
	events, err := m.extendChain(ctx, next, &rewind)
	if err != nil {
		return nil, err
	}
	if rewind.active {
		marker := chainmodel.Event{
			ChainID:     m.Source.ChainID(),
			Kind:        chainmodel.EventRewind,
			BlockHeight: rewind.toHeight,
			ObservedAt:  time.Now(),
		}
		events = append([]chainmodel.Event{marker}, events...)
	}
	return events, nil
}

// rewindMark accumulates how deep a reorg unwind reached across
// extendChain's recursion.
type rewindMark struct {
	active   bool
	toHeight uint64
}

func (r *rewindMark) record(height uint64) {
	if !r.active || height < r.toHeight {
		r.toHeight = height
	}
	r.active = true
}

// extendChain recursively unwinds and rebuilds the window when next's
// ParentHash does not match the current head, adapted from
// ethmonitor.Monitor.buildCanonicalChain: a reorg pops the stale head,
// pauses for node convergence, then refetches the parent at the prior
// height and recurses until the chain reconnects.
func (m *Monitor) extendChain(ctx context.Context, next Block, rewind *rewindMark) ([]chainmodel.Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	head, ok := m.chain.head()
	if !ok || next.ParentHash == head.Hash {
		m.chain.push(next)
		return sortedEvents(next.Events), nil
	}

	// reorg: unwind the stale head, pause for convergence, then refetch
	// the parent at the same height and recurse.
	popped, ok := m.chain.pop()
	if !ok {
		m.chain.push(next)
		return sortedEvents(next.Events), nil
	}
	rewind.record(popped.Height)

	time.Sleep(m.Config.ReorgPause)

	if next.Height == 0 {
		m.chain.push(next)
		return sortedEvents(next.Events), nil
	}
	parent, err := m.Source.BlockByHeight(ctx, next.Height-1)
	if err != nil {
		return nil, err
	}

	rest, err := m.extendChain(ctx, parent, rewind)
	if err != nil {
		return nil, err
	}

	m.chain.push(next)
	return append(rest, sortedEvents(next.Events)...), nil
}

func sortedEvents(events []chainmodel.Event) []chainmodel.Event {
	out := append([]chainmodel.Event(nil), events...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// publish fans events out to all subscribers via the shared Notifier,
// at-least-once: a subscriber that misses a value due to cancellation
// races will re-observe it after recovery, since progress is only
// persisted via saveCursor after a successful publish call. Consumers
// must therefore be idempotent.
func (m *Monitor) publish(ctx context.Context, events []chainmodel.Event) error {
	for _, ev := range events {
		m.notifier.PublishContext(ctx, nil, ev)
	}
	return nil
}

func (m *Monitor) resumeHeight(ctx context.Context) (uint64, error) {
	if m.Cursors == nil {
		return 0, nil
	}
	cursor, ok, err := m.Cursors.LoadCursor(ctx, m.Source.ChainID())
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	if cursor.BlockHeight < uint64(m.Config.Window) {
		return 0, nil
	}
	return cursor.BlockHeight - uint64(m.Config.Window), nil
}

func (m *Monitor) saveCursor(ctx context.Context, head Block) error {
	if m.Cursors == nil {
		return nil
	}
	return m.Cursors.SaveCursor(ctx, swapstore.MonitorCursor{
		ChainID:     m.Source.ChainID(),
		BlockHeight: head.Height,
		BlockHash:   head.Hash,
	})
}

// speedUpPoll quarters the interval down to MinPollInterval on a hit,
// mirroring ethmonitor's clampDuration(minLoopInterval,
// pollInterval/4) back-off relaxation.
func (m *Monitor) speedUpPoll() {
	cur := time.Duration(m.pollInterval.Load())
	next := cur / 4
	if next < m.Config.MinPollInterval {
		next = m.Config.MinPollInterval
	}
	m.pollInterval.Store(int64(next))
}

// slowPoll resets the interval to the configured steady state on a
// miss, i.e. a failed block fetch; being caught up is not a miss.
func (m *Monitor) slowPoll() {
	m.pollInterval.Store(int64(m.Config.PollInterval))
}

func (m *Monitor) pollDuration() time.Duration {
	return time.Duration(m.pollInterval.Load())
}

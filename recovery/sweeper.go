// Package recovery implements the periodic recovery sweep: it
// selects non-terminal swaps whose deadline is imminent or passed and
// re-enters them into the coordinator via Drive, so a swap is not
// forgotten when its triggering event stream fails. Deadline is the
// only selection criterion.
package recovery

import (
	"context"
	"time"

	"github.com/evmrelay/relayer/chainmodel"
	"github.com/evmrelay/relayer/swapstore"
	"github.com/joeycumines/go-microbatch"
)

// Driver is the subset of Coordinator the sweeper depends on.
type Driver interface {
	Drive(ctx context.Context, swapID string) error
}

// Config bounds sweep behavior.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration
	// ImminentWindow: swaps whose deadline falls within this window of
	// now are swept even if not yet expired, so a slow monitor doesn't
	// cause a missed deadline.
	ImminentWindow time.Duration
	// BatchSize caps how many swaps are driven per batch tick, the same
	// knob microbatch.Batcher calls MaxSize.
	BatchSize int
	// Concurrency caps concurrent Drive calls across batches.
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ImminentWindow <= 0 {
		c.ImminentWindow = 2 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

// Sweeper periodically scans the store for swaps needing attention and
// re-drives them, batching Drive calls through a microbatch.Batcher.
type Sweeper struct {
	Store  swapstore.Store
	Driver Driver
	Config Config

	batcher *microbatch.Batcher[string]
}

// New constructs a Sweeper. Batcher construction happens here so the
// caller doesn't need to understand microbatch's config shape.
func New(store swapstore.Store, driver Driver, cfg Config) *Sweeper {
	cfg = cfg.withDefaults()
	s := &Sweeper{Store: store, Driver: driver, Config: cfg}
	s.batcher = microbatch.NewBatcher[string](&microbatch.BatcherConfig{
		MaxSize:        cfg.BatchSize,
		FlushInterval:  100 * time.Millisecond,
		MaxConcurrency: cfg.Concurrency,
	}, s.driveBatch)
	return s
}

// Close releases the underlying batcher.
func (s *Sweeper) Close() error { return s.batcher.Close() }

func (s *Sweeper) driveBatch(ctx context.Context, swapIDs []string) error {
	for _, id := range swapIDs {
		// Drive errors are per-swap and non-fatal to the batch; a swap
		// that fails to advance this tick is picked up again on the
		// next sweep.
		_ = s.Driver.Drive(ctx, id)
	}
	return nil
}

// Tick performs one sweep: list candidate swaps and submit each to the
// batcher, returning once all submissions for this tick have been
// accepted (not necessarily processed).
func (s *Sweeper) Tick(ctx context.Context) error {
	now := time.Now()
	cutoff := now.Add(s.Config.ImminentWindow)

	candidates, err := s.candidates(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, swap := range candidates {
		if _, err := s.batcher.Submit(ctx, swap.ID); err != nil {
			return err
		}
	}
	return nil
}

// candidates lists non-terminal swaps whose deadline has passed or is
// imminent.
func (s *Sweeper) candidates(ctx context.Context, cutoff time.Time) ([]chainmodel.Swap, error) {
	all, err := s.Store.List(ctx, swapstore.ListFilter{ExpiresBefore: cutoff, HasExpiresBefore: true})
	if err != nil {
		return nil, err
	}
	out := make([]chainmodel.Swap, 0, len(all))
	for _, swap := range all {
		if !swap.Status.Terminal() {
			out = append(out, swap)
		}
	}
	return out, nil
}

// Run loops Tick on Config.Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.Config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				return err
			}
		}
	}
}

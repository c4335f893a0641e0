// Package coordinator implements the swap state machine at the center
// of the relayer. Coordinator.Drive moves one swap exactly one
// transition forward per call, recording an idempotency Intent before
// any chain call so a crash mid-transition resumes by polling rather
// than blind resubmission. Retryable step errors count against
// Config.MaxRetries with a backoff.Jittered delay between attempts;
// exhaustion moves the swap to Refunding or Failed.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/evmrelay/relayer/backoff"
	"github.com/evmrelay/relayer/chainmodel"
	"github.com/evmrelay/relayer/errs"
	"github.com/evmrelay/relayer/htlcadapter"
	"github.com/evmrelay/relayer/swapstore"
)

// Adapters resolves the ChainAdapter for a given chain ID.
type Adapters interface {
	Adapter(chainID string) (htlcadapter.ChainAdapter, error)
}

// Alerter receives operational alerts: a swap parked by an emergency
// stop, or one that exhausted its options and reached Failed. A nil
// Alerter on the Coordinator silently drops them.
type Alerter interface {
	Alert(swapID, reason string)
}

// Config bounds the coordinator's retry and concurrency behavior.
type Config struct {
	MaxRetries      int
	LeaseTTL        time.Duration
	Backoff         backoff.Jittered
	HopConcurrency  int64 // bound on concurrent per-chain refunds (confirmRefunds)
	RequiredConfirm int   // confirmations passed to every adapter Create/Withdraw/Refund call
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.HopConcurrency <= 0 {
		c.HopConcurrency = 4
	}
	if c.RequiredConfirm <= 0 {
		c.RequiredConfirm = 1
	}
	return c
}

// Coordinator drives swaps through their state machine.
type Coordinator struct {
	Store    swapstore.Store
	Adapters Adapters
	Config   Config
	Alerts   Alerter

	stopped   atomic.Bool
	stopReason atomic.Value // string
	driveSeq   atomic.Int64
}

// New constructs a Coordinator.
func New(store swapstore.Store, adapters Adapters, cfg Config) *Coordinator {
	return &Coordinator{Store: store, Adapters: adapters, Config: cfg.withDefaults()}
}

// EmergencyStop halts new transitions. In-flight Drive calls run to
// completion; subsequent Drive calls return immediately without
// acquiring a lease.
func (c *Coordinator) EmergencyStop(reason string) {
	c.stopReason.Store(reason)
	c.stopped.Store(true)
	c.alert("", "emergency stop: "+reason)
}

func (c *Coordinator) alert(swapID, reason string) {
	if c.Alerts != nil {
		c.Alerts.Alert(swapID, reason)
	}
}

// Resume clears a prior EmergencyStop.
func (c *Coordinator) Resume() {
	c.stopped.Store(false)
}

// ErrStopped is returned by Drive while an emergency stop is active.
var ErrStopped = fmt.Errorf("coordinator: emergency stop active")

// Drive advances swapID by exactly one transition, under its store lease.
// Workers call this repeatedly (e.g. driven by event monitor
// notifications or a recovery sweep); it is safe to call concurrently
// for different swaps and safe to call redundantly for the same swap,
// since the lease serializes actual work.
func (c *Coordinator) Drive(ctx context.Context, swapID string) error {
	if c.stopped.Load() {
		return ErrStopped
	}

	// The owner must be unique per invocation, not per Coordinator: the
	// monitor drain loop and the recovery sweeper share one Coordinator,
	// and a store may legitimately re-grant an unexpired lease to a
	// caller presenting the same owner. A per-call sequence number makes
	// the second concurrent caller lose the lease instead.
	owner := fmt.Sprintf("coordinator-%p-%d", c, c.driveSeq.Add(1))
	lease, err := c.Store.AcquireLock(ctx, swapID, owner, c.Config.LeaseTTL)
	if err != nil {
		return err
	}
	defer lease.Release()

	swap, err := c.Store.Get(ctx, swapID)
	if err != nil {
		return err
	}

	if swap.Status.Terminal() {
		return nil
	}

	if !time.Now().Before(swap.ExpiresAt()) && swap.Status != chainmodel.StatusRefunding {
		if !swap.Refundable() {
			// nothing was ever locked on-chain; there is no refund to
			// chase, the swap simply lapsed.
			return c.transitionTo(ctx, swap, chainmodel.StatusExpired, nil)
		}
		return c.transitionTo(ctx, swap, chainmodel.StatusRefunding, nil)
	}

	next, err := c.step(ctx, swap)
	if err != nil {
		return c.handleStepError(ctx, swap, err)
	}
	return c.transitionTo(ctx, swap, next.status, next.mutate)
}

type stepResult struct {
	status chainmodel.Status
	mutate func(*chainmodel.Swap)
}

// step computes and executes the single chain-facing action appropriate
// to swap.Status, returning the resulting next status. It records an
// Intent before submitting, per the idempotency rule.
func (c *Coordinator) step(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	switch swap.Status {
	case chainmodel.StatusPending:
		return c.awaitSourceLocked(ctx, swap)
	case chainmodel.StatusSourceLocked:
		return c.sendFirstHop(ctx, swap)
	case chainmodel.StatusHopsInFlight:
		return c.confirmHop(ctx, swap)
	case chainmodel.StatusDestLocked:
		return c.awaitDestWithdrawn(ctx, swap)
	case chainmodel.StatusDestWithdrawn:
		return c.beginSecretPropagation(ctx, swap)
	case chainmodel.StatusSecretPropagating:
		return c.propagateSecret(ctx, swap)
	case chainmodel.StatusSourceWithdrawn:
		return c.confirmCompleted(ctx, swap)
	case chainmodel.StatusRefunding:
		return c.refund(ctx, swap)
	default:
		return stepResult{}, errs.New(errs.CategoryValidation, errs.CodeValidationSameChain, fmt.Sprintf("no step defined for status %q", swap.Status), nil)
	}
}

func (c *Coordinator) adapterFor(chainID string) (htlcadapter.ChainAdapter, error) {
	return c.Adapters.Adapter(chainID)
}

// awaitSourceLocked polls the source chain for HTLC creation. The actual
// "observed" signal normally arrives via the event monitor updating the
// swap out-of-band; here it re-checks directly so Drive alone is always
// sufficient to make progress (used by the recovery sweep).
func (c *Coordinator) awaitSourceLocked(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	adapter, err := c.adapterFor(swap.Source.ChainID)
	if err != nil {
		return stepResult{}, err
	}
	info, err := adapter.GetHTLC(ctx, swap.ID)
	if err != nil {
		return stepResult{}, err
	}
	if info.Status != htlcadapter.HTLCStatusOpen {
		return stepResult{}, errs.New(errs.CategoryChain, errs.CodeChainRPCTimeout, "source htlc not yet observed", nil)
	}
	return stepResult{status: chainmodel.StatusSourceLocked}, nil
}

func (c *Coordinator) sendFirstHop(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	if len(swap.Route) == 0 {
		return stepResult{status: chainmodel.StatusDestLocked}, nil
	}
	result, err := c.submitHop(ctx, swap, 0, "create")
	if err != nil {
		return stepResult{}, err
	}
	mutate := func(s *chainmodel.Swap) {
		s.HopIndex = 0
		s.Receipts = append(s.Receipts, htlcadapter.ToReceipt(0, "create", result, time.Now()))
	}
	if len(swap.Route) == 1 {
		return stepResult{status: chainmodel.StatusDestLocked, mutate: mutate}, nil
	}
	return stepResult{status: chainmodel.StatusHopsInFlight, mutate: mutate}, nil
}

// confirmHop advances HopsInFlight(i) to either HopsInFlight(i+1) or
// DestLocked once the final hop lands.
func (c *Coordinator) confirmHop(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	i := swap.HopIndex + 1
	if i >= len(swap.Route) {
		return stepResult{status: chainmodel.StatusDestLocked}, nil
	}
	result, err := c.submitHop(ctx, swap, i, "create")
	if err != nil {
		return stepResult{}, err
	}
	mutate := func(s *chainmodel.Swap) {
		s.HopIndex = i
		s.Receipts = append(s.Receipts, htlcadapter.ToReceipt(i, "create", result, time.Now()))
	}
	if i == len(swap.Route)-1 {
		return stepResult{status: chainmodel.StatusDestLocked, mutate: mutate}, nil
	}
	return stepResult{status: chainmodel.StatusHopsInFlight, mutate: mutate}, nil
}

func (c *Coordinator) submitHop(ctx context.Context, swap chainmodel.Swap, hopIndex int, direction string) (htlcadapter.TxResult, error) {
	hop := &swap.Route[hopIndex]
	adapter, err := c.adapterFor(hop.ToChain)
	if err != nil {
		return htlcadapter.TxResult{}, err
	}
	step := fmt.Sprintf("hop:%d:%s", hopIndex, direction)
	return c.submitWithIntent(ctx, swap, step, adapter, func() (htlcadapter.TxResult, error) {
		return adapter.CreateHTLC(ctx, swap, hop, c.Config.RequiredConfirm)
	})
}

// submitWithIntent implements the crash-recovery rule for chain-mutating
// calls: an Intent is recorded for (swap.ID, step) before submit runs. If
// an unresolved intent from a prior attempt is found, the chain is
// polled via GetHTLC rather than resubmitting blindly; resubmission is
// permitted only once the chain itself proves the prior attempt never
// landed (HTLCStatusUnknown). An Open, Withdrawn or Refunded HTLC counts
// as landed; any other status proves neither, so it is reported as a
// retryable "not yet visible" error and the next Drive polls again.
func (c *Coordinator) submitWithIntent(ctx context.Context, swap chainmodel.Swap, step string, adapter htlcadapter.ChainAdapter, submit func() (htlcadapter.TxResult, error)) (htlcadapter.TxResult, error) {
	prior, ok, err := c.Store.GetIntent(ctx, swap.ID, step)
	if err != nil {
		return htlcadapter.TxResult{}, err
	}
	if ok && prior.TxHash != "" {
		return htlcadapter.TxResult{TxHash: prior.TxHash}, nil
	}
	if ok {
		info, err := adapter.GetHTLC(ctx, swap.ID)
		if err != nil {
			return htlcadapter.TxResult{}, err
		}
		switch info.Status {
		case htlcadapter.HTLCStatusOpen, htlcadapter.HTLCStatusWithdrawn, htlcadapter.HTLCStatusRefunded:
			return htlcadapter.TxResult{BlockHeight: info.Height}, nil
		case htlcadapter.HTLCStatusUnknown:
			// proven not landed: resubmit below.
		default:
			return htlcadapter.TxResult{}, errs.New(errs.CategoryChain, errs.CodeChainRPCTimeout, "prior attempt not yet visible on chain", nil)
		}
	}

	attempt := prior.Attempt + 1
	if err := c.Store.SaveIntent(ctx, swapstore.Intent{
		SwapID:    swap.ID,
		Step:      step,
		Attempt:   attempt,
		CreatedAt: time.Now(),
	}); err != nil {
		return htlcadapter.TxResult{}, err
	}

	result, err := submit()
	if err != nil {
		return htlcadapter.TxResult{}, err
	}

	if err := c.Store.SaveIntent(ctx, swapstore.Intent{
		SwapID:    swap.ID,
		Step:      step,
		Attempt:   attempt,
		TxHash:    result.TxHash,
		CreatedAt: time.Now(),
	}); err != nil {
		return htlcadapter.TxResult{}, err
	}

	return result, nil
}

func (c *Coordinator) awaitDestWithdrawn(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	adapter, err := c.adapterFor(swap.Destination.ChainID)
	if err != nil {
		return stepResult{}, err
	}
	info, err := adapter.GetHTLC(ctx, swap.ID)
	if err != nil {
		return stepResult{}, err
	}
	if info.Status != htlcadapter.HTLCStatusWithdrawn || info.Preimage == nil {
		return stepResult{}, errs.New(errs.CategoryChain, errs.CodeChainRPCTimeout, "destination withdrawal not yet observed", nil)
	}
	preimage := *info.Preimage
	return stepResult{
		status: chainmodel.StatusDestWithdrawn,
		mutate: func(s *chainmodel.Swap) { s.Secret.Preimage = &preimage },
	}, nil
}

func (c *Coordinator) beginSecretPropagation(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	idx := len(swap.Route) - 1
	return stepResult{
		status: chainmodel.StatusSecretPropagating,
		mutate: func(s *chainmodel.Swap) { s.HopIndex = idx },
	}, nil
}

// propagateSecret withdraws hop HopIndex using the now-known preimage,
// walking backward toward the source, one hop per Drive. Withdrawals are
// never fanned out; only refunds run concurrently across chains (see
// confirmRefunds).
func (c *Coordinator) propagateSecret(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	if swap.Secret.Preimage == nil {
		return stepResult{}, errs.New(errs.CategoryHTLC, errs.CodeHTLCInvalidSecret, "no preimage recorded", nil)
	}
	i := swap.HopIndex
	if i < 0 || len(swap.Route) == 0 {
		// direct swap, no intermediate hops: the only backward claim is
		// the source chain itself.
		return c.withdrawSource(ctx, swap)
	}
	hop := swap.Route[i]
	adapter, err := c.adapterFor(hop.FromChain)
	if err != nil {
		return stepResult{}, err
	}
	step := fmt.Sprintf("hop:%d:withdraw", i)
	result, err := c.submitWithIntent(ctx, swap, step, adapter, func() (htlcadapter.TxResult, error) {
		return adapter.Withdraw(ctx, swap.ID, *swap.Secret.Preimage, c.Config.RequiredConfirm)
	})
	if err != nil {
		return stepResult{}, err
	}
	mutate := func(s *chainmodel.Swap) {
		s.Receipts = append(s.Receipts, htlcadapter.ToReceipt(i, "withdraw", result, time.Now()))
		s.HopIndex = i - 1
	}
	if i == 0 {
		return stepResult{status: chainmodel.StatusSourceWithdrawn, mutate: mutate}, nil
	}
	return stepResult{status: chainmodel.StatusSecretPropagating, mutate: mutate}, nil
}

// withdrawSource claims the source HTLC with the known preimage when the
// route has no hops to walk backward through.
func (c *Coordinator) withdrawSource(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	adapter, err := c.adapterFor(swap.Source.ChainID)
	if err != nil {
		return stepResult{}, err
	}
	result, err := c.submitWithIntent(ctx, swap, "source:withdraw", adapter, func() (htlcadapter.TxResult, error) {
		return adapter.Withdraw(ctx, swap.ID, *swap.Secret.Preimage, c.Config.RequiredConfirm)
	})
	if err != nil {
		return stepResult{}, err
	}
	return stepResult{
		status: chainmodel.StatusSourceWithdrawn,
		mutate: func(s *chainmodel.Swap) {
			s.Receipts = append(s.Receipts, htlcadapter.ToReceipt(0, "withdraw", result, time.Now()))
		},
	}, nil
}

// confirmCompleted closes the lifecycle once the source chain reports the
// HTLC withdrawn: the counterparty's funds are claimable everywhere the
// preimage has been revealed, so nothing is left for this swap to do.
func (c *Coordinator) confirmCompleted(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	adapter, err := c.adapterFor(swap.Source.ChainID)
	if err != nil {
		return stepResult{}, err
	}
	info, err := adapter.GetHTLC(ctx, swap.ID)
	if err != nil {
		return stepResult{}, err
	}
	if info.Status != htlcadapter.HTLCStatusWithdrawn {
		return stepResult{}, errs.New(errs.CategoryChain, errs.CodeChainRPCTimeout, "source withdrawal not yet confirmed", nil)
	}
	return stepResult{status: chainmodel.StatusCompleted}, nil
}

func (c *Coordinator) refund(ctx context.Context, swap chainmodel.Swap) (stepResult, error) {
	chains := refundableChains(swap)
	results, err := c.confirmRefunds(ctx, swap, chains)
	if err != nil {
		return stepResult{}, err
	}
	mutate := func(s *chainmodel.Swap) {
		now := time.Now()
		for _, result := range results {
			s.Receipts = append(s.Receipts, chainmodel.Receipt{
				Direction:   "refund",
				TxHash:      result.TxHash,
				BlockHeight: result.BlockHeight,
				ObservedAt:  now,
			})
		}
	}
	return stepResult{status: chainmodel.StatusRefunded, mutate: mutate}, nil
}

// refundableChains is the set of chains that actually hold an HTLC for
// this swap: the source chain always (the swap only reaches Refunding
// once the source lock exists), plus the destination of every hop with
// an observed "create" receipt. A hop that was planned but never
// created holds nothing; broadcasting a refund there would be a tx
// against a non-existent HTLC.
func refundableChains(swap chainmodel.Swap) []string {
	seen := map[string]bool{swap.Source.ChainID: true}
	chains := []string{swap.Source.ChainID}
	for _, r := range swap.Receipts {
		if r.Direction != "create" || r.HopIndex < 0 || r.HopIndex >= len(swap.Route) {
			continue
		}
		chainID := swap.Route[r.HopIndex].ToChain
		if !seen[chainID] {
			seen[chainID] = true
			chains = append(chains, chainID)
		}
	}
	return chains
}

// confirmRefunds fans out independent refund confirmations across
// chains using a bounded semaphore, since each chain's refund is
// independent of the others once the timelock has passed everywhere.
func (c *Coordinator) confirmRefunds(ctx context.Context, swap chainmodel.Swap, chains []string) (map[string]htlcadapter.TxResult, error) {
	sem := semaphore.NewWeighted(c.Config.HopConcurrency)
	g, gctx := errgroup.WithContext(ctx)

	results := make(map[string]htlcadapter.TxResult, len(chains))
	resultsCh := make(chan struct {
		chainID string
		result  htlcadapter.TxResult
	}, len(chains))

	for _, chainID := range chains {
		chainID := chainID
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			adapter, err := c.adapterFor(chainID)
			if err != nil {
				return err
			}
			result, err := c.submitWithIntent(gctx, swap, fmt.Sprintf("refund:%s", chainID), adapter, func() (htlcadapter.TxResult, error) {
				return adapter.Refund(gctx, swap.ID, c.Config.RequiredConfirm)
			})
			if err != nil {
				return err
			}
			resultsCh <- struct {
				chainID string
				result  htlcadapter.TxResult
			}{chainID, result}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(resultsCh)
	for r := range resultsCh {
		results[r.chainID] = r.result
	}
	return results, nil
}

// receiptDirection maps an observed event kind to the receipt direction
// it corroborates; the second return is false for kinds that never
// produce a receipt (IBC packet lifecycle, rewind markers).
func receiptDirection(kind chainmodel.EventKind) (string, bool) {
	switch kind {
	case chainmodel.EventHTLCCreated:
		return "create", true
	case chainmodel.EventHTLCWithdrawn:
		return "withdraw", true
	case chainmodel.EventHTLCRefunded:
		return "refund", true
	default:
		return "", false
	}
}

// RecordObservedReceipt folds an observed on-chain event into the swap's
// receipt log without driving any transition. After a reorg replay the
// same action can land under a different tx hash; the stored receipt
// must follow the canonical chain, while the swap's status — already
// advanced when the action first confirmed — stays put.
func (c *Coordinator) RecordObservedReceipt(ctx context.Context, swapID string, ev chainmodel.Event) error {
	direction, ok := receiptDirection(ev.Kind)
	if !ok || ev.TxHash == "" {
		return nil
	}
	swap, err := c.Store.Get(ctx, swapID)
	if err != nil {
		return err
	}
	idx := -1
	for i := len(swap.Receipts) - 1; i >= 0; i-- {
		if swap.Receipts[i].Direction == direction {
			idx = i
			break
		}
	}
	if idx < 0 || swap.Receipts[idx].TxHash == ev.TxHash {
		return nil
	}
	_, err = c.Store.Update(ctx, swapID, swap.Version, func(cur chainmodel.Swap) (chainmodel.Swap, error) {
		if idx >= len(cur.Receipts) || cur.Receipts[idx].Direction != direction {
			return cur, nil
		}
		receipts := append([]chainmodel.Receipt(nil), cur.Receipts...)
		receipts[idx].TxHash = ev.TxHash
		receipts[idx].BlockHeight = ev.BlockHeight
		receipts[idx].ObservedAt = time.Now()
		cur.Receipts = receipts
		return cur, nil
	})
	return err
}

// transitionTo commits the new status (and any field mutation) via
// optimistic-concurrency update, resetting RetryCount since a
// transition means the current step's attempts no longer apply.
func (c *Coordinator) transitionTo(ctx context.Context, swap chainmodel.Swap, status chainmodel.Status, mutate func(*chainmodel.Swap)) error {
	_, err := c.Store.Update(ctx, swap.ID, swap.Version, func(cur chainmodel.Swap) (chainmodel.Swap, error) {
		cur.Status = status
		cur.RetryCount = 0
		if mutate != nil {
			mutate(&cur)
		}
		return cur, nil
	})
	return err
}

// handleStepError classifies the failure and either moves the swap to
// Refunding, moves it to Failed, or treats it as retryable.
func (c *Coordinator) handleStepError(ctx context.Context, swap chainmodel.Swap, stepErr error) error {
	switch errs.Classify(stepErr) {
	case errs.TerminalRefundable:
		return c.transitionTo(ctx, swap, chainmodel.StatusRefunding, nil)
	case errs.TerminalFatal:
		c.alert(swap.ID, "terminal failure: "+stepErr.Error())
		return c.transitionTo(ctx, swap, chainmodel.StatusFailed, nil)
	default:
		return c.retryOrExhaust(ctx, swap, stepErr)
	}
}

// retryOrExhaust records one more retry attempt against swap's current
// step and, while budget remains, sleeps a backoff.Jittered delay before
// returning stepErr so the caller's next Drive call retries no sooner
// than the backoff allows. Once Config.MaxRetries is exhausted the swap
// moves to Refunding (if funds are already locked somewhere) or Failed.
func (c *Coordinator) retryOrExhaust(ctx context.Context, swap chainmodel.Swap, stepErr error) error {
	attempt := swap.RetryCount + 1
	updated, err := c.Store.Update(ctx, swap.ID, swap.Version, func(cur chainmodel.Swap) (chainmodel.Swap, error) {
		cur.RetryCount = attempt
		return cur, nil
	})
	if err != nil {
		return err
	}

	if attempt >= c.Config.MaxRetries {
		if updated.Refundable() {
			return c.transitionTo(ctx, updated, chainmodel.StatusRefunding, nil)
		}
		c.alert(updated.ID, "retry budget exhausted: "+stepErr.Error())
		return c.transitionTo(ctx, updated, chainmodel.StatusFailed, nil)
	}

	select {
	case <-time.After(c.Config.Backoff.Duration(attempt)):
	case <-ctx.Done():
		return ctx.Err()
	}
	return stepErr
}

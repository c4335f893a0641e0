package swapstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/evmrelay/relayer/chainmodel"
)

func newTestSwap(id string) chainmodel.Swap {
	return chainmodel.Swap{
		ID:     id,
		Status: chainmodel.StatusPending,
		Source: chainmodel.Endpoint{ChainID: "eth-1"},
	}
}

func TestMemStoreCreateGet(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if err := s.Create(ctx, newTestSwap("swap-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(ctx, "swap-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("expected version 1, got %d", got.Version)
	}

	if err := s.Create(ctx, newTestSwap("swap-1")); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemStoreUpdateOptimisticConcurrency(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	if err := s.Create(ctx, newTestSwap("swap-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.Update(ctx, "swap-1", 1, func(cur chainmodel.Swap) (chainmodel.Swap, error) {
		cur.Status = chainmodel.StatusSourceLocked
		return cur, nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Status != chainmodel.StatusSourceLocked {
		t.Fatalf("unexpected updated swap: %+v", updated)
	}

	if _, err := s.Update(ctx, "swap-1", 1, func(cur chainmodel.Swap) (chainmodel.Swap, error) {
		return cur, nil
	}); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict on stale version, got %v", err)
	}
}

func TestMemStoreListFilter(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	a := newTestSwap("a")
	a.Status = chainmodel.StatusPending
	b := newTestSwap("b")
	b.Status = chainmodel.StatusCompleted

	if err := s.Create(ctx, a); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}

	pending, err := s.List(ctx, ListFilter{Status: chainmodel.StatusPending})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "a" {
		t.Fatalf("expected only swap a, got %+v", pending)
	}
}

func TestMemStoreAcquireLockExclusivity(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	lease, err := s.AcquireLock(ctx, "swap-1", "worker-a", time.Hour)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := s.AcquireLock(ctx, "swap-1", "worker-b", time.Hour); !errors.Is(err, ErrLeaseHeld) {
		t.Fatalf("expected ErrLeaseHeld, got %v", err)
	}

	lease.Release()

	if _, err := s.AcquireLock(ctx, "swap-1", "worker-b", time.Hour); err != nil {
		t.Fatalf("expected worker-b to acquire after release, got %v", err)
	}
}

func TestMemStoreSaveGetIntent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, ok, err := s.GetIntent(ctx, "swap-1", "hop:0:create"); err != nil || ok {
		t.Fatalf("expected no intent yet, ok=%v err=%v", ok, err)
	}

	if err := s.SaveIntent(ctx, Intent{SwapID: "swap-1", Step: "hop:0:create", Attempt: 1}); err != nil {
		t.Fatalf("save intent: %v", err)
	}
	intent, ok, err := s.GetIntent(ctx, "swap-1", "hop:0:create")
	if err != nil || !ok {
		t.Fatalf("expected intent, ok=%v err=%v", ok, err)
	}
	if intent.TxHash != "" {
		t.Fatalf("expected unresolved intent, got %+v", intent)
	}

	if err := s.SaveIntent(ctx, Intent{SwapID: "swap-1", Step: "hop:0:create", Attempt: 1, TxHash: "0xabc"}); err != nil {
		t.Fatalf("resolve intent: %v", err)
	}
	intent, ok, err = s.GetIntent(ctx, "swap-1", "hop:0:create")
	if err != nil || !ok || intent.TxHash != "0xabc" {
		t.Fatalf("expected resolved intent with TxHash 0xabc, got %+v ok=%v err=%v", intent, ok, err)
	}

	// a different step for the same swap is independent.
	if _, ok, err := s.GetIntent(ctx, "swap-1", "hop:1:create"); err != nil || ok {
		t.Fatalf("expected no intent for a different step, ok=%v err=%v", ok, err)
	}
}

func TestMemStoreAcquireLockExpiry(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if _, err := s.AcquireLock(ctx, "swap-1", "worker-a", time.Millisecond); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, err := s.AcquireLock(ctx, "swap-1", "worker-b", time.Hour); err != nil {
		t.Fatalf("expected worker-b to acquire after expiry, got %v", err)
	}
}

func TestMemTelemetryStoreSaveList(t *testing.T) {
	s := NewMemTelemetryStore()
	ctx := context.Background()

	if err := s.SaveTelemetry(ctx, PoolTelemetry{ChainID: "eth-1", EndpointURL: "http://a", Healthy: true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveTelemetry(ctx, PoolTelemetry{ChainID: "eth-1", EndpointURL: "http://a", Healthy: false, CircuitState: "open"}); err != nil {
		t.Fatalf("save overwrite: %v", err)
	}
	if err := s.SaveTelemetry(ctx, PoolTelemetry{ChainID: "osmosis-1", EndpointURL: "http://b", Healthy: true}); err != nil {
		t.Fatalf("save other chain: %v", err)
	}

	got, err := s.ListTelemetry(ctx, "eth-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one record for eth-1, got %d", len(got))
	}
	if got[0].Healthy || got[0].CircuitState != "open" {
		t.Fatalf("latest snapshot not retained: %+v", got[0])
	}
	if got[0].ObservedAt.IsZero() {
		t.Fatalf("expected ObservedAt to be stamped")
	}
}

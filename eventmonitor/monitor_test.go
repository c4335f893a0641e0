package eventmonitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evmrelay/relayer/chainmodel"
	"github.com/evmrelay/relayer/swapstore"
)

// fakeSource serves a scripted sequence of blocks by height, allowing a
// test to splice in a reorg by changing what height N returns mid-run.
type fakeSource struct {
	chainID string
	mu      sync.Mutex
	latest  uint64
	byHeight map[uint64]Block
}

func newFakeSource(chainID string) *fakeSource {
	return &fakeSource{chainID: chainID, byHeight: map[uint64]Block{}}
}

func (f *fakeSource) ChainID() string { return f.chainID }

func (f *fakeSource) set(b Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byHeight[b.Height] = b
	if b.Height > f.latest {
		f.latest = b.Height
	}
}

func (f *fakeSource) LatestHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest, nil
}

func (f *fakeSource) BlockByHeight(ctx context.Context, height uint64) (Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byHeight[height]
	if !ok {
		return Block{}, fmt.Errorf("fakeSource: no block at height %d", height)
	}
	return b, nil
}

func hashFor(height uint64, branch string) string {
	return fmt.Sprintf("h%d-%s", height, branch)
}

func TestMonitorEmitsEventsInOrder(t *testing.T) {
	src := newFakeSource("evm-1")
	src.set(Block{Height: 0, Hash: hashFor(0, "a"), ParentHash: "", Events: []chainmodel.Event{
		{ChainID: "evm-1", Kind: chainmodel.EventHTLCCreated, BlockHeight: 0, TxIndex: 1, LogIndex: 0},
		{ChainID: "evm-1", Kind: chainmodel.EventHTLCCreated, BlockHeight: 0, TxIndex: 0, LogIndex: 0},
	}})

	cursors := swapstore.NewMemCursorStore()
	m := New(src, cursors, Config{Window: 4, PollInterval: time.Millisecond, SubscriberBuffer: 8})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	events, evCancel := m.Subscribe(ctx)
	defer evCancel()

	go m.Run(ctx)

	var got []chainmodel.Event
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatalf("timed out waiting for events, got %d", len(got))
		}
	}

	if got[0].TxIndex != 0 || got[1].TxIndex != 1 {
		t.Fatalf("events not ordered by TxIndex: %+v", got)
	}
}

// TestMonitorReorgReplay: emit HTLCCreated@H, then a reorg
// that replaces the block at H with a different hash/txHash; the
// monitor must re-emit the event under the new hash without getting
// stuck.
func TestMonitorReorgReplay(t *testing.T) {
	src := newFakeSource("evm-1")
	src.set(Block{Height: 0, Hash: hashFor(0, "a"), ParentHash: "", Events: nil})
	src.set(Block{Height: 1, Hash: hashFor(1, "a"), ParentHash: hashFor(0, "a"), Events: []chainmodel.Event{
		{ChainID: "evm-1", Kind: chainmodel.EventHTLCCreated, BlockHeight: 1, TxHash: "tx-a", TxIndex: 0},
	}})

	cursors := swapstore.NewMemCursorStore()
	m := New(src, cursors, Config{Window: 4, PollInterval: time.Millisecond, ReorgPause: time.Millisecond, SubscriberBuffer: 8})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	events, evCancel := m.Subscribe(ctx)
	defer evCancel()

	go m.Run(ctx)

	first := <-events
	if first.TxHash != "tx-a" {
		t.Fatalf("expected tx-a first, got %q", first.TxHash)
	}

	// splice in a reorg: block 1 now has a different parent branch and
	// a different event txHash.
	src.set(Block{Height: 0, Hash: hashFor(0, "b"), ParentHash: "", Events: nil})
	src.set(Block{Height: 1, Hash: hashFor(1, "b"), ParentHash: hashFor(0, "b"), Events: []chainmodel.Event{
		{ChainID: "evm-1", Kind: chainmodel.EventHTLCCreated, BlockHeight: 1, TxHash: "tx-b", TxIndex: 0},
	}})
	src.set(Block{Height: 2, Hash: hashFor(2, "b"), ParentHash: hashFor(1, "b"), Events: nil})

	deadline := time.After(400 * time.Millisecond)
	sawRewind := false
	for {
		select {
		case ev := <-events:
			if ev.Kind == chainmodel.EventRewind {
				if ev.BlockHeight > 1 {
					t.Fatalf("rewind target %d beyond reorged height 1", ev.BlockHeight)
				}
				sawRewind = true
				continue
			}
			if ev.TxHash == "tx-b" {
				if !sawRewind {
					t.Fatalf("replayed event arrived without a preceding rewind marker")
				}
				return
			}
		case <-deadline:
			t.Fatalf("did not observe replayed event after reorg")
		}
	}
}

func TestMonitorBackpressurePauses(t *testing.T) {
	src := newFakeSource("evm-1")
	for h := uint64(0); h < 10; h++ {
		parent := ""
		if h > 0 {
			parent = hashFor(h-1, "a")
		}
		src.set(Block{Height: h, Hash: hashFor(h, "a"), ParentHash: parent, Events: []chainmodel.Event{
			{ChainID: "evm-1", Kind: chainmodel.EventHTLCCreated, BlockHeight: h, TxIndex: 0},
		}})
	}

	m := New(src, nil, Config{Window: 4, PollInterval: time.Millisecond, HighWatermark: 1, SubscriberBuffer: 4})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// Subscribe but never drain: the monitor must not panic or spin
	// unboundedly fast; it should simply stop making progress once the
	// watermark is exceeded.
	_, evCancel := m.Subscribe(ctx)
	defer evCancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(150 * time.Millisecond):
		t.Fatalf("Run did not return after context cancellation")
	}
}

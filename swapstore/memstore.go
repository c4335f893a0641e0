package swapstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evmrelay/relayer/chainmodel"
)

// MemStore is an in-process Store, used as the default and in tests. It
// keeps records in a sync.Map, serializes every Update behind one
// store-wide sync.Mutex, and guards each swap's lease with a per-id
// lockEntry mutex.
type MemStore struct {
	records sync.Map // string -> *chainmodel.Swap
	locks   sync.Map // string -> *lockEntry
	intents sync.Map // string(swapID+"\x00"+step) -> Intent
	mu      sync.Mutex
}

func intentKey(swapID, step string) string { return swapID + "\x00" + step }

type lockEntry struct {
	mu        sync.Mutex
	owner     string
	expiresAt time.Time
}

// NewMemStore constructs an empty MemStore.
func NewMemStore() *MemStore { return &MemStore{} }

func (s *MemStore) Create(ctx context.Context, swap chainmodel.Swap) error {
	swap.Version = 1
	if _, loaded := s.records.LoadOrStore(swap.ID, &swap); loaded {
		return fmt.Errorf("swapstore: swap %q already exists", swap.ID)
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (chainmodel.Swap, error) {
	v, ok := s.records.Load(id)
	if !ok {
		return chainmodel.Swap{}, ErrNotFound
	}
	return *v.(*chainmodel.Swap), nil
}

func (s *MemStore) List(ctx context.Context, filter ListFilter) ([]chainmodel.Swap, error) {
	var out []chainmodel.Swap
	s.records.Range(func(_, v any) bool {
		swap := *v.(*chainmodel.Swap)
		if filter.matches(swap) {
			out = append(out, swap)
		}
		return true
	})
	return out, nil
}

func (s *MemStore) Update(ctx context.Context, id string, expectedVersion int, fn UpdateFunc) (chainmodel.Swap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.records.Load(id)
	if !ok {
		return chainmodel.Swap{}, ErrNotFound
	}
	current := *v.(*chainmodel.Swap)
	if current.Version != expectedVersion {
		return chainmodel.Swap{}, ErrVersionConflict
	}

	updated, err := fn(current)
	if err != nil {
		return chainmodel.Swap{}, err
	}
	updated.Version = current.Version + 1
	updated.UpdatedAt = time.Now()
	s.records.Store(id, &updated)
	return updated, nil
}

// SaveIntent stores intent keyed by (SwapID, Step), overwriting any
// previous entry for the same key.
func (s *MemStore) SaveIntent(ctx context.Context, intent Intent) error {
	s.intents.Store(intentKey(intent.SwapID, intent.Step), intent)
	return nil
}

// GetIntent loads the intent for (swapID, step), if any.
func (s *MemStore) GetIntent(ctx context.Context, swapID, step string) (Intent, bool, error) {
	v, ok := s.intents.Load(intentKey(swapID, step))
	if !ok {
		return Intent{}, false, nil
	}
	return v.(Intent), true, nil
}

func (s *MemStore) AcquireLock(ctx context.Context, id, owner string, ttl time.Duration) (*Lease, error) {
	v, _ := s.locks.LoadOrStore(id, &lockEntry{})
	entry := v.(*lockEntry)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	now := time.Now()
	if entry.owner != "" && entry.owner != owner && now.Before(entry.expiresAt) {
		return nil, ErrLeaseHeld
	}

	entry.owner = owner
	entry.expiresAt = now.Add(ttl)
	expiresAt := entry.expiresAt

	return &Lease{
		SwapID:    id,
		Owner:     owner,
		ExpiresAt: expiresAt,
		release: func() {
			entry.mu.Lock()
			defer entry.mu.Unlock()
			if entry.owner == owner {
				entry.owner = ""
			}
		},
	}, nil
}

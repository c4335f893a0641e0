// Package swapstore implements the relayer's persistence layer: a
// small Store interface with optimistic concurrency control, backed by
// either an in-process memstore or a database/sql-backed sqlstore.
package swapstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/evmrelay/relayer/chainmodel"
)

// ErrNotFound is returned when a swap ID has no record.
var ErrNotFound = errors.New("swapstore: swap not found")

// ErrVersionConflict is returned by Update when expectedVersion does not
// match the record currently stored, per the optimistic-concurrency rule.
var ErrVersionConflict = errors.New("swapstore: version conflict")

// ErrLeaseHeld is returned by AcquireLock when another worker already
// holds an unexpired lease on the swap.
var ErrLeaseHeld = errors.New("swapstore: lease already held")

// UpdateFunc mutates a copy of the current swap and returns the result to
// persist. Returning an error aborts the update without writing.
type UpdateFunc func(current chainmodel.Swap) (chainmodel.Swap, error)

// Store is the persistence surface the coordinator and recovery engine
// depend on. There is deliberately no Delete: swaps are retained through
// their terminal state for audit and recovery.
type Store interface {
	Create(ctx context.Context, swap chainmodel.Swap) error
	Get(ctx context.Context, id string) (chainmodel.Swap, error)
	List(ctx context.Context, filter ListFilter) ([]chainmodel.Swap, error)
	Update(ctx context.Context, id string, expectedVersion int, fn UpdateFunc) (chainmodel.Swap, error)

	// AcquireLock grants a worker exclusive lease over id for ttl,
	// returning a Lease that must be released (or left to expire).
	AcquireLock(ctx context.Context, id, owner string, ttl time.Duration) (*Lease, error)

	// SaveIntent persists the idempotency Intent for (intent.SwapID,
	// intent.Step), overwriting any previously-saved intent for the same
	// key. Called before a chain-mutating call, and again once that call
	// returns a TxHash.
	SaveIntent(ctx context.Context, intent Intent) error

	// GetIntent returns the persisted Intent for (swapID, step), if any.
	GetIntent(ctx context.Context, swapID, step string) (Intent, bool, error)
}

// ListFilter narrows List results. A zero-value filter matches everything.
type ListFilter struct {
	Status         chainmodel.Status
	ExpiresBefore  time.Time
	HasExpiresBefore bool
}

func (f ListFilter) matches(s chainmodel.Swap) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.HasExpiresBefore && !s.ExpiresAt().Before(f.ExpiresBefore) {
		return false
	}
	return true
}

// Lease represents an acquired worker-exclusivity lock on a swap.
type Lease struct {
	SwapID    string
	Owner     string
	ExpiresAt time.Time
	release   func()
}

// Release gives up the lease early.
func (l *Lease) Release() {
	if l.release != nil {
		l.release()
	}
}

// Intent records a (swapID, step, attempt) tuple before any chain call
// is made: the coordinator checks for a matching Intent before
// resubmitting, rather than blindly retrying a possibly-already-broadcast
// transaction.
type Intent struct {
	SwapID     string
	Step       string
	Attempt    int
	NonceOrSeq uint64
	TxHash     string
	CreatedAt  time.Time
}

// Key uniquely identifies an Intent attempt for deduplication.
func (i Intent) Key() string {
	return fmt.Sprintf("%s:%s:%d", i.SwapID, i.Step, i.Attempt)
}

// MonitorCursor is the per-chain watermark persisted by
// the event monitor so it can resume without re-scanning from genesis.
type MonitorCursor struct {
	ChainID     string
	BlockHeight uint64
	BlockHash   string
	UpdatedAt   time.Time
}

// PoolTelemetry is a point-in-time snapshot of a connection pool member's
// health, persisted per (ChainID, EndpointURL) for the observability
// surface.
type PoolTelemetry struct {
	ChainID      string
	EndpointURL  string
	Healthy      bool
	EMALatency   time.Duration
	CircuitState string
	NextRetryAt  time.Time
	ObservedAt   time.Time
}

// ReputationRecord tracks a client identity's accumulated behavior score
// for the DDoS shield's reputation layer.
type ReputationRecord struct {
	ClientID  string
	Score     float64
	UpdatedAt time.Time
}

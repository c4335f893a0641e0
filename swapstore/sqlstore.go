package swapstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/joeycumines/logiface"

	"github.com/evmrelay/relayer/chainmodel"
)

// SQLStore is a database/sql-backed Store: a single-table
// optimistic-concurrency KV layout, with the same Logger field shape as
// the rest of the relayer for structured diagnostics.
type SQLStore struct {
	DB     *sql.DB
	Table  string // defaults to "swaps"
	Logger *logiface.Logger[logiface.Event]
}

func (s *SQLStore) table() string {
	if s.Table == "" {
		return "swaps"
	}
	return s.Table
}

func (s *SQLStore) log() *logiface.Logger[logiface.Event] {
	if s.Logger == nil {
		return logiface.New[logiface.Event]()
	}
	return s.Logger
}

// Create inserts a new swap row at version 1.
func (s *SQLStore) Create(ctx context.Context, swap chainmodel.Swap) error {
	swap.Version = 1
	body, err := json.Marshal(swap)
	if err != nil {
		return err
	}
	s.log().Debug().Log("swapstore: inserting swap")
	_, err = s.DB.ExecContext(ctx,
		"INSERT INTO "+s.table()+" (id, status, version, body) VALUES (?, ?, 1, ?)",
		swap.ID, swap.Status, body)
	if err != nil {
		s.log().Err().Err(err).Log("swapstore: insert failed")
	}
	return err
}

// Get loads a swap by id.
func (s *SQLStore) Get(ctx context.Context, id string) (chainmodel.Swap, error) {
	var body []byte
	err := s.DB.QueryRowContext(ctx, "SELECT body FROM "+s.table()+" WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return chainmodel.Swap{}, ErrNotFound
	}
	if err != nil {
		return chainmodel.Swap{}, err
	}
	var swap chainmodel.Swap
	if err := json.Unmarshal(body, &swap); err != nil {
		return chainmodel.Swap{}, err
	}
	return swap, nil
}

// List loads swaps matching filter.Status (empty matches all), applying
// ExpiresBefore client-side since it is derived, not a stored column.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]chainmodel.Swap, error) {
	query := "SELECT body FROM " + s.table()
	var args []any
	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, filter.Status)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chainmodel.Swap
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var swap chainmodel.Swap
		if err := json.Unmarshal(body, &swap); err != nil {
			return nil, err
		}
		if filter.matches(swap) {
			out = append(out, swap)
		}
	}
	return out, rows.Err()
}

// Update compiles to a conditional UPDATE keyed on version, the SQL
// equivalent of the memstore's mutex-guarded compare-and-swap.
func (s *SQLStore) Update(ctx context.Context, id string, expectedVersion int, fn UpdateFunc) (chainmodel.Swap, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return chainmodel.Swap{}, err
	}
	if current.Version != expectedVersion {
		return chainmodel.Swap{}, ErrVersionConflict
	}

	updated, err := fn(current)
	if err != nil {
		return chainmodel.Swap{}, err
	}
	updated.Version = expectedVersion + 1
	updated.UpdatedAt = time.Now()

	body, err := json.Marshal(updated)
	if err != nil {
		return chainmodel.Swap{}, err
	}

	res, err := s.DB.ExecContext(ctx,
		"UPDATE "+s.table()+" SET status = ?, version = ?, body = ? WHERE id = ? AND version = ?",
		updated.Status, updated.Version, body, id, expectedVersion)
	if err != nil {
		return chainmodel.Swap{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return chainmodel.Swap{}, err
	}
	if n == 0 {
		return chainmodel.Swap{}, ErrVersionConflict
	}
	return updated, nil
}

func (s *SQLStore) intentsTable() string {
	return s.table() + "_intents"
}

// SaveIntent upserts the Intent row for (intent.SwapID, intent.Step),
// using the same UPDATE-then-INSERT-fallback pattern as AcquireLock.
func (s *SQLStore) SaveIntent(ctx context.Context, intent Intent) error {
	res, err := s.DB.ExecContext(ctx,
		"UPDATE "+s.intentsTable()+" SET attempt = ?, nonce_or_seq = ?, tx_hash = ?, created_at = ? WHERE swap_id = ? AND step = ?",
		intent.Attempt, intent.NonceOrSeq, intent.TxHash, intent.CreatedAt, intent.SwapID, intent.Step)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.DB.ExecContext(ctx,
		"INSERT INTO "+s.intentsTable()+" (swap_id, step, attempt, nonce_or_seq, tx_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		intent.SwapID, intent.Step, intent.Attempt, intent.NonceOrSeq, intent.TxHash, intent.CreatedAt)
	return err
}

// GetIntent loads the Intent row for (swapID, step), if any.
func (s *SQLStore) GetIntent(ctx context.Context, swapID, step string) (Intent, bool, error) {
	var intent Intent
	err := s.DB.QueryRowContext(ctx,
		"SELECT swap_id, step, attempt, nonce_or_seq, tx_hash, created_at FROM "+s.intentsTable()+" WHERE swap_id = ? AND step = ?",
		swapID, step).Scan(&intent.SwapID, &intent.Step, &intent.Attempt, &intent.NonceOrSeq, &intent.TxHash, &intent.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Intent{}, false, nil
	}
	if err != nil {
		return Intent{}, false, err
	}
	return intent, true, nil
}

// AcquireLock takes the lease row with a conditional UPDATE (same owner,
// free, or expired), falling back to an INSERT when no row matched;
// a failing INSERT is reported as ErrLeaseHeld. This emulates
// SELECT ... FOR UPDATE portably across database/sql drivers.
func (s *SQLStore) AcquireLock(ctx context.Context, id, owner string, ttl time.Duration) (*Lease, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)

	res, err := s.DB.ExecContext(ctx,
		"UPDATE "+s.table()+"_locks SET owner = ?, expires_at = ? WHERE id = ? AND (owner = ? OR owner = '' OR expires_at < ?)",
		owner, expiresAt, id, owner, now)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.DB.ExecContext(ctx,
			"INSERT INTO "+s.table()+"_locks (id, owner, expires_at) VALUES (?, ?, ?)",
			id, owner, expiresAt); err != nil {
			return nil, ErrLeaseHeld
		}
	}

	return &Lease{
		SwapID:    id,
		Owner:     owner,
		ExpiresAt: expiresAt,
		release: func() {
			_, _ = s.DB.ExecContext(context.Background(),
				"UPDATE "+s.table()+"_locks SET owner = '' WHERE id = ? AND owner = ?", id, owner)
		},
	}, nil
}

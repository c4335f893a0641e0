package swapstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// CursorStore persists one MonitorCursor per chain, so an
// eventmonitor.Monitor can resume after a restart without re-scanning from
// genesis.
type CursorStore interface {
	LoadCursor(ctx context.Context, chainID string) (MonitorCursor, bool, error)
	SaveCursor(ctx context.Context, cursor MonitorCursor) error
}

// MemCursorStore is an in-process CursorStore, the default and the one
// used in tests, mirroring MemStore's sync.Map-per-key shape.
type MemCursorStore struct {
	cursors sync.Map // string -> MonitorCursor
}

// NewMemCursorStore constructs an empty MemCursorStore.
func NewMemCursorStore() *MemCursorStore { return &MemCursorStore{} }

func (s *MemCursorStore) LoadCursor(ctx context.Context, chainID string) (MonitorCursor, bool, error) {
	v, ok := s.cursors.Load(chainID)
	if !ok {
		return MonitorCursor{}, false, nil
	}
	return v.(MonitorCursor), true, nil
}

func (s *MemCursorStore) SaveCursor(ctx context.Context, cursor MonitorCursor) error {
	cursor.UpdatedAt = time.Now()
	s.cursors.Store(cursor.ChainID, cursor)
	return nil
}

// SQLCursorStore is a database/sql-backed CursorStore, the same
// upsert-by-primary-key shape SQLStore uses for swap rows.
type SQLCursorStore struct {
	DB    *sql.DB
	Table string // defaults to "monitor_cursors"
}

func (s *SQLCursorStore) table() string {
	if s.Table == "" {
		return "monitor_cursors"
	}
	return s.Table
}

func (s *SQLCursorStore) LoadCursor(ctx context.Context, chainID string) (MonitorCursor, bool, error) {
	var c MonitorCursor
	c.ChainID = chainID
	err := s.DB.QueryRowContext(ctx,
		"SELECT block_height, block_hash, updated_at FROM "+s.table()+" WHERE chain_id = ?", chainID,
	).Scan(&c.BlockHeight, &c.BlockHash, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MonitorCursor{}, false, nil
	}
	if err != nil {
		return MonitorCursor{}, false, err
	}
	return c, true, nil
}

func (s *SQLCursorStore) SaveCursor(ctx context.Context, cursor MonitorCursor) error {
	cursor.UpdatedAt = time.Now()
	res, err := s.DB.ExecContext(ctx,
		"UPDATE "+s.table()+" SET block_height = ?, block_hash = ?, updated_at = ? WHERE chain_id = ?",
		cursor.BlockHeight, cursor.BlockHash, cursor.UpdatedAt, cursor.ChainID)
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
		"INSERT INTO "+s.table()+" (chain_id, block_height, block_hash, updated_at) VALUES (?, ?, ?, ?)",
		cursor.ChainID, cursor.BlockHeight, cursor.BlockHash, cursor.UpdatedAt)
	return err
}

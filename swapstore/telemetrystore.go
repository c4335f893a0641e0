package swapstore

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// TelemetryStore persists PoolTelemetry records keyed by (ChainID,
// EndpointURL). Unlike swap records there is no version or lease: a snapshot
// simply replaces the previous one for the same member.
type TelemetryStore interface {
	SaveTelemetry(ctx context.Context, t PoolTelemetry) error
	ListTelemetry(ctx context.Context, chainID string) ([]PoolTelemetry, error)
}

type telemetryKey struct {
	chainID     string
	endpointURL string
}

// MemTelemetryStore is the in-process TelemetryStore, mirroring
// MemCursorStore's sync.Map-per-key shape.
type MemTelemetryStore struct {
	records sync.Map // telemetryKey -> PoolTelemetry
}

// NewMemTelemetryStore constructs an empty MemTelemetryStore.
func NewMemTelemetryStore() *MemTelemetryStore { return &MemTelemetryStore{} }

func (s *MemTelemetryStore) SaveTelemetry(ctx context.Context, t PoolTelemetry) error {
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now()
	}
	s.records.Store(telemetryKey{t.ChainID, t.EndpointURL}, t)
	return nil
}

func (s *MemTelemetryStore) ListTelemetry(ctx context.Context, chainID string) ([]PoolTelemetry, error) {
	var out []PoolTelemetry
	s.records.Range(func(k, v any) bool {
		if k.(telemetryKey).chainID == chainID {
			out = append(out, v.(PoolTelemetry))
		}
		return true
	})
	return out, nil
}

// SQLTelemetryStore is a database/sql-backed TelemetryStore, the same
// UPDATE-then-INSERT upsert shape SQLCursorStore uses.
type SQLTelemetryStore struct {
	DB    *sql.DB
	Table string // defaults to "pool_telemetry"
}

func (s *SQLTelemetryStore) table() string {
	if s.Table == "" {
		return "pool_telemetry"
	}
	return s.Table
}

func (s *SQLTelemetryStore) SaveTelemetry(ctx context.Context, t PoolTelemetry) error {
	if t.ObservedAt.IsZero() {
		t.ObservedAt = time.Now()
	}
	res, err := s.DB.ExecContext(ctx,
		"UPDATE "+s.table()+" SET healthy = ?, ema_latency_ns = ?, circuit_state = ?, next_retry_at = ?, observed_at = ? WHERE chain_id = ? AND endpoint_url = ?",
		t.Healthy, int64(t.EMALatency), t.CircuitState, t.NextRetryAt, t.ObservedAt, t.ChainID, t.EndpointURL)
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
		"INSERT INTO "+s.table()+" (chain_id, endpoint_url, healthy, ema_latency_ns, circuit_state, next_retry_at, observed_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		t.ChainID, t.EndpointURL, t.Healthy, int64(t.EMALatency), t.CircuitState, t.NextRetryAt, t.ObservedAt)
	return err
}

func (s *SQLTelemetryStore) ListTelemetry(ctx context.Context, chainID string) ([]PoolTelemetry, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT endpoint_url, healthy, ema_latency_ns, circuit_state, next_retry_at, observed_at FROM "+s.table()+" WHERE chain_id = ?", chainID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PoolTelemetry
	for rows.Next() {
		t := PoolTelemetry{ChainID: chainID}
		var emaNS int64
		if err := rows.Scan(&t.EndpointURL, &t.Healthy, &emaNS, &t.CircuitState, &t.NextRetryAt, &t.ObservedAt); err != nil {
			return nil, err
		}
		t.EMALatency = time.Duration(emaNS)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Package store implements the Idempotency & State Store:
// an embedded transactional store persisting processed signal IDs, order
// state transitions, exit fills, and open-position snapshots. It is the
// sole source of truth for crash recovery.
package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a single-writer SQLite database opened with WAL mode and a
// busy_timeout pragma, holding the idempotency and position state.
type Store struct {
	db *sql.DB
	mu sync.Mutex // serializes writers
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // single writer per process

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processed_signals (
			signal_id TEXT PRIMARY KEY,
			processed_at REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_transitions (
			signal_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			state TEXT NOT NULL,
			ts REAL NOT NULL,
			PRIMARY KEY (signal_id, state)
		)`,
		`CREATE TABLE IF NOT EXISTS exits (
			signal_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			fraction REAL NOT NULL,
			ts REAL NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			signal_id TEXT PRIMARY KEY,
			asset_id TEXT NOT NULL,
			entry_tx_id TEXT,
			entry_time REAL,
			size_usd REAL,
			size_tokens REAL,
			token_decimals INTEGER,
			entry_price REAL,
			status TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS trades (
			signal_id TEXT PRIMARY KEY,
			asset_id TEXT NOT NULL,
			entry_time REAL,
			exit_time REAL,
			entry_price REAL,
			exit_price REAL,
			size_usd REAL,
			pnl_usd REAL,
			pnl_pct REAL,
			exit_reason TEXT,
			duration_minutes REAL,
			peak_multiple REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_signal ON order_transitions(signal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exits_signal ON exits(signal_id)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// HasProcessed reports whether signalID has already been marked processed.
func (s *Store) HasProcessed(signalID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM processed_signals WHERE signal_id = ?`, signalID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkProcessed durably records that signalID has been fully handled.
func (s *Store) MarkProcessed(signalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_signals(signal_id, processed_at) VALUES (?, ?)`,
		signalID, nowSeconds(),
	)
	return err
}

// RecordTransition durably persists an Order FSM state transition.
func (s *Store) RecordTransition(signalID, assetID, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO order_transitions(signal_id, asset_id, state, ts) VALUES (?, ?, ?, ?)`,
		signalID, assetID, state, nowSeconds(),
	)
	return err
}

// LastState returns the most recent state transition for signalID, or "" if
// none exists.
func (s *Store) LastState(signalID string) (string, error) {
	var state string
	err := s.db.QueryRow(
		`SELECT state FROM order_transitions WHERE signal_id = ? ORDER BY ts DESC LIMIT 1`,
		signalID,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return state, err
}

// RecordExit appends an ExitFill row.
func (s *Store) RecordExit(signalID, assetID string, fraction float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO exits(signal_id, asset_id, fraction, ts) VALUES (?, ?, ?, ?)`,
		signalID, assetID, fraction, nowSeconds(),
	)
	return err
}

// SumExitFractions returns the sum of fraction_sold for signalID.
func (s *Store) SumExitFractions(signalID string) (float64, error) {
	var total float64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(fraction), 0) FROM exits WHERE signal_id = ?`, signalID).Scan(&total)
	return total, err
}

// PositionRow is the persisted shape of a position snapshot.
type PositionRow struct {
	SignalID      string
	AssetID       string
	EntryTxID     string
	EntryTime     float64
	SizeUSD       float64
	SizeTokens    float64
	TokenDecimals int
	EntryPrice    float64
	Status        string
}

// UpsertPosition inserts or updates the position snapshot for signalID.
// Columns left zero-valued in row are preserved from any existing row,
// matching idempotency.py's ON CONFLICT ... COALESCE(excluded.*, positions.*)
// merge semantics.
func (s *Store) UpsertPosition(row PositionRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO positions(signal_id, asset_id, entry_tx_id, entry_time, size_usd, size_tokens, token_decimals, entry_price, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(signal_id) DO UPDATE SET
			asset_id = COALESCE(NULLIF(excluded.asset_id, ''), positions.asset_id),
			entry_tx_id = COALESCE(NULLIF(excluded.entry_tx_id, ''), positions.entry_tx_id),
			entry_time = COALESCE(NULLIF(excluded.entry_time, 0), positions.entry_time),
			size_usd = COALESCE(NULLIF(excluded.size_usd, 0), positions.size_usd),
			size_tokens = COALESCE(NULLIF(excluded.size_tokens, 0), positions.size_tokens),
			token_decimals = COALESCE(NULLIF(excluded.token_decimals, 0), positions.token_decimals),
			entry_price = COALESCE(NULLIF(excluded.entry_price, 0), positions.entry_price),
			status = COALESCE(NULLIF(excluded.status, ''), positions.status)
		`,
		row.SignalID, row.AssetID, row.EntryTxID, row.EntryTime, row.SizeUSD,
		row.SizeTokens, row.TokenDecimals, row.EntryPrice, row.Status,
	)
	return err
}

// LoadPositionsByStatus returns all persisted positions with the given
// status, used for startup recovery.
func (s *Store) LoadPositionsByStatus(status string) ([]PositionRow, error) {
	rows, err := s.db.Query(`SELECT signal_id, asset_id, entry_tx_id, entry_time, size_usd, size_tokens, token_decimals, entry_price, status FROM positions WHERE status = ?`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PositionRow
	for rows.Next() {
		var r PositionRow
		if err := rows.Scan(&r.SignalID, &r.AssetID, &r.EntryTxID, &r.EntryTime, &r.SizeUSD, &r.SizeTokens, &r.TokenDecimals, &r.EntryPrice, &r.Status); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TradeRow is the persisted shape of a closed trade's result, the record
// recovered on boot to rebuild the Risk Manager's rolling counters.
type TradeRow struct {
	SignalID        string
	AssetID         string
	EntryTime       float64
	ExitTime        float64
	EntryPrice      float64
	ExitPrice       float64
	SizeUSD         float64
	PnLUSD          float64
	PnLPct          float64
	ExitReason      string
	DurationMinutes float64
	PeakMultiple    float64
}

// RecordTrade durably appends a closed trade's result.
func (s *Store) RecordTrade(row TradeRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO trades(
			signal_id, asset_id, entry_time, exit_time, entry_price, exit_price,
			size_usd, pnl_usd, pnl_pct, exit_reason, duration_minutes, peak_multiple
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SignalID, row.AssetID, row.EntryTime, row.ExitTime, row.EntryPrice, row.ExitPrice,
		row.SizeUSD, row.PnLUSD, row.PnLPct, row.ExitReason, row.DurationMinutes, row.PeakMultiple,
	)
	return err
}

// LoadTradesSince returns every trade whose exit_time is >= sinceEpochSec,
// ordered oldest-first, used to rebuild PortfolioStats on boot.
func (s *Store) LoadTradesSince(sinceEpochSec float64) ([]TradeRow, error) {
	rows, err := s.db.Query(`
		SELECT signal_id, asset_id, entry_time, exit_time, entry_price, exit_price,
		       size_usd, pnl_usd, pnl_pct, exit_reason, duration_minutes, peak_multiple
		FROM trades WHERE exit_time >= ? ORDER BY exit_time ASC`, sinceEpochSec)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TradeRow
	for rows.Next() {
		var r TradeRow
		if err := rows.Scan(&r.SignalID, &r.AssetID, &r.EntryTime, &r.ExitTime, &r.EntryPrice, &r.ExitPrice,
			&r.SizeUSD, &r.PnLUSD, &r.PnLPct, &r.ExitReason, &r.DurationMinutes, &r.PeakMultiple); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

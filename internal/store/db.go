// Package store provides the SQLite persistence layer: candles, indicator
// values, strategy decisions, and the position ledger schema.
package store

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// Open opens (or creates) the engine database and applies the schema.
// WAL mode lets readers proceed while a writer holds the lock.
func Open(path string, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database opened", zap.String("path", path))
	return db, nil
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("schema migration failed: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		pair        TEXT    NOT NULL,
		timeframe   TEXT    NOT NULL,
		timestamp   INTEGER NOT NULL,
		open        REAL    NOT NULL,
		high        REAL    NOT NULL,
		low         REAL    NOT NULL,
		close       REAL    NOT NULL,
		volume      REAL    NOT NULL DEFAULT 0,
		PRIMARY KEY (pair, timeframe, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS ema_values (
		pair        TEXT    NOT NULL,
		timeframe   TEXT    NOT NULL,
		period      INTEGER NOT NULL,
		timestamp   INTEGER NOT NULL,
		value       REAL    NOT NULL,
		PRIMARY KEY (pair, timeframe, period, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS atr_values (
		pair        TEXT    NOT NULL,
		timeframe   TEXT    NOT NULL,
		period      INTEGER NOT NULL,
		timestamp   INTEGER NOT NULL,
		value       REAL    NOT NULL,
		PRIMARY KEY (pair, timeframe, period, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS swings (
		pair        TEXT    NOT NULL,
		timeframe   TEXT    NOT NULL,
		timestamp   INTEGER NOT NULL,
		swing_type  TEXT    NOT NULL,
		price       REAL    NOT NULL,
		strength    INTEGER NOT NULL DEFAULT 5,
		PRIMARY KEY (pair, timeframe, timestamp, swing_type)
	)`,
	`CREATE TABLE IF NOT EXISTS decisions (
		id               TEXT    PRIMARY KEY,
		pair             TEXT    NOT NULL,
		timeframe        TEXT    NOT NULL,
		candle_timestamp INTEGER NOT NULL,
		decision         TEXT    NOT NULL,
		regime           TEXT,
		setup_type       TEXT,
		confidence       REAL,
		reason           TEXT,
		trading_window   TEXT,
		created_at       INTEGER NOT NULL,
		UNIQUE (pair, timeframe, candle_timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS audit_records (
		decision_id TEXT    NOT NULL,
		seq         INTEGER NOT NULL,
		stage       TEXT    NOT NULL,
		status      TEXT    NOT NULL,
		details     TEXT,
		created_at  INTEGER NOT NULL,
		PRIMARY KEY (decision_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS signals (
		decision_id     TEXT PRIMARY KEY,
		direction       TEXT NOT NULL,
		entry_price     REAL NOT NULL,
		stop_loss       REAL NOT NULL,
		take_profit     REAL NOT NULL,
		rr_ratio        REAL NOT NULL,
		risk_percent    REAL NOT NULL,
		leverage        REAL NOT NULL,
		position_size   REAL NOT NULL,
		margin_required REAL NOT NULL,
		created_at      INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS strategy_runs (
		id                TEXT PRIMARY KEY,
		pair              TEXT NOT NULL,
		timeframe         TEXT NOT NULL,
		candles_evaluated INTEGER NOT NULL DEFAULT 0,
		decisions         INTEGER NOT NULL DEFAULT 0,
		signals           INTEGER NOT NULL DEFAULT 0,
		started_at        INTEGER NOT NULL,
		completed_at      INTEGER,
		error             TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id              TEXT PRIMARY KEY,
		account_id      TEXT NOT NULL,
		status          TEXT NOT NULL,
		direction       TEXT NOT NULL,
		entry_price     TEXT NOT NULL,
		exit_price      TEXT,
		size            TEXT NOT NULL,
		margin_required TEXT NOT NULL,
		realized_pnl    TEXT,
		opened_at       INTEGER NOT NULL,
		closed_at       INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS position_events (
		id          TEXT    PRIMARY KEY,
		position_id TEXT    NOT NULL,
		seq         INTEGER NOT NULL,
		event_type  TEXT    NOT NULL,
		payload     TEXT,
		timestamp   INTEGER NOT NULL,
		UNIQUE (position_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS balance_events (
		id             TEXT    PRIMARY KEY,
		account_id     TEXT    NOT NULL,
		seq            INTEGER NOT NULL,
		event_type     TEXT    NOT NULL,
		position_id    TEXT,
		amount         TEXT    NOT NULL,
		balance_before TEXT    NOT NULL,
		balance_after  TEXT    NOT NULL,
		timestamp      INTEGER NOT NULL,
		UNIQUE (account_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id              TEXT PRIMARY KEY,
		balance         TEXT NOT NULL,
		reserved_margin TEXT NOT NULL,
		updated_at      INTEGER NOT NULL
	)`,
}

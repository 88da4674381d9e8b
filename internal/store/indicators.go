package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// IndicatorStore persists EMA samples, ATR samples, and swing points.
type IndicatorStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIndicatorStore creates an indicator store over an opened database.
func NewIndicatorStore(db *sql.DB, logger *zap.Logger) *IndicatorStore {
	return &IndicatorStore{db: db, logger: logger.Named("indicator-store")}
}

// ClearAll removes every indicator row for a pair/timeframe. Used before a
// historical rebuild.
func (s *IndicatorStore) ClearAll(ctx context.Context, pair string, tf types.Timeframe) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin clear: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"ema_values", "atr_values", "swings"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE pair = ? AND timeframe = ?", table),
			pair, string(tf)); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// SaveEMABatch persists EMA samples, replacing on conflict.
func (s *IndicatorStore) SaveEMABatch(ctx context.Context, values []types.IndicatorValue) error {
	return s.saveValues(ctx, "ema_values", values)
}

// SaveATRBatch persists ATR samples, replacing on conflict.
func (s *IndicatorStore) SaveATRBatch(ctx context.Context, values []types.IndicatorValue) error {
	return s.saveValues(ctx, "atr_values", values)
}

func (s *IndicatorStore) saveValues(ctx context.Context, table string, values []types.IndicatorValue) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (pair, timeframe, period, timestamp, value)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (pair, timeframe, period, timestamp) DO UPDATE SET value = excluded.value
	`, table))
	if err != nil {
		return fmt.Errorf("failed to prepare save: %w", err)
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(ctx,
			v.Pair, string(v.Timeframe), v.Period, v.Timestamp.UTC().UnixMilli(), v.Value); err != nil {
			return fmt.Errorf("failed to save %s row: %w", table, err)
		}
	}
	return tx.Commit()
}

// SaveSwings persists swing points, replacing on conflict.
func (s *IndicatorStore) SaveSwings(ctx context.Context, swings []types.SwingPoint) error {
	if len(swings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin save: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO swings (pair, timeframe, timestamp, swing_type, price, strength)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair, timeframe, timestamp, swing_type) DO UPDATE SET price = excluded.price
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare save: %w", err)
	}
	defer stmt.Close()

	for _, sw := range swings {
		if _, err := stmt.ExecContext(ctx,
			sw.Pair, string(sw.Timeframe), sw.Timestamp.UTC().UnixMilli(),
			string(sw.Type), sw.Price, sw.LeftLookback); err != nil {
			return fmt.Errorf("failed to save swing: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteSwingsAfter removes swings at or after t, for incremental
// re-evaluation of the trailing window.
func (s *IndicatorStore) DeleteSwingsAfter(ctx context.Context, pair string, tf types.Timeframe, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM swings WHERE pair = ? AND timeframe = ? AND timestamp >= ?
	`, pair, string(tf), t.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to delete swings: %w", err)
	}
	return nil
}

// LatestValue returns the newest sample for one indicator period, or ok=false
// when none exists.
func (s *IndicatorStore) LatestValue(ctx context.Context, table IndicatorTable, pair string, tf types.Timeframe, period int) (types.IndicatorValue, bool, error) {
	var v types.IndicatorValue
	var ms int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT timestamp, value FROM %s
		WHERE pair = ? AND timeframe = ? AND period = ?
		ORDER BY timestamp DESC LIMIT 1
	`, table), pair, string(tf), period).Scan(&ms, &v.Value)
	if err == sql.ErrNoRows {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("failed to query latest %s: %w", table, err)
	}
	v.Pair = pair
	v.Timeframe = tf
	v.Period = period
	v.Timestamp = time.UnixMilli(ms).UTC()
	return v, true, nil
}

// IndicatorTable selects which sample table a query targets.
type IndicatorTable string

const (
	TableEMA IndicatorTable = "ema_values"
	TableATR IndicatorTable = "atr_values"
)

// GetValuesRange returns samples for one period in [from, to], ascending.
func (s *IndicatorStore) GetValuesRange(ctx context.Context, table IndicatorTable, pair string, tf types.Timeframe, period int, from, to time.Time) ([]types.IndicatorValue, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT timestamp, value FROM %s
		WHERE pair = ? AND timeframe = ? AND period = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, table), pair, string(tf), period, from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query %s range: %w", table, err)
	}
	defer rows.Close()

	var out []types.IndicatorValue
	for rows.Next() {
		var ms int64
		v := types.IndicatorValue{Pair: pair, Timeframe: tf, Period: period}
		if err := rows.Scan(&ms, &v.Value); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		v.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// GetSwingsRange returns swing points in [from, to], ascending.
func (s *IndicatorStore) GetSwingsRange(ctx context.Context, pair string, tf types.Timeframe, from, to time.Time) ([]types.SwingPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, swing_type, price, strength FROM swings
		WHERE pair = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, pair, string(tf), from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query swings: %w", err)
	}
	defer rows.Close()

	var out []types.SwingPoint
	for rows.Next() {
		var ms int64
		var swingType string
		sw := types.SwingPoint{Pair: pair, Timeframe: tf}
		if err := rows.Scan(&ms, &swingType, &sw.Price, &sw.LeftLookback); err != nil {
			return nil, fmt.Errorf("failed to scan swing: %w", err)
		}
		sw.Type = types.SwingType(swingType)
		sw.Timestamp = time.UnixMilli(ms).UTC()
		sw.RightLookback = sw.LeftLookback
		out = append(out, sw)
	}
	return out, rows.Err()
}

// SnapshotAt assembles the aligned indicator snapshot for a candle timestamp,
// including previous-bar EMA values for slope checks and recent swings.
func (s *IndicatorStore) SnapshotAt(ctx context.Context, pair string, tf types.Timeframe, ts time.Time, swingLookback time.Duration) (*types.IndicatorSnapshot, error) {
	snap := &types.IndicatorSnapshot{Timestamp: ts}

	load := func(table IndicatorTable, period int, cur, prev *float64) error {
		rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
			SELECT timestamp, value FROM %s
			WHERE pair = ? AND timeframe = ? AND period = ? AND timestamp <= ?
			ORDER BY timestamp DESC LIMIT 2
		`, table), pair, string(tf), period, ts.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to query %s: %w", table, err)
		}
		defer rows.Close()

		i := 0
		for rows.Next() {
			var ms int64
			var val float64
			if err := rows.Scan(&ms, &val); err != nil {
				return fmt.Errorf("failed to scan %s: %w", table, err)
			}
			switch i {
			case 0:
				if ms != ts.UTC().UnixMilli() {
					return fmt.Errorf("%s period %d has no sample at %s", table, period, ts.Format(time.RFC3339))
				}
				*cur = val
			case 1:
				if prev != nil {
					*prev = val
				}
			}
			i++
		}
		if i == 0 {
			return fmt.Errorf("%s period %d has no samples at or before %s", table, period, ts.Format(time.RFC3339))
		}
		return rows.Err()
	}

	if err := load(TableEMA, 20, &snap.EMA20, &snap.EMA20Prev); err != nil {
		return nil, err
	}
	if err := load(TableEMA, 50, &snap.EMA50, &snap.EMA50Prev); err != nil {
		return nil, err
	}
	if err := load(TableEMA, 200, &snap.EMA200, &snap.EMA200Prev); err != nil {
		return nil, err
	}
	if err := load(TableATR, 14, &snap.ATR14, nil); err != nil {
		return nil, err
	}

	// ATR baseline: mean over the lookback window for regime context.
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(value), 0) FROM atr_values
		WHERE pair = ? AND timeframe = ? AND period = 14 AND timestamp <= ? AND timestamp >= ?
	`, pair, string(tf), ts.UTC().UnixMilli(), ts.Add(-swingLookback).UTC().UnixMilli()).Scan(&snap.ATRBaseline)
	if err != nil {
		return nil, fmt.Errorf("failed to compute ATR baseline: %w", err)
	}

	swings, err := s.GetSwingsRange(ctx, pair, tf, ts.Add(-swingLookback), ts)
	if err != nil {
		return nil, err
	}
	snap.RecentSwings = swings

	return snap, nil
}

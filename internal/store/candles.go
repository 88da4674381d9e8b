package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// CandleStore persists canonical candles. Writes serialize per
// (pair, timeframe) through a keyed mutex; WAL mode keeps reads unblocked.
type CandleStore struct {
	db     *sql.DB
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCandleStore creates a candle store over an opened database.
func NewCandleStore(db *sql.DB, logger *zap.Logger) *CandleStore {
	return &CandleStore{
		db:     db,
		logger: logger.Named("candle-store"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *CandleStore) keyLock(pair string, tf types.Timeframe) *sync.Mutex {
	key := pair + "|" + string(tf)
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// UpsertBatch inserts candles, skipping exact duplicates by
// (pair, timeframe, timestamp). Existing rows are never modified.
func (s *CandleStore) UpsertBatch(ctx context.Context, candles []types.Candle) (types.UpsertResult, error) {
	result := types.UpsertResult{}
	if len(candles) == 0 {
		return result, nil
	}

	lock := s.keyLock(candles[0].Pair, candles[0].Timeframe)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (pair, timeframe, timestamp, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pair, timeframe, timestamp) DO NOTHING
	`)
	if err != nil {
		return result, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for i := range candles {
		c := &candles[i]
		if err := c.Validate(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		res, err := stmt.ExecContext(ctx,
			c.Pair, string(c.Timeframe), c.Timestamp.UTC().UnixMilli(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.Timestamp.Format(time.RFC3339), err))
			continue
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit upsert: %w", err)
	}

	s.logger.Debug("candle batch upserted",
		zap.Int("inserted", result.Inserted),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// GetRange returns candles in [from, to] ordered by timestamp ascending.
func (s *CandleStore) GetRange(ctx context.Context, pair string, tf types.Timeframe, from, to time.Time) ([]types.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, timeframe, timestamp, open, high, low, close, volume
		FROM candles
		WHERE pair = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, pair, string(tf), from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query candle range: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// GetAfter returns candles strictly after t, ordered ascending.
func (s *CandleStore) GetAfter(ctx context.Context, pair string, tf types.Timeframe, t time.Time) ([]types.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, timeframe, timestamp, open, high, low, close, volume
		FROM candles
		WHERE pair = ? AND timeframe = ? AND timestamp > ?
		ORDER BY timestamp ASC
	`, pair, string(tf), t.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles after: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// GetAll returns the full stored series for a pair/timeframe, ascending.
func (s *CandleStore) GetAll(ctx context.Context, pair string, tf types.Timeframe) ([]types.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair, timeframe, timestamp, open, high, low, close, volume
		FROM candles
		WHERE pair = ? AND timeframe = ?
		ORDER BY timestamp ASC
	`, pair, string(tf))
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

// GetLatestTimestamp returns the newest stored candle timestamp, or a zero
// time when the series is empty.
func (s *CandleStore) GetLatestTimestamp(ctx context.Context, pair string, tf types.Timeframe) (time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(timestamp) FROM candles WHERE pair = ? AND timeframe = ?
	`, pair, string(tf)).Scan(&ms)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("failed to query latest timestamp: %w", err)
	}
	if !ms.Valid {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64).UTC(), nil
}

// Count returns the number of stored candles for a pair/timeframe.
func (s *CandleStore) Count(ctx context.Context, pair string, tf types.Timeframe) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM candles WHERE pair = ? AND timeframe = ?
	`, pair, string(tf)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return n, nil
}

// DetectGaps scans [from, to] for missing grid timestamps and returns the
// gap intervals. expectedStepMs is the candle spacing.
func (s *CandleStore) DetectGaps(ctx context.Context, pair string, tf types.Timeframe, from, to time.Time, expectedStepMs int64) ([]types.Gap, error) {
	if expectedStepMs <= 0 {
		return nil, fmt.Errorf("invalid step %dms", expectedStepMs)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp FROM candles
		WHERE pair = ? AND timeframe = ? AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`, pair, string(tf), from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query timestamps: %w", err)
	}
	defer rows.Close()

	var stamps []int64
	for rows.Next() {
		var ms int64
		if err := rows.Scan(&ms); err != nil {
			return nil, fmt.Errorf("failed to scan timestamp: %w", err)
		}
		stamps = append(stamps, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var gaps []types.Gap
	for i := 1; i < len(stamps); i++ {
		delta := stamps[i] - stamps[i-1]
		if delta <= expectedStepMs {
			continue
		}
		missing := int(delta/expectedStepMs) - 1
		if missing < 1 {
			continue
		}
		gaps = append(gaps, types.Gap{
			From: time.UnixMilli(stamps[i-1] + expectedStepMs).UTC(),
			To:   time.UnixMilli(stamps[i] - expectedStepMs).UTC(),
			Bars: missing,
		})
	}
	return gaps, nil
}

func scanCandles(rows *sql.Rows) ([]types.Candle, error) {
	var out []types.Candle
	for rows.Next() {
		var c types.Candle
		var tf string
		var ms int64
		if err := rows.Scan(&c.Pair, &tf, &ms, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timeframe = types.Timeframe(tf)
		c.Timestamp = time.UnixMilli(ms).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// DecisionStore persists strategy decisions, their stage audits, trade
// signals, and run summaries.
type DecisionStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDecisionStore creates a decision store over an opened database.
func NewDecisionStore(db *sql.DB, logger *zap.Logger) *DecisionStore {
	return &DecisionStore{db: db, logger: logger.Named("decision-store")}
}

// SaveDecision persists a decision, its audit trail, and (when present) the
// trade signal in one transaction. Decisions are immutable once written: if
// the candle already has one, the save is a no-op and the original record,
// audit trail, and signal stand.
func (s *DecisionStore) SaveDecision(ctx context.Context, d *types.Decision, audits []types.AuditRecord, signal *types.TradeSignal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin decision save: %w", err)
	}
	defer tx.Rollback()

	var priorID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM decisions WHERE pair = ? AND timeframe = ? AND candle_timestamp = ?
	`, d.Pair, string(d.Timeframe), d.CandleTimestamp.UTC().UnixMilli()).Scan(&priorID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check prior decision: %w", err)
	}
	if priorID.Valid {
		s.logger.Debug("decision already recorded for candle, keeping original",
			zap.String("pair", d.Pair),
			zap.Time("candleTimestamp", d.CandleTimestamp),
			zap.String("existingID", priorID.String))
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions
		(id, pair, timeframe, candle_timestamp, decision, regime, setup_type,
		 confidence, reason, trading_window, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.Pair, string(d.Timeframe), d.CandleTimestamp.UTC().UnixMilli(),
		string(d.Decision), string(d.Regime), string(d.SetupType),
		d.ConfidenceScore, d.Reason, d.TradingWindow, d.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}

	for i, a := range audits {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_records (decision_id, seq, stage, status, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, d.ID, i, string(a.Stage), string(a.Status), a.Details, a.CreatedAt.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert audit record: %w", err)
		}
	}

	if signal != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO signals
			(decision_id, direction, entry_price, stop_loss, take_profit, rr_ratio,
			 risk_percent, leverage, position_size, margin_required, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, signal.DecisionID, string(signal.Direction), signal.EntryPrice,
			signal.StopLoss, signal.TakeProfit, signal.RRRatio,
			signal.RiskPercent, signal.Leverage, signal.PositionSize,
			signal.MarginRequired, signal.CreatedAt.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to insert signal: %w", err)
		}
	}

	return tx.Commit()
}

// GetDecision loads one decision by id, or nil when absent.
func (s *DecisionStore) GetDecision(ctx context.Context, id string) (*types.Decision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pair, timeframe, candle_timestamp, decision, regime, setup_type,
		       confidence, reason, trading_window, created_at
		FROM decisions WHERE id = ?
	`, id)
	d, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// HasDecisionAt reports whether a decision already exists for the candle.
func (s *DecisionStore) HasDecisionAt(ctx context.Context, pair string, tf types.Timeframe, ts time.Time) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM decisions WHERE pair = ? AND timeframe = ? AND candle_timestamp = ?
	`, pair, string(tf), ts.UTC().UnixMilli()).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check decision presence: %w", err)
	}
	return true, nil
}

// GetDecisions returns decisions for a pair/timeframe, newest first.
func (s *DecisionStore) GetDecisions(ctx context.Context, pair string, tf types.Timeframe, limit int) ([]types.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pair, timeframe, candle_timestamp, decision, regime, setup_type,
		       confidence, reason, trading_window, created_at
		FROM decisions
		WHERE pair = ? AND timeframe = ?
		ORDER BY candle_timestamp DESC LIMIT ?
	`, pair, string(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []types.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetAuditTrail returns the ordered stage records for a decision.
func (s *DecisionStore) GetAuditTrail(ctx context.Context, decisionID string) ([]types.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, status, details, created_at
		FROM audit_records WHERE decision_id = ? ORDER BY seq ASC
	`, decisionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer rows.Close()

	var out []types.AuditRecord
	for rows.Next() {
		var a types.AuditRecord
		var stage, status string
		var ms int64
		if err := rows.Scan(&stage, &status, &a.Details, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		a.DecisionID = decisionID
		a.Stage = types.Stage(stage)
		a.Status = types.StageStatus(status)
		a.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetSignal returns the trade signal for a decision, or nil when absent.
func (s *DecisionStore) GetSignal(ctx context.Context, decisionID string) (*types.TradeSignal, error) {
	var sig types.TradeSignal
	var direction string
	var ms int64
	err := s.db.QueryRowContext(ctx, `
		SELECT decision_id, direction, entry_price, stop_loss, take_profit, rr_ratio,
		       risk_percent, leverage, position_size, margin_required, created_at
		FROM signals WHERE decision_id = ?
	`, decisionID).Scan(&sig.DecisionID, &direction, &sig.EntryPrice, &sig.StopLoss,
		&sig.TakeProfit, &sig.RRRatio, &sig.RiskPercent, &sig.Leverage,
		&sig.PositionSize, &sig.MarginRequired, &ms)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query signal: %w", err)
	}
	sig.Direction = types.DecisionType(direction)
	sig.CreatedAt = time.UnixMilli(ms).UTC()
	return &sig, nil
}

// GetRecentSignals returns the newest signals across all pairs.
func (s *DecisionStore) GetRecentSignals(ctx context.Context, limit int) ([]types.TradeSignal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT decision_id, direction, entry_price, stop_loss, take_profit, rr_ratio,
		       risk_percent, leverage, position_size, margin_required, created_at
		FROM signals ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals: %w", err)
	}
	defer rows.Close()

	var out []types.TradeSignal
	for rows.Next() {
		var sig types.TradeSignal
		var direction string
		var ms int64
		if err := rows.Scan(&sig.DecisionID, &direction, &sig.EntryPrice, &sig.StopLoss,
			&sig.TakeProfit, &sig.RRRatio, &sig.RiskPercent, &sig.Leverage,
			&sig.PositionSize, &sig.MarginRequired, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		sig.Direction = types.DecisionType(direction)
		sig.CreatedAt = time.UnixMilli(ms).UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}

// SaveRun persists a strategy run summary.
func (s *DecisionStore) SaveRun(ctx context.Context, run *types.StrategyRun) error {
	var completed any
	if !run.CompletedAt.IsZero() {
		completed = run.CompletedAt.UTC().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_runs
		(id, pair, timeframe, candles_evaluated, decisions, signals, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			candles_evaluated = excluded.candles_evaluated,
			decisions = excluded.decisions,
			signals = excluded.signals,
			completed_at = excluded.completed_at,
			error = excluded.error
	`, run.ID, run.Pair, string(run.Timeframe), run.CandlesEvaluated,
		run.Decisions, run.Signals, run.StartedAt.UTC().UnixMilli(), completed, run.Error)
	if err != nil {
		return fmt.Errorf("failed to save strategy run: %w", err)
	}
	return nil
}

// GetRuns returns run summaries for a pair/timeframe, newest first.
func (s *DecisionStore) GetRuns(ctx context.Context, pair string, tf types.Timeframe, limit int) ([]types.StrategyRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pair, timeframe, candles_evaluated, decisions, signals,
		       started_at, completed_at, error
		FROM strategy_runs
		WHERE pair = ? AND timeframe = ?
		ORDER BY started_at DESC LIMIT ?
	`, pair, string(tf), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query strategy runs: %w", err)
	}
	defer rows.Close()

	var out []types.StrategyRun
	for rows.Next() {
		var r types.StrategyRun
		var tfs string
		var started int64
		var completed sql.NullInt64
		var errStr sql.NullString
		if err := rows.Scan(&r.ID, &r.Pair, &tfs, &r.CandlesEvaluated,
			&r.Decisions, &r.Signals, &started, &completed, &errStr); err != nil {
			return nil, fmt.Errorf("failed to scan strategy run: %w", err)
		}
		r.Timeframe = types.Timeframe(tfs)
		r.StartedAt = time.UnixMilli(started).UTC()
		if completed.Valid {
			r.CompletedAt = time.UnixMilli(completed.Int64).UTC()
		}
		if errStr.Valid {
			r.Error = errStr.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDecision(row rowScanner) (*types.Decision, error) {
	var d types.Decision
	var tf, decision, regime, setup string
	var candleMs, createdMs int64
	err := row.Scan(&d.ID, &d.Pair, &tf, &candleMs, &decision, &regime, &setup,
		&d.ConfidenceScore, &d.Reason, &d.TradingWindow, &createdMs)
	if err != nil {
		return nil, err
	}
	d.Timeframe = types.Timeframe(tf)
	d.CandleTimestamp = time.UnixMilli(candleMs).UTC()
	d.Decision = types.DecisionType(decision)
	d.Regime = types.Regime(regime)
	d.SetupType = types.SetupType(setup)
	d.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &d, nil
}

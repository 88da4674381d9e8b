package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// requiredClosedEvents is the event coverage every CLOSED position must show.
var requiredClosedEvents = []types.PositionEventType{
	types.EventPositionCreated,
	types.EventPositionClosed,
	types.EventMarginReleased,
	types.EventPnLRealized,
}

// Replay folds the full balance event chain and position history into an
// account state. It verifies chain continuity and the balance equation on
// every event; the result must match the materialized accounts row.
func (l *Ledger) Replay(ctx context.Context, accountID string) (*types.AccountState, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_type, amount, balance_before, balance_after
		FROM balance_events WHERE account_id = ? ORDER BY seq ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance events: %w", err)
	}
	defer rows.Close()

	state := &types.AccountState{AccountID: accountID, Balance: decimal.Zero, ReservedMargin: decimal.Zero}
	var prevAfter decimal.Decimal
	for rows.Next() {
		var eventType, amountS, beforeS, afterS string
		if err := rows.Scan(&eventType, &amountS, &beforeS, &afterS); err != nil {
			return nil, fmt.Errorf("failed to scan balance event: %w", err)
		}
		amount, err := decimal.NewFromString(amountS)
		if err != nil {
			return nil, fmt.Errorf("corrupt amount: %w", err)
		}
		before, err := decimal.NewFromString(beforeS)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance_before: %w", err)
		}
		after, err := decimal.NewFromString(afterS)
		if err != nil {
			return nil, fmt.Errorf("corrupt balance_after: %w", err)
		}

		if after.Sub(before.Add(amount)).Abs().GreaterThan(balanceTolerance) {
			return nil, fmt.Errorf("%w: event %d breaks balance equation", ErrInvariantViolation, state.EventCount)
		}
		if state.EventCount > 0 && !before.Equal(prevAfter) {
			return nil, fmt.Errorf("%w: event %d breaks chain continuity", ErrInvariantViolation, state.EventCount)
		}

		switch types.BalanceEventType(eventType) {
		case types.BalanceMarginReserved:
			state.ReservedMargin = state.ReservedMargin.Add(amount.Neg())
		case types.BalanceMarginReleased:
			state.ReservedMargin = state.ReservedMargin.Sub(amount)
		}
		state.Balance = after
		prevAfter = after
		state.EventCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate balance events: %w", err)
	}

	if err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM positions WHERE account_id = ? AND status IN (?, ?)
	`, accountID, string(types.PositionPending), string(types.PositionOpen)).Scan(&state.OpenPositions); err != nil {
		return nil, fmt.Errorf("failed to count open positions: %w", err)
	}
	return state, nil
}

// VerifyReplay replays the account and compares against the materialized row.
func (l *Ledger) VerifyReplay(ctx context.Context, accountID string) error {
	state, err := l.Replay(ctx, accountID)
	if err != nil {
		return err
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()
	balance, reserved, err := l.accountRow(ctx, tx, accountID)
	if err != nil {
		return err
	}
	if !state.Balance.Equal(balance) {
		return fmt.Errorf("%w: replayed balance %s != materialized %s",
			ErrInvariantViolation, state.Balance, balance)
	}
	if !state.ReservedMargin.Equal(reserved) {
		return fmt.Errorf("%w: replayed reserved margin %s != materialized %s",
			ErrInvariantViolation, state.ReservedMargin, reserved)
	}
	return nil
}

// RecoverOrphans scans for positions whose event trail is incomplete and rolls
// them back: PENDING positions older than maxAge get their margin released and
// are closed with an orphan marker. Returns the recovered position IDs.
func (l *Ledger) RecoverOrphans(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-maxAge).UnixMilli()
	rows, err := l.db.QueryContext(ctx, `
		SELECT id FROM positions WHERE status = ? AND opened_at < ?
	`, string(types.PositionPending), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to scan for orphans: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan orphan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate orphans: %w", err)
	}

	var recovered []string
	for _, id := range ids {
		if err := l.rollbackOrphan(ctx, id); err != nil {
			l.logger.Error("orphan rollback failed",
				zap.String("positionId", id), zap.Error(err))
			continue
		}
		recovered = append(recovered, id)
	}
	if len(recovered) > 0 {
		l.logger.Warn("recovered orphaned positions", zap.Strings("positionIds", recovered))
	}
	return recovered, nil
}

// rollbackOrphan releases the margin of a stuck PENDING position and closes
// it with zero PnL. The full closed-event coverage is still written so the
// position reads like any other closed one.
func (l *Ledger) rollbackOrphan(ctx context.Context, positionID string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	pos, err := l.positionRow(ctx, tx, positionID)
	if err != nil {
		return err
	}
	if pos.Status != types.PositionPending {
		return nil
	}

	now := time.Now().UTC()
	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventPositionClosed,
		`{"reason":"orphaned","pnl":"0"}`, now); err != nil {
		return err
	}
	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventMarginReleased,
		fmt.Sprintf(`{"margin":%q}`, pos.MarginRequired), now); err != nil {
		return err
	}
	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventPnLRealized,
		`{"pnl":"0"}`, now); err != nil {
		return err
	}

	balance, reserved, err := l.accountRow(ctx, tx, pos.AccountID)
	if err != nil {
		return err
	}
	after := balance.Add(pos.MarginRequired)
	if err := l.appendBalance(ctx, tx, pos.AccountID, types.BalanceMarginReleased, positionID,
		pos.MarginRequired, balance, after, now); err != nil {
		return err
	}
	if err := l.appendBalance(ctx, tx, pos.AccountID, types.BalancePnLRealized, positionID,
		decimal.Zero, after, after, now); err != nil {
		return err
	}
	if err := l.updateAccount(ctx, tx, pos.AccountID, after, reserved.Sub(pos.MarginRequired), now); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE positions SET status = ?, realized_pnl = ?, closed_at = ? WHERE id = ?
	`, string(types.PositionClosed), decimal.Zero.String(), now.UnixMilli(), positionID)
	if err != nil {
		return fmt.Errorf("failed to close orphan: %w", err)
	}
	return tx.Commit()
}

// CheckClosedEventCoverage returns the IDs of CLOSED positions missing any of
// the required lifecycle events.
func (l *Ledger) CheckClosedEventCoverage(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id FROM positions WHERE status = ?
	`, string(types.PositionClosed))
	if err != nil {
		return nil, fmt.Errorf("failed to list closed positions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var incomplete []string
	for _, id := range ids {
		events, err := l.PositionEvents(ctx, id)
		if err != nil {
			return nil, err
		}
		seen := make(map[types.PositionEventType]bool, len(events))
		for _, ev := range events {
			seen[ev.EventType] = true
		}
		for _, req := range requiredClosedEvents {
			if !seen[req] {
				incomplete = append(incomplete, id)
				break
			}
		}
	}
	return incomplete, nil
}

// Position loads one position.
func (l *Ledger) Position(ctx context.Context, positionID string) (*types.LedgerPosition, error) {
	var p types.LedgerPosition
	var status, direction, entry, size, margin string
	var exit, pnl sql.NullString
	var openedAt int64
	var closedAt sql.NullInt64
	err := l.db.QueryRowContext(ctx, `
		SELECT id, account_id, status, direction, entry_price, exit_price, size,
		       margin_required, realized_pnl, opened_at, closed_at
		FROM positions WHERE id = ?
	`, positionID).Scan(&p.ID, &p.AccountID, &status, &direction, &entry, &exit,
		&size, &margin, &pnl, &openedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}
	p.Status = types.PositionStatus(status)
	p.Direction = types.DecisionType(direction)
	if p.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return nil, fmt.Errorf("corrupt entry price: %w", err)
	}
	if p.Size, err = decimal.NewFromString(size); err != nil {
		return nil, fmt.Errorf("corrupt size: %w", err)
	}
	if p.MarginRequired, err = decimal.NewFromString(margin); err != nil {
		return nil, fmt.Errorf("corrupt margin: %w", err)
	}
	if exit.Valid {
		d, err := decimal.NewFromString(exit.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt exit price: %w", err)
		}
		p.ExitPrice = &d
	}
	if pnl.Valid {
		d, err := decimal.NewFromString(pnl.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt realized pnl: %w", err)
		}
		p.RealizedPnL = &d
	}
	p.OpenedAt = time.UnixMilli(openedAt).UTC()
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64).UTC()
		p.ClosedAt = &t
	}
	return &p, nil
}

// PositionEvents returns the full event trail of one position in order.
func (l *Ledger) PositionEvents(ctx context.Context, positionID string) ([]types.PositionEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, position_id, event_type, payload, timestamp
		FROM position_events WHERE position_id = ? ORDER BY seq ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read position events: %w", err)
	}
	defer rows.Close()

	var out []types.PositionEvent
	for rows.Next() {
		var ev types.PositionEvent
		var eventType string
		var payload sql.NullString
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.PositionID, &eventType, &payload, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan position event: %w", err)
		}
		ev.EventType = types.PositionEventType(eventType)
		ev.Payload = payload.String
		ev.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// BalanceEvents returns the account's balance chain in order.
func (l *Ledger) BalanceEvents(ctx context.Context, accountID string) ([]types.BalanceEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, account_id, event_type, position_id, amount, balance_before, balance_after, timestamp
		FROM balance_events WHERE account_id = ? ORDER BY seq ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to read balance events: %w", err)
	}
	defer rows.Close()

	var out []types.BalanceEvent
	for rows.Next() {
		var ev types.BalanceEvent
		var eventType, amount, before, after string
		var posID sql.NullString
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.AccountID, &eventType, &posID, &amount, &before, &after, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan balance event: %w", err)
		}
		ev.EventType = types.BalanceEventType(eventType)
		ev.PositionID = posID.String
		if ev.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt amount: %w", err)
		}
		if ev.BalanceBefore, err = decimal.NewFromString(before); err != nil {
			return nil, fmt.Errorf("corrupt balance_before: %w", err)
		}
		if ev.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, fmt.Errorf("corrupt balance_after: %w", err)
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Package ledger owns position lifecycle and the append-only balance ledger.
// Every command is one atomic transaction; the balance chain invariant is
// enforced at write time and any violation rejects the whole command.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/meridianfx/trading-engine/pkg/utils"
)

// ErrInvariantViolation marks a rejected ledger write. Nothing is persisted
// when a command fails with it.
var ErrInvariantViolation = errors.New("ledger invariant violation")

// balanceTolerance absorbs floating currency rounding in externally
// supplied events.
var balanceTolerance = decimal.NewFromFloat(0.01)

// Ledger executes position commands against the shared database.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// New creates a ledger over an opened database.
func New(db *sql.DB, logger *zap.Logger) *Ledger {
	return &Ledger{db: db, logger: logger.Named("ledger")}
}

// EnsureAccount creates the account with an opening deposit if it does not
// exist yet.
func (l *Ledger) EnsureAccount(ctx context.Context, accountID string, openingBalance decimal.Decimal) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts WHERE id = ?", accountID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if exists > 0 {
		return nil
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, reserved_margin, updated_at)
		VALUES (?, ?, ?, ?)
	`, accountID, openingBalance.String(), decimal.Zero.String(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	if err := l.appendBalance(ctx, tx, accountID, types.BalanceDeposit, "", openingBalance, decimal.Zero, openingBalance, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	l.logger.Info("account created",
		zap.String("accountId", accountID),
		zap.String("openingBalance", openingBalance.String()))
	return nil
}

// Open creates a PENDING position from a signal and reserves its margin.
func (l *Ledger) Open(ctx context.Context, accountID string, signal *types.TradeSignal) (string, error) {
	if signal == nil || signal.Direction == types.DecisionNoTrade {
		return "", fmt.Errorf("%w: signal has no direction", ErrInvariantViolation)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	positionID := utils.GeneratePositionID()
	now := time.Now().UTC()
	entry := decimal.NewFromFloat(signal.EntryPrice)
	size := decimal.NewFromFloat(signal.PositionSize)
	margin := decimal.NewFromFloat(signal.MarginRequired)

	balance, reserved, err := l.accountRow(ctx, tx, accountID)
	if err != nil {
		return "", err
	}
	if margin.GreaterThan(balance) {
		return "", fmt.Errorf("%w: margin %s exceeds balance %s", ErrInvariantViolation, margin, balance)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions
		(id, account_id, status, direction, entry_price, size, margin_required, opened_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, positionID, accountID, string(types.PositionPending), string(signal.Direction),
		entry.String(), size.String(), margin.String(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert position: %w", err)
	}

	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventPositionCreated,
		fmt.Sprintf(`{"direction":%q,"entry":%q,"size":%q}`, signal.Direction, entry, size), now); err != nil {
		return "", err
	}
	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventMarginReserved,
		fmt.Sprintf(`{"margin":%q}`, margin), now); err != nil {
		return "", err
	}

	after := balance.Sub(margin)
	if err := l.appendBalance(ctx, tx, accountID, types.BalanceMarginReserved, positionID,
		margin.Neg(), balance, after, now); err != nil {
		return "", err
	}
	if err := l.updateAccount(ctx, tx, accountID, after, reserved.Add(margin), now); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	l.logger.Info("position opened",
		zap.String("positionId", positionID),
		zap.String("direction", string(signal.Direction)),
		zap.String("margin", margin.String()))
	return positionID, nil
}

// Fill confirms the broker fill: PENDING → OPEN, entry price set, fee charged.
func (l *Ledger) Fill(ctx context.Context, positionID string, fillPrice, fee decimal.Decimal) error {
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
		return fmt.Errorf("%w: fill on %s position %s", ErrInvariantViolation, pos.Status, positionID)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE positions SET status = ?, entry_price = ? WHERE id = ?
	`, string(types.PositionOpen), fillPrice.String(), positionID)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}

	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventOrderFilled,
		fmt.Sprintf(`{"fillPrice":%q,"fee":%q}`, fillPrice, fee), now); err != nil {
		return err
	}

	if fee.IsPositive() {
		balance, reserved, err := l.accountRow(ctx, tx, pos.AccountID)
		if err != nil {
			return err
		}
		after := balance.Sub(fee)
		if err := l.appendBalance(ctx, tx, pos.AccountID, types.BalanceFeeCharged, positionID,
			fee.Neg(), balance, after, now); err != nil {
			return err
		}
		if err := l.updateAccount(ctx, tx, pos.AccountID, after, reserved, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	l.logger.Info("position filled",
		zap.String("positionId", positionID),
		zap.String("fillPrice", fillPrice.String()))
	return nil
}

// Close realizes PnL at exitPrice, releases margin, and closes the position.
func (l *Ledger) Close(ctx context.Context, positionID string, exitPrice decimal.Decimal) error {
	return l.closeWith(ctx, positionID, exitPrice, "")
}

// Liquidate force-closes a position, recording the reason.
func (l *Ledger) Liquidate(ctx context.Context, positionID string, exitPrice decimal.Decimal, reason string) error {
	if reason == "" {
		reason = "liquidated"
	}
	return l.closeWith(ctx, positionID, exitPrice, reason)
}

func (l *Ledger) closeWith(ctx context.Context, positionID string, exitPrice decimal.Decimal, reason string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	pos, err := l.positionRow(ctx, tx, positionID)
	if err != nil {
		return err
	}
	if pos.Status != types.PositionOpen {
		return fmt.Errorf("%w: close on %s position %s", ErrInvariantViolation, pos.Status, positionID)
	}

	now := time.Now().UTC()

	// PnL sign follows direction.
	pnl := exitPrice.Sub(pos.EntryPrice).Mul(pos.Size)
	if pos.Direction == types.DecisionSell {
		pnl = pnl.Neg()
	}

	payload := fmt.Sprintf(`{"exitPrice":%q,"pnl":%q}`, exitPrice, pnl)
	if reason != "" {
		payload = fmt.Sprintf(`{"exitPrice":%q,"pnl":%q,"reason":%q}`, exitPrice, pnl, reason)
	}
	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventPositionClosed, payload, now); err != nil {
		return err
	}
	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventMarginReleased,
		fmt.Sprintf(`{"margin":%q}`, pos.MarginRequired), now); err != nil {
		return err
	}
	if err := l.appendPositionEvent(ctx, tx, positionID, types.EventPnLRealized,
		fmt.Sprintf(`{"pnl":%q}`, pnl), now); err != nil {
		return err
	}

	balance, reserved, err := l.accountRow(ctx, tx, pos.AccountID)
	if err != nil {
		return err
	}
	afterRelease := balance.Add(pos.MarginRequired)
	if err := l.appendBalance(ctx, tx, pos.AccountID, types.BalanceMarginReleased, positionID,
		pos.MarginRequired, balance, afterRelease, now); err != nil {
		return err
	}
	afterPnL := afterRelease.Add(pnl)
	if err := l.appendBalance(ctx, tx, pos.AccountID, types.BalancePnLRealized, positionID,
		pnl, afterRelease, afterPnL, now); err != nil {
		return err
	}
	if err := l.updateAccount(ctx, tx, pos.AccountID, afterPnL, reserved.Sub(pos.MarginRequired), now); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE positions SET status = ?, exit_price = ?, realized_pnl = ?, closed_at = ? WHERE id = ?
	`, string(types.PositionClosed), exitPrice.String(), pnl.String(), now.UnixMilli(), positionID)
	if err != nil {
		return fmt.Errorf("failed to update position: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	l.logger.Info("position closed",
		zap.String("positionId", positionID),
		zap.String("exitPrice", exitPrice.String()),
		zap.String("pnl", pnl.String()),
		zap.String("reason", reason))
	return nil
}

// AppendBalanceEvent writes one externally constructed balance event after
// validating both invariants: the balance equation within tolerance, and
// chain continuity against the account's latest event.
func (l *Ledger) AppendBalanceEvent(ctx context.Context, ev *types.BalanceEvent) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	if err := l.appendBalance(ctx, tx, ev.AccountID, ev.EventType, ev.PositionID,
		ev.Amount, ev.BalanceBefore, ev.BalanceAfter, ev.Timestamp); err != nil {
		return err
	}

	_, reserved, err := l.accountRow(ctx, tx, ev.AccountID)
	if err != nil {
		return err
	}
	if err := l.updateAccount(ctx, tx, ev.AccountID, ev.BalanceAfter, reserved, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// appendBalance enforces the invariants and writes one chain event.
func (l *Ledger) appendBalance(ctx context.Context, tx *sql.Tx, accountID string, eventType types.BalanceEventType, positionID string, amount, before, after decimal.Decimal, at time.Time) error {
	if after.Sub(before.Add(amount)).Abs().GreaterThan(balanceTolerance) {
		return fmt.Errorf("%w: balanceAfter %s != balanceBefore %s + amount %s",
			ErrInvariantViolation, after, before, amount)
	}

	var lastAfter sql.NullString
	var lastSeq sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT balance_after, seq FROM balance_events
		WHERE account_id = ? ORDER BY seq DESC LIMIT 1
	`, accountID).Scan(&lastAfter, &lastSeq)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read chain tip: %w", err)
	}

	seq := int64(0)
	if lastSeq.Valid {
		seq = lastSeq.Int64 + 1
		tip, perr := decimal.NewFromString(lastAfter.String)
		if perr != nil {
			return fmt.Errorf("corrupt chain tip: %w", perr)
		}
		if !before.Equal(tip) {
			return fmt.Errorf("%w: balanceBefore %s does not continue chain tip %s",
				ErrInvariantViolation, before, tip)
		}
	}

	var posID any
	if positionID != "" {
		posID = positionID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO balance_events
		(id, account_id, seq, event_type, position_id, amount, balance_before, balance_after, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, utils.GenerateEventID(), accountID, seq, string(eventType), posID,
		amount.String(), before.String(), after.String(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert balance event: %w", err)
	}
	return nil
}

func (l *Ledger) appendPositionEvent(ctx context.Context, tx *sql.Tx, positionID string, eventType types.PositionEventType, payload string, at time.Time) error {
	var lastSeq sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM position_events WHERE position_id = ?
	`, positionID).Scan(&lastSeq)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read position events: %w", err)
	}
	seq := int64(0)
	if lastSeq.Valid {
		seq = lastSeq.Int64 + 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO position_events (id, position_id, seq, event_type, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, utils.GenerateEventID(), positionID, seq, string(eventType), payload, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert position event: %w", err)
	}
	return nil
}

type positionRow struct {
	ID             string
	AccountID      string
	Status         types.PositionStatus
	Direction      types.DecisionType
	EntryPrice     decimal.Decimal
	Size           decimal.Decimal
	MarginRequired decimal.Decimal
}

func (l *Ledger) positionRow(ctx context.Context, tx *sql.Tx, positionID string) (*positionRow, error) {
	var p positionRow
	var status, direction, entry, size, margin string
	err := tx.QueryRowContext(ctx, `
		SELECT id, account_id, status, direction, entry_price, size, margin_required
		FROM positions WHERE id = ?
	`, positionID).Scan(&p.ID, &p.AccountID, &status, &direction, &entry, &size, &margin)
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
	return &p, nil
}

func (l *Ledger) accountRow(ctx context.Context, tx *sql.Tx, accountID string) (balance, reserved decimal.Decimal, err error) {
	var b, r string
	err = tx.QueryRowContext(ctx, `
		SELECT balance, reserved_margin FROM accounts WHERE id = ?
	`, accountID).Scan(&b, &r)
	if err == sql.ErrNoRows {
		return decimal.Zero, decimal.Zero, fmt.Errorf("account %s not found", accountID)
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to load account: %w", err)
	}
	if balance, err = decimal.NewFromString(b); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("corrupt balance: %w", err)
	}
	if reserved, err = decimal.NewFromString(r); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("corrupt reserved margin: %w", err)
	}
	return balance, reserved, nil
}

func (l *Ledger) updateAccount(ctx context.Context, tx *sql.Tx, accountID string, balance, reserved decimal.Decimal, at time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, reserved_margin = ?, updated_at = ? WHERE id = ?
	`, balance.String(), reserved.String(), at.UnixMilli(), accountID)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}

package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/store"
	"github.com/meridianfx/trading-engine/pkg/types"
)

const testAccount = "acct_test"

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l := New(db, zap.NewNop())
	if err := l.EnsureAccount(context.Background(), testAccount, decimal.NewFromInt(10000)); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return l
}

func buySignal() *types.TradeSignal {
	return &types.TradeSignal{
		DecisionID:     "dec_test",
		Direction:      types.DecisionBuy,
		EntryPrice:     2425,
		StopLoss:       2401,
		TakeProfit:     2473,
		RRRatio:        2.0,
		PositionSize:   4,
		MarginRequired: 97,
	}
}

func TestOpenFillCloseLifecycle(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	posID, err := l.Open(ctx, testAccount, buySignal())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := l.Fill(ctx, posID, decimal.NewFromFloat(2425.5), decimal.NewFromFloat(2.5)); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if err := l.Close(ctx, posID, decimal.NewFromInt(2473)); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	pos, err := l.Position(ctx, posID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if pos.Status != types.PositionClosed {
		t.Errorf("expected CLOSED, got %s", pos.Status)
	}
	// PnL = (2473 - 2425.5) * 4 = 190
	if pos.RealizedPnL == nil || !pos.RealizedPnL.Equal(decimal.NewFromInt(190)) {
		t.Errorf("unexpected pnl: %v", pos.RealizedPnL)
	}

	// Final balance: 10000 - 97 (margin) - 2.5 (fee) + 97 (release) + 190 (pnl)
	state, err := l.Replay(ctx, testAccount)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	want := decimal.NewFromFloat(10187.5)
	if !state.Balance.Equal(want) {
		t.Errorf("balance %s, want %s", state.Balance, want)
	}
	if !state.ReservedMargin.IsZero() {
		t.Errorf("reserved margin should be zero, got %s", state.ReservedMargin)
	}
	if state.OpenPositions != 0 {
		t.Errorf("expected no open positions, got %d", state.OpenPositions)
	}
}

func TestClosedPositionEventCoverage(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	posID, _ := l.Open(ctx, testAccount, buySignal())
	l.Fill(ctx, posID, decimal.NewFromInt(2425), decimal.Zero)
	l.Close(ctx, posID, decimal.NewFromInt(2440))

	events, err := l.PositionEvents(ctx, posID)
	if err != nil {
		t.Fatalf("events failed: %v", err)
	}
	seen := make(map[types.PositionEventType]bool)
	for _, ev := range events {
		seen[ev.EventType] = true
	}
	for _, req := range requiredClosedEvents {
		if !seen[req] {
			t.Errorf("closed position missing %s event", req)
		}
	}

	incomplete, err := l.CheckClosedEventCoverage(ctx)
	if err != nil {
		t.Fatalf("coverage check failed: %v", err)
	}
	if len(incomplete) != 0 {
		t.Errorf("no position should be flagged incomplete: %v", incomplete)
	}
}

func TestBalanceEquationRejected(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	before, _ := l.BalanceEvents(ctx, testAccount)
	tip := before[len(before)-1].BalanceAfter

	err := l.AppendBalanceEvent(ctx, &types.BalanceEvent{
		AccountID:     testAccount,
		EventType:     types.BalanceFeeCharged,
		Amount:        decimal.NewFromInt(-100),
		BalanceBefore: decimal.NewFromInt(10000),
		BalanceAfter:  decimal.NewFromInt(9950),
		Timestamp:     time.Now().UTC(),
	})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}

	// Nothing persisted: chain tip unchanged.
	after, _ := l.BalanceEvents(ctx, testAccount)
	if len(after) != len(before) {
		t.Errorf("event count changed from %d to %d", len(before), len(after))
	}
	if !after[len(after)-1].BalanceAfter.Equal(tip) {
		t.Errorf("chain tip changed from %s to %s", tip, after[len(after)-1].BalanceAfter)
	}
}

func TestChainContinuityRejected(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	// Arithmetic is self-consistent but balanceBefore ignores the chain tip.
	err := l.AppendBalanceEvent(ctx, &types.BalanceEvent{
		AccountID:     testAccount,
		EventType:     types.BalanceDeposit,
		Amount:        decimal.NewFromInt(50),
		BalanceBefore: decimal.NewFromInt(5000),
		BalanceAfter:  decimal.NewFromInt(5050),
		Timestamp:     time.Now().UTC(),
	})
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected chain continuity violation, got %v", err)
	}
}

func TestBalanceToleranceAccepted(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	// Off by half a cent: within tolerance.
	err := l.AppendBalanceEvent(ctx, &types.BalanceEvent{
		AccountID:     testAccount,
		EventType:     types.BalanceFeeCharged,
		Amount:        decimal.NewFromFloat(-100.005),
		BalanceBefore: decimal.NewFromInt(10000),
		BalanceAfter:  decimal.NewFromInt(9900),
		Timestamp:     time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("sub-cent rounding should pass: %v", err)
	}
}

func TestReplayMatchesMaterializedState(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	p1, _ := l.Open(ctx, testAccount, buySignal())
	l.Fill(ctx, p1, decimal.NewFromInt(2425), decimal.NewFromInt(3))
	l.Close(ctx, p1, decimal.NewFromInt(2410))

	sell := buySignal()
	sell.Direction = types.DecisionSell
	p2, _ := l.Open(ctx, testAccount, sell)
	l.Fill(ctx, p2, decimal.NewFromInt(2420), decimal.Zero)

	if err := l.VerifyReplay(ctx, testAccount); err != nil {
		t.Fatalf("replay mismatch: %v", err)
	}

	state, err := l.Replay(ctx, testAccount)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if state.OpenPositions != 1 {
		t.Errorf("expected 1 open position, got %d", state.OpenPositions)
	}
	if !state.ReservedMargin.Equal(decimal.NewFromInt(97)) {
		t.Errorf("reserved margin %s, want 97", state.ReservedMargin)
	}
}

func TestLiquidateRecordsReason(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	posID, _ := l.Open(ctx, testAccount, buySignal())
	l.Fill(ctx, posID, decimal.NewFromInt(2425), decimal.Zero)
	if err := l.Liquidate(ctx, posID, decimal.NewFromInt(2401), "stop hit"); err != nil {
		t.Fatalf("liquidate failed: %v", err)
	}

	pos, _ := l.Position(ctx, posID)
	if pos.Status != types.PositionClosed {
		t.Errorf("expected CLOSED, got %s", pos.Status)
	}
	// PnL = (2401 - 2425) * 4 = -96
	if pos.RealizedPnL == nil || !pos.RealizedPnL.Equal(decimal.NewFromInt(-96)) {
		t.Errorf("unexpected pnl: %v", pos.RealizedPnL)
	}

	events, _ := l.PositionEvents(ctx, posID)
	found := false
	for _, ev := range events {
		if ev.EventType == types.EventPositionClosed && ev.Payload != "" {
			found = true
		}
	}
	if !found {
		t.Error("expected a POSITION_CLOSED event with a payload")
	}
}

func TestFillRequiresPending(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	posID, _ := l.Open(ctx, testAccount, buySignal())
	l.Fill(ctx, posID, decimal.NewFromInt(2425), decimal.Zero)

	err := l.Fill(ctx, posID, decimal.NewFromInt(2430), decimal.Zero)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("double fill must be rejected, got %v", err)
	}
}

func TestCloseRequiresOpen(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	posID, _ := l.Open(ctx, testAccount, buySignal())
	err := l.Close(ctx, posID, decimal.NewFromInt(2430))
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("close on PENDING must be rejected, got %v", err)
	}
}

func TestRecoverOrphans(t *testing.T) {
	l := testLedger(t)
	ctx := context.Background()

	posID, _ := l.Open(ctx, testAccount, buySignal())

	// Backdate the position so it is past the recovery age.
	_, err := l.db.ExecContext(ctx, "UPDATE positions SET opened_at = ? WHERE id = ?",
		time.Now().Add(-time.Hour).UnixMilli(), posID)
	if err != nil {
		t.Fatalf("backdate failed: %v", err)
	}

	recovered, err := l.RecoverOrphans(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("recovery failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != posID {
		t.Fatalf("expected %s recovered, got %v", posID, recovered)
	}

	pos, _ := l.Position(ctx, posID)
	if pos.Status != types.PositionClosed {
		t.Errorf("orphan should be CLOSED, got %s", pos.Status)
	}

	// Margin is back and the chain still replays clean.
	state, err := l.Replay(ctx, testAccount)
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !state.Balance.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("balance %s, want 10000", state.Balance)
	}
	if !state.ReservedMargin.IsZero() {
		t.Errorf("reserved margin should be zero, got %s", state.ReservedMargin)
	}
	if err := l.VerifyReplay(ctx, testAccount); err != nil {
		t.Errorf("post-recovery replay mismatch: %v", err)
	}
}

func TestOpenRejectsMarginOverBalance(t *testing.T) {
	l := testLedger(t)

	sig := buySignal()
	sig.MarginRequired = 20000
	_, err := l.Open(context.Background(), testAccount, sig)
	if !errors.Is(err, ErrInvariantViolation) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

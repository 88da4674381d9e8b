package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "engine.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func makeCandles(n int, start time.Time) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		price := 2400.0 + float64(i)
		out[i] = types.Candle{
			Pair:      "XAU/USD",
			Timeframe: types.Timeframe15m,
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      price,
			High:      price + 2,
			Low:       price - 2,
			Close:     price + 1,
			Volume:    100,
		}
	}
	return out
}

func TestUpsertBatchInsertAndSkip(t *testing.T) {
	db := openTestDB(t)
	s := NewCandleStore(db, zap.NewNop())
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := makeCandles(10, start)

	res, err := s.UpsertBatch(ctx, candles)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if res.Inserted != 10 || res.Skipped != 0 {
		t.Errorf("expected 10 inserted, got %+v", res)
	}

	// Re-inserting the same batch with different prices must not modify rows.
	modified := makeCandles(10, start)
	for i := range modified {
		modified[i].Close = 9999
	}
	res, err = s.UpsertBatch(ctx, modified)
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	if res.Inserted != 0 || res.Skipped != 10 {
		t.Errorf("expected 10 skipped, got %+v", res)
	}

	got, err := s.GetRange(ctx, "XAU/USD", types.Timeframe15m, start, start.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("range query failed: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 candles, got %d", len(got))
	}
	if got[0].Close == 9999 {
		t.Error("duplicate upsert must keep the existing row")
	}
}

func TestUpsertBatchRejectsInvalid(t *testing.T) {
	db := openTestDB(t)
	s := NewCandleStore(db, zap.NewNop())
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := makeCandles(2, start)
	candles[1].High = candles[1].Low - 10

	res, err := s.UpsertBatch(ctx, candles)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if res.Inserted != 1 || len(res.Errors) != 1 {
		t.Errorf("expected 1 inserted and 1 error, got %+v", res)
	}
}

func TestGetAfterAndLatestTimestamp(t *testing.T) {
	db := openTestDB(t)
	s := NewCandleStore(db, zap.NewNop())
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if _, err := s.UpsertBatch(ctx, makeCandles(5, start)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	after, err := s.GetAfter(ctx, "XAU/USD", types.Timeframe15m, start.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("getAfter failed: %v", err)
	}
	if len(after) != 2 {
		t.Errorf("expected 2 candles strictly after, got %d", len(after))
	}

	latest, err := s.GetLatestTimestamp(ctx, "XAU/USD", types.Timeframe15m)
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if !latest.Equal(start.Add(4 * 15 * time.Minute)) {
		t.Errorf("unexpected latest: %v", latest)
	}

	empty, err := s.GetLatestTimestamp(ctx, "EUR/USD", types.Timeframe15m)
	if err != nil {
		t.Fatalf("latest on empty failed: %v", err)
	}
	if !empty.IsZero() {
		t.Errorf("empty series should report zero time, got %v", empty)
	}
}

func TestDetectGaps(t *testing.T) {
	db := openTestDB(t)
	s := NewCandleStore(db, zap.NewNop())
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	candles := makeCandles(10, start)
	// Remove candles 3, 4 and 7: one two-bar gap and one single-bar gap.
	holed := append([]types.Candle{}, candles[:3]...)
	holed = append(holed, candles[5:7]...)
	holed = append(holed, candles[8:]...)

	if _, err := s.UpsertBatch(ctx, holed); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	step := types.Timeframe15m.Millis()
	gaps, err := s.DetectGaps(ctx, "XAU/USD", types.Timeframe15m, start, start.Add(3*time.Hour), step)
	if err != nil {
		t.Fatalf("detectGaps failed: %v", err)
	}
	if len(gaps) != 2 {
		t.Fatalf("expected 2 gaps, got %d: %+v", len(gaps), gaps)
	}
	if gaps[0].Bars != 2 || !gaps[0].From.Equal(candles[3].Timestamp) || !gaps[0].To.Equal(candles[4].Timestamp) {
		t.Errorf("unexpected first gap: %+v", gaps[0])
	}
	if gaps[1].Bars != 1 || !gaps[1].From.Equal(candles[7].Timestamp) {
		t.Errorf("unexpected second gap: %+v", gaps[1])
	}
}

func TestIndicatorStoreRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewIndicatorStore(db, zap.NewNop())
	ctx := context.Background()

	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	var emas []types.IndicatorValue
	for i := 0; i < 5; i++ {
		emas = append(emas, types.IndicatorValue{
			Pair: "XAU/USD", Timeframe: types.Timeframe15m, Kind: types.IndicatorEMA,
			Period: 20, Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Value: 2400 + float64(i),
		})
	}
	if err := s.SaveEMABatch(ctx, emas); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	latest, ok, err := s.LatestValue(ctx, TableEMA, "XAU/USD", types.Timeframe15m, 20)
	if err != nil || !ok {
		t.Fatalf("latest failed: ok=%v err=%v", ok, err)
	}
	if latest.Value != 2404 {
		t.Errorf("unexpected latest value: %v", latest.Value)
	}

	_, ok, err = s.LatestValue(ctx, TableATR, "XAU/USD", types.Timeframe15m, 14)
	if err != nil {
		t.Fatalf("latest ATR failed: %v", err)
	}
	if ok {
		t.Error("no ATR rows saved, ok should be false")
	}

	if err := s.ClearAll(ctx, "XAU/USD", types.Timeframe15m); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	_, ok, _ = s.LatestValue(ctx, TableEMA, "XAU/USD", types.Timeframe15m, 20)
	if ok {
		t.Error("clear should remove all EMA rows")
	}
}

func TestDecisionStoreFirstWriteWins(t *testing.T) {
	db := openTestDB(t)
	s := NewDecisionStore(db, zap.NewNop())
	ctx := context.Background()

	ts := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	first := &types.Decision{
		ID: "dec_1", Pair: "XAU/USD", Timeframe: types.Timeframe15m,
		CandleTimestamp: ts, Decision: types.DecisionNoTrade,
		Regime: types.RegimeRanging, Reason: "regime ranging", CreatedAt: ts,
	}
	audits := []types.AuditRecord{
		{DecisionID: "dec_1", Stage: types.StageRegime, Status: types.StageFailed, Details: "ranging", CreatedAt: ts},
	}
	if err := s.SaveDecision(ctx, first, audits, nil); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// A later evaluation of the same candle must not displace the original,
	// even when it reaches a different outcome.
	second := &types.Decision{
		ID: "dec_2", Pair: "XAU/USD", Timeframe: types.Timeframe15m,
		CandleTimestamp: ts, Decision: types.DecisionBuy,
		Regime: types.RegimeBullishTrend, SetupType: types.SetupPullbackEMA20,
		ConfidenceScore: 0.8, Reason: "qualified", CreatedAt: ts.Add(time.Minute),
	}
	sig := &types.TradeSignal{
		DecisionID: "dec_2", Direction: types.DecisionBuy,
		EntryPrice: 2400, StopLoss: 2390, TakeProfit: 2430,
		RRRatio: 3, RiskPercent: 0.01, Leverage: 100,
		PositionSize: 10, MarginRequired: 240, CreatedAt: ts.Add(time.Minute),
	}
	allStages := []types.AuditRecord{}
	for _, st := range []types.Stage{types.StageRegime, types.StageSetup, types.StageQualification,
		types.StageRisk, types.StageRR, types.StageConfidence, types.StageTime} {
		allStages = append(allStages, types.AuditRecord{
			DecisionID: "dec_2", Stage: st, Status: types.StagePassed, CreatedAt: ts,
		})
	}
	if err := s.SaveDecision(ctx, second, allStages, sig); err != nil {
		t.Fatalf("no-op save must not error: %v", err)
	}

	got, err := s.GetDecision(ctx, "dec_1")
	if err != nil || got == nil {
		t.Fatalf("original decision should survive: %v %v", got, err)
	}
	if got.Decision != types.DecisionNoTrade || got.Regime != types.RegimeRanging {
		t.Errorf("original decision mutated: %+v", got)
	}

	if dup, err := s.GetDecision(ctx, "dec_2"); err != nil || dup != nil {
		t.Errorf("second decision must not be persisted: %v %v", dup, err)
	}

	trail, err := s.GetAuditTrail(ctx, "dec_1")
	if err != nil {
		t.Fatalf("audit trail failed: %v", err)
	}
	if len(trail) != 1 || trail[0].Stage != types.StageRegime || trail[0].Status != types.StageFailed {
		t.Errorf("original audit trail mutated: %+v", trail)
	}
	if dupTrail, err := s.GetAuditTrail(ctx, "dec_2"); err != nil || len(dupTrail) != 0 {
		t.Errorf("second audit trail must not be persisted: %v %v", dupTrail, err)
	}
	if dupSig, err := s.GetSignal(ctx, "dec_2"); err != nil || dupSig != nil {
		t.Errorf("second signal must not be persisted: %v %v", dupSig, err)
	}

	decided, err := s.HasDecisionAt(ctx, "XAU/USD", types.Timeframe15m, ts)
	if err != nil || !decided {
		t.Fatalf("candle should report as decided: ok=%v err=%v", decided, err)
	}
	decided, err = s.HasDecisionAt(ctx, "XAU/USD", types.Timeframe15m, ts.Add(15*time.Minute))
	if err != nil || decided {
		t.Errorf("undecided candle should report false: ok=%v err=%v", decided, err)
	}
}

func TestStrategyRunRoundTrip(t *testing.T) {
	db := openTestDB(t)
	s := NewDecisionStore(db, zap.NewNop())
	ctx := context.Background()

	started := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	run := &types.StrategyRun{
		ID: "run_1", Pair: "XAU/USD", Timeframe: types.Timeframe15m,
		CandlesEvaluated: 96, Decisions: 96, Signals: 3,
		StartedAt: started, CompletedAt: started.Add(time.Second),
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run failed: %v", err)
	}

	runs, err := s.GetRuns(ctx, "XAU/USD", types.Timeframe15m, 10)
	if err != nil {
		t.Fatalf("get runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Signals != 3 {
		t.Errorf("unexpected runs: %+v", runs)
	}
}

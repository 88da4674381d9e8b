package indicator

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/store"
	"github.com/meridianfx/trading-engine/pkg/types"
)

func TestComputeEMASeed(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5, 6}
	s := ComputeEMA(closes, 5)

	if s.Offset != 4 {
		t.Fatalf("expected offset 4, got %d", s.Offset)
	}
	if len(s.Values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(s.Values))
	}
	// Seed is SMA(1..5) = 3.
	if s.Values[0] != 3 {
		t.Errorf("seed should be SMA 3, got %v", s.Values[0])
	}
	// Next: alpha = 2/6, 6*(1/3) + 3*(2/3) = 4.
	if math.Abs(s.Values[1]-4) > 1e-12 {
		t.Errorf("expected 4, got %v", s.Values[1])
	}
}

func TestComputeEMAConstantSeries(t *testing.T) {
	closes := make([]float64, 300)
	for i := range closes {
		closes[i] = 2400
	}
	for _, period := range EMAPeriods {
		s := ComputeEMA(closes, period)
		for i, v := range s.Values {
			if math.Abs(v-2400) > 1e-9 {
				t.Fatalf("period %d value %d drifted: %v", period, i, v)
			}
		}
	}
}

func TestComputeEMATooFewCloses(t *testing.T) {
	if s := ComputeEMA([]float64{1, 2, 3}, 20); len(s.Values) != 0 {
		t.Errorf("expected no values, got %d", len(s.Values))
	}
}

func TestComputeATRWilder(t *testing.T) {
	// Constant 2-point range, no gaps: every TR is 2, ATR stays 2.
	candles := make([]types.Candle, 20)
	for i := range candles {
		candles[i] = types.Candle{High: 101, Low: 99, Open: 100, Close: 100}
	}
	s := ComputeATR(candles, 14)
	if s.Offset != 14 {
		t.Fatalf("expected offset 14, got %d", s.Offset)
	}
	if len(s.Values) != 6 {
		t.Fatalf("expected 6 values, got %d", len(s.Values))
	}
	for _, v := range s.Values {
		if math.Abs(v-2) > 1e-12 {
			t.Fatalf("ATR should stay 2, got %v", v)
		}
	}
}

func TestComputeATRGapDominates(t *testing.T) {
	// A large close-to-open gap must enter the true range.
	candles := []types.Candle{
		{High: 101, Low: 99, Close: 100},
		{High: 111, Low: 109, Close: 110},
	}
	tr := trueRange(&candles[1], candles[0].Close)
	if tr != 11 {
		t.Errorf("expected TR 11 (|high-prevClose|), got %v", tr)
	}
}

func swingCandles(highs, lows []float64) []types.Candle {
	start := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, len(highs))
	for i := range highs {
		out[i] = types.Candle{
			Pair: "XAU/USD", Timeframe: types.Timeframe15m,
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			High:      highs[i], Low: lows[i],
			Open: (highs[i] + lows[i]) / 2, Close: (highs[i] + lows[i]) / 2,
		}
	}
	return out
}

func TestDetectSwingsBasic(t *testing.T) {
	highs := []float64{10, 10, 10, 10, 10, 20, 10, 10, 10, 10, 10}
	lows := []float64{5, 5, 5, 5, 5, 6, 5, 5, 5, 5, 5}

	swings := DetectSwings(swingCandles(highs, lows), 5)
	if len(swings) != 1 {
		t.Fatalf("expected 1 swing, got %d: %+v", len(swings), swings)
	}
	if swings[0].Type != types.SwingHigh || swings[0].Price != 20 {
		t.Errorf("unexpected swing: %+v", swings[0])
	}
}

func TestDetectSwingsLeftWinsTies(t *testing.T) {
	// Two equal highs at indexes 5 and 7 inside each other's windows.
	highs := []float64{10, 10, 10, 10, 10, 20, 10, 20, 10, 10, 10, 10, 10}
	lows := make([]float64, len(highs))
	for i := range lows {
		lows[i] = 5
	}

	swings := DetectSwings(swingCandles(highs, lows), 5)
	if len(swings) != 1 {
		t.Fatalf("expected exactly one swing from the tie, got %d", len(swings))
	}
	want := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC).Add(5 * 15 * time.Minute)
	if !swings[0].Timestamp.Equal(want) {
		t.Errorf("left candidate should win the tie, got %v", swings[0].Timestamp)
	}
}

func TestDetectSwingsNoEmissionInRightmostBars(t *testing.T) {
	// Peak in the final 5 bars cannot confirm.
	highs := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 10, 20}
	lows := make([]float64, len(highs))
	for i := range lows {
		lows[i] = 5
	}
	if swings := DetectSwings(swingCandles(highs, lows), 5); len(swings) != 0 {
		t.Errorf("rightmost bars must not emit swings, got %+v", swings)
	}
}

func seedStores(t *testing.T) (*Engine, *store.CandleStore, *store.IndicatorStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	candles := store.NewCandleStore(db, zap.NewNop())
	indicators := store.NewIndicatorStore(db, zap.NewNop())
	return NewEngine(zap.NewNop(), candles, indicators), candles, indicators
}

// marketCandles generates a deterministic wavy series long enough for EMA200.
func marketCandles(n int) []types.Candle {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, n)
	for i := range out {
		base := 2400 + 30*math.Sin(float64(i)/12) + 10*math.Sin(float64(i)/5)
		out[i] = types.Candle{
			Pair: "XAU/USD", Timeframe: types.Timeframe15m,
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      base, High: base + 3, Low: base - 3, Close: base + 1,
			Volume: 100,
		}
	}
	return out
}

func TestHistoricalBuildDeterministic(t *testing.T) {
	engine, candles, indicators := seedStores(t)
	ctx := context.Background()

	if _, err := candles.UpsertBatch(ctx, marketCandles(300)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	r1, err := engine.RunHistoricalBuild(ctx, "XAU/USD", types.Timeframe15m)
	if err != nil {
		t.Fatalf("first build failed: %v", err)
	}
	first, err := indicators.GetValuesRange(ctx, store.TableEMA, "XAU/USD", types.Timeframe15m, 20,
		time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	r2, err := engine.RunHistoricalBuild(ctx, "XAU/USD", types.Timeframe15m)
	if err != nil {
		t.Fatalf("second build failed: %v", err)
	}
	second, err := indicators.GetValuesRange(ctx, store.TableEMA, "XAU/USD", types.Timeframe15m, 20,
		time.Time{}, time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if r1.EMAValues != r2.EMAValues || r1.ATRValues != r2.ATRValues || r1.Swings != r2.Swings {
		t.Errorf("build counts differ: %+v vs %+v", r1, r2)
	}
	if len(first) != len(second) {
		t.Fatalf("series lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Value != second[i].Value {
			t.Fatalf("value %d differs between identical builds", i)
		}
	}
}

func TestIncrementalMatchesHistorical(t *testing.T) {
	all := marketCandles(320)
	ctx := context.Background()

	// Reference: full historical build.
	refEngine, refCandles, refIndicators := seedStores(t)
	if _, err := refCandles.UpsertBatch(ctx, all); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := refEngine.RunHistoricalBuild(ctx, "XAU/USD", types.Timeframe15m); err != nil {
		t.Fatalf("reference build failed: %v", err)
	}

	// Candidate: build on the first 280, then incrementally extend by 40.
	engine, candles, indicators := seedStores(t)
	if _, err := candles.UpsertBatch(ctx, all[:280]); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if _, err := engine.RunHistoricalBuild(ctx, "XAU/USD", types.Timeframe15m); err != nil {
		t.Fatalf("partial build failed: %v", err)
	}
	if _, err := candles.UpsertBatch(ctx, all[280:]); err != nil {
		t.Fatalf("extend failed: %v", err)
	}
	res, err := engine.RunIncrementalUpdate(ctx, "XAU/USD", types.Timeframe15m)
	if err != nil {
		t.Fatalf("incremental failed: %v", err)
	}
	if res.Mode != "incremental" || res.CandlesProcessed != 40 {
		t.Fatalf("unexpected incremental result: %+v", res)
	}

	wide := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, period := range EMAPeriods {
		want, _ := refIndicators.GetValuesRange(ctx, store.TableEMA, "XAU/USD", types.Timeframe15m, period, time.Time{}, wide)
		got, _ := indicators.GetValuesRange(ctx, store.TableEMA, "XAU/USD", types.Timeframe15m, period, time.Time{}, wide)
		if len(want) != len(got) {
			t.Fatalf("period %d lengths differ: %d vs %d", period, len(want), len(got))
		}
		for i := range want {
			rel := math.Abs(want[i].Value-got[i].Value) / math.Max(math.Abs(want[i].Value), 1)
			if rel > 1e-8 {
				t.Fatalf("period %d value %d diverges: %v vs %v", period, i, want[i].Value, got[i].Value)
			}
		}
	}

	wantATR, _ := refIndicators.GetValuesRange(ctx, store.TableATR, "XAU/USD", types.Timeframe15m, ATRPeriod, time.Time{}, wide)
	gotATR, _ := indicators.GetValuesRange(ctx, store.TableATR, "XAU/USD", types.Timeframe15m, ATRPeriod, time.Time{}, wide)
	if len(wantATR) != len(gotATR) {
		t.Fatalf("ATR lengths differ: %d vs %d", len(wantATR), len(gotATR))
	}
	for i := range wantATR {
		rel := math.Abs(wantATR[i].Value-gotATR[i].Value) / math.Max(math.Abs(wantATR[i].Value), 1)
		if rel > 1e-8 {
			t.Fatalf("ATR value %d diverges: %v vs %v", i, wantATR[i].Value, gotATR[i].Value)
		}
	}

	wantSw, _ := refIndicators.GetSwingsRange(ctx, "XAU/USD", types.Timeframe15m, time.Time{}, wide)
	gotSw, _ := indicators.GetSwingsRange(ctx, "XAU/USD", types.Timeframe15m, time.Time{}, wide)
	if len(wantSw) != len(gotSw) {
		t.Fatalf("swing counts differ: %d vs %d", len(wantSw), len(gotSw))
	}

	// Alignment invariant: every indicator timestamp has a stored candle.
	stored, _ := candles.GetAll(ctx, "XAU/USD", types.Timeframe15m)
	known := make(map[int64]bool, len(stored))
	for _, c := range stored {
		known[c.Timestamp.UnixMilli()] = true
	}
	for _, v := range gotATR {
		if !known[v.Timestamp.UnixMilli()] {
			t.Fatalf("ATR value at %v has no candle", v.Timestamp)
		}
	}
}

func TestIncrementalFallsBackWithoutState(t *testing.T) {
	engine, candles, _ := seedStores(t)
	ctx := context.Background()

	if _, err := candles.UpsertBatch(ctx, marketCandles(250)); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	res, err := engine.RunIncrementalUpdate(ctx, "XAU/USD", types.Timeframe15m)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if res.Mode != "historical" {
		t.Errorf("expected fallback to historical build, got %q", res.Mode)
	}
}

package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/ratelimit"
	"github.com/meridianfx/trading-engine/internal/store"
	"github.com/meridianfx/trading-engine/pkg/types"
)

func TestSessionFilterWindow(t *testing.T) {
	weekdays := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	f := NewSessionFilter(7, 0, 21, 0, weekdays)

	// 2025-03-10 is a Monday.
	monday := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		ts   time.Time
		want bool
	}{
		{monday.Add(6*time.Hour + 59*time.Minute), false},
		{monday.Add(7 * time.Hour), true},
		{monday.Add(12 * time.Hour), true},
		{monday.Add(21 * time.Hour), true}, // end inclusive
		{monday.Add(21*time.Hour + time.Minute), false},
		{monday.AddDate(0, 0, 5).Add(12 * time.Hour), false}, // Saturday
		{monday.AddDate(0, 0, 6).Add(12 * time.Hour), false}, // Sunday
	}
	for _, c := range cases {
		if got := f.Allows(c.ts); got != c.want {
			t.Errorf("Allows(%v) = %v, want %v", c.ts, got, c.want)
		}
	}
}

func TestSessionFilterMidnightWrap(t *testing.T) {
	f := NewSessionFilter(22, 0, 2, 0, []time.Weekday{time.Monday, time.Tuesday})
	monday := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	if !f.Allows(monday.Add(23 * time.Hour)) {
		t.Error("23:00 should be inside a 22:00-02:00 window")
	}
	if !f.Allows(monday.Add(time.Hour)) {
		t.Error("01:00 should be inside a 22:00-02:00 window")
	}
	if f.Allows(monday.Add(12 * time.Hour)) {
		t.Error("12:00 should be outside a 22:00-02:00 window")
	}
}

func TestNormalizeMidPricing(t *testing.T) {
	ts := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	raw := []types.RawCandle{{
		Timestamp: ts,
		BidOpen:   2399.9, AskOpen: 2400.1,
		BidHigh: 2401.9, AskHigh: 2402.1,
		BidLow: 2397.9, AskLow: 2398.1,
		BidClose: 2400.9, AskClose: 2401.1,
		Volume: 100, HasBidAsk: true, Complete: true,
	}}

	res := Normalize("XAU/USD", types.Timeframe15m, raw)
	if len(res.Candles) != 1 || res.Dropped != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	c := res.Candles[0]
	if c.Open != 2400.0 || c.High != 2402.0 || c.Low != 2398.0 || c.Close != 2401.0 {
		t.Errorf("mid-pricing wrong: %+v", c)
	}
}

func TestNormalizeDrops(t *testing.T) {
	ts := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	raw := []types.RawCandle{
		{Timestamp: ts, Complete: true}, // no OHLC, no bid/ask
		{Timestamp: ts.Add(15 * time.Minute), Open: 100, High: 90, Low: 95, Close: 98, HasOHLC: true, Complete: true},
		{Timestamp: ts.Add(30 * time.Minute), Open: 100, High: 105, Low: 95, Close: 98, HasOHLC: true, Complete: true},
	}

	res := Normalize("XAU/USD", types.Timeframe15m, raw)
	if len(res.Candles) != 1 {
		t.Fatalf("expected 1 surviving candle, got %d", len(res.Candles))
	}
	if res.Dropped != 2 || len(res.Warnings) != 2 {
		t.Errorf("expected 2 drops with warnings, got %+v", res)
	}
}

func testPipeline(t *testing.T, adapter broker.Adapter, filter *SessionFilter) (*Pipeline, *store.CandleStore) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "engine.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	candles := store.NewCandleStore(db, zap.NewNop())
	limiter := ratelimit.NewManager(zap.NewNop(), ratelimit.Config{
		PerSecondLimit:       100,
		PerMinuteLimit:       1000,
		MaxCandlesPerRequest: 1000,
		BaseBackoff:          time.Millisecond,
		MaxBackoff:           5 * time.Millisecond,
		JitterFactor:         0,
		AdaptiveThreshold:    0.1,
	})
	return NewPipeline(zap.NewNop(), adapter, limiter, candles, filter, 3), candles
}

func TestBackfillIdempotent(t *testing.T) {
	mock := broker.NewMockAdapter(2400)
	p, candles := testPipeline(t, mock, nil)
	ctx := context.Background()

	to := time.Now().UTC().Truncate(15 * time.Minute)
	from := to.Add(-48 * time.Hour)

	res, err := p.Backfill(ctx, "XAU/USD", types.Timeframe15m, from, to, 1)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if res.TotalInserted == 0 {
		t.Fatal("expected inserted candles")
	}
	if res.BatchesProcessed != 2 {
		t.Errorf("expected 2 day batches, got %d", res.BatchesProcessed)
	}
	if len(res.Errors) != 0 {
		t.Errorf("unexpected errors: %v", res.Errors)
	}

	count, _ := candles.Count(ctx, "XAU/USD", types.Timeframe15m)
	if count != res.TotalInserted {
		t.Errorf("store holds %d candles, result says %d", count, res.TotalInserted)
	}

	// Second run over the same range inserts nothing new.
	res2, err := p.Backfill(ctx, "XAU/USD", types.Timeframe15m, from, to, 1)
	if err != nil {
		t.Fatalf("second backfill failed: %v", err)
	}
	if res2.TotalInserted != 0 {
		t.Errorf("idempotent re-run inserted %d", res2.TotalInserted)
	}
	if res2.TotalSkipped != res.TotalInserted {
		t.Errorf("expected %d skipped, got %d", res.TotalInserted, res2.TotalSkipped)
	}
}

func TestBackfillRetriesTransient(t *testing.T) {
	mock := broker.NewMockAdapter(2400)
	mock.ScriptErrors(broker.NewError(broker.KindConnection, "mock", "flaky", nil))
	p, _ := testPipeline(t, mock, nil)

	to := time.Now().UTC().Truncate(15 * time.Minute)
	from := to.Add(-6 * time.Hour)

	res, err := p.Backfill(context.Background(), "XAU/USD", types.Timeframe15m, from, to, 1)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if res.TotalInserted == 0 {
		t.Error("transient error should have been retried through")
	}
	if len(res.Errors) != 0 {
		t.Errorf("retried error should not surface: %v", res.Errors)
	}
}

func TestBackfillAbortsOnFatal(t *testing.T) {
	mock := broker.NewMockAdapter(2400)
	mock.ScriptErrors(broker.NewError(broker.KindAuthentication, "mock", "bad key", nil))
	p, _ := testPipeline(t, mock, nil)

	to := time.Now().UTC().Truncate(15 * time.Minute)
	from := to.Add(-72 * time.Hour)

	res, err := p.Backfill(context.Background(), "XAU/USD", types.Timeframe15m, from, to, 1)
	if err != nil {
		t.Fatalf("backfill returned hard error: %v", err)
	}
	if res.BatchesProcessed != 1 {
		t.Errorf("fatal error should abort after first batch, processed %d", res.BatchesProcessed)
	}
	if len(res.Errors) == 0 {
		t.Error("fatal error should be captured in result")
	}
}

func TestBackfillSessionFilterCounts(t *testing.T) {
	weekdays := []time.Weekday{
		time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
		time.Friday, time.Saturday, time.Sunday,
	}
	filter := NewSessionFilter(7, 0, 21, 0, weekdays)
	mock := broker.NewMockAdapter(2400)
	p, _ := testPipeline(t, mock, filter)

	to := time.Now().UTC().Truncate(24 * time.Hour)
	from := to.Add(-24 * time.Hour)

	res, err := p.Backfill(context.Background(), "XAU/USD", types.Timeframe15m, from, to, 1)
	if err != nil {
		t.Fatalf("backfill failed: %v", err)
	}
	if res.TotalFiltered == 0 {
		t.Error("out-of-session candles should be counted as filtered")
	}
	if res.TotalNormalized != res.TotalFiltered+res.TotalInserted+res.TotalSkipped {
		t.Errorf("counter identity broken: %+v", res)
	}
}

func TestIncrementalFromLatest(t *testing.T) {
	mock := broker.NewMockAdapter(2400)
	p, candles := testPipeline(t, mock, nil)
	ctx := context.Background()

	res, err := p.Incremental(ctx, "XAU/USD", types.Timeframe15m, 6)
	if err != nil {
		t.Fatalf("incremental failed: %v", err)
	}
	if res.NewCandlesFound == 0 {
		t.Fatal("expected new candles on empty store")
	}

	latest, _ := candles.GetLatestTimestamp(ctx, "XAU/USD", types.Timeframe15m)
	if latest.IsZero() {
		t.Fatal("store should have a latest timestamp")
	}

	// Immediate re-run picks up nothing new.
	res2, err := p.Incremental(ctx, "XAU/USD", types.Timeframe15m, 6)
	if err != nil {
		t.Fatalf("second incremental failed: %v", err)
	}
	if res2.NewCandlesFound != 0 {
		t.Errorf("expected 0 new candles, got %d", res2.NewCandlesFound)
	}
}

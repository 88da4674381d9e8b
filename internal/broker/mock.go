package broker

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// MockAdapter serves deterministic synthetic candles. The same (pair,
// timeframe, timestamp) always yields the same candle, so tests and paper
// runs are reproducible without network access.
type MockAdapter struct {
	mu        sync.Mutex
	basePrice float64
	calls     int
	errScript []error
	delay     time.Duration
}

// NewMockAdapter creates a synthetic feed anchored at basePrice.
func NewMockAdapter(basePrice float64) *MockAdapter {
	if basePrice <= 0 {
		basePrice = 2400.0
	}
	return &MockAdapter{basePrice: basePrice}
}

// Name returns the adapter identifier.
func (a *MockAdapter) Name() string { return "mock" }

// ScriptErrors queues errors returned by subsequent FetchCandles calls,
// one per call, before normal serving resumes.
func (a *MockAdapter) ScriptErrors(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.errScript = append(a.errScript, errs...)
}

// SetDelay makes each fetch sleep, for timeout testing.
func (a *MockAdapter) SetDelay(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delay = d
}

// Calls returns how many FetchCandles invocations have been made.
func (a *MockAdapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// FetchCandles generates completed candles on the timeframe grid in [from, to].
func (a *MockAdapter) FetchCandles(ctx context.Context, pair string, timeframe types.Timeframe, from, to time.Time) ([]types.RawCandle, error) {
	a.mu.Lock()
	a.calls++
	var scripted error
	if len(a.errScript) > 0 {
		scripted = a.errScript[0]
		a.errScript = a.errScript[1:]
	}
	delay := a.delay
	base := a.basePrice
	a.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewError(KindConnection, a.Name(), "fetch cancelled", ctx.Err())
		}
	}
	if scripted != nil {
		return nil, scripted
	}

	step := timeframe.Duration()
	if step == 0 {
		return nil, NewError(KindBadRequest, a.Name(), "unsupported timeframe", nil)
	}

	start := from.UTC().Truncate(step)
	if start.Before(from.UTC()) {
		start = start.Add(step)
	}
	end := to.UTC()
	now := time.Now().UTC()

	var candles []types.RawCandle
	for ts := start; !ts.After(end); ts = ts.Add(step) {
		if ts.Add(step).After(now) {
			break
		}
		candles = append(candles, a.synthesize(pair, ts, step, base))
	}
	return candles, nil
}

// ValidateConnection always succeeds for the mock feed.
func (a *MockAdapter) ValidateConnection(ctx context.Context) (bool, error) {
	return true, nil
}

// synthesize builds one candle from a deterministic hash of the pair and
// timestamp. Prices follow a slow sine drift with hash noise on top so the
// series looks like a market without being random between runs.
func (a *MockAdapter) synthesize(pair string, ts time.Time, step time.Duration, base float64) types.RawCandle {
	seed := hashSeed(pair, ts.Unix())
	next := hashSeed(pair, ts.Add(step).Unix())

	// Slow trend cycle (~5 days at 15m) plus per-candle noise.
	phase := float64(ts.Unix()) / (5 * 24 * 3600)
	trend := base * 0.01 * math.Sin(2*math.Pi*phase)
	noise := func(s uint64) float64 { return (float64(s%2001)/1000.0 - 1.0) * base * 0.0008 }

	open := base + trend + noise(seed)
	close := base + trend + noise(next)
	spanHi := math.Abs(noise(seed*31)) + base*0.0002
	spanLo := math.Abs(noise(seed*37)) + base*0.0002
	high := math.Max(open, close) + spanHi
	low := math.Min(open, close) - spanLo
	volume := 500 + float64(seed%1500)

	spread := base * 0.0001
	return types.RawCandle{
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		BidOpen:   open - spread/2,
		BidHigh:   high - spread/2,
		BidLow:    low - spread/2,
		BidClose:  close - spread/2,
		AskOpen:   open + spread/2,
		AskHigh:   high + spread/2,
		AskLow:    low + spread/2,
		AskClose:  close + spread/2,
		Volume:    volume,
		HasOHLC:   true,
		HasBidAsk: true,
		Complete:  true,
	}
}

// hashSeed is an FNV-1a style mix of the pair symbol and a timestamp.
func hashSeed(pair string, unix int64) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(pair); i++ {
		h ^= uint64(pair[i])
		h *= 1099511628211
	}
	v := uint64(unix)
	for i := 0; i < 8; i++ {
		h ^= (v >> (8 * i)) & 0xff
		h *= 1099511628211
	}
	return h
}

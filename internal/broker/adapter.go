// Package broker provides adapters over external candle providers.
//
// The trading engine talks to brokers through the Adapter interface only.
// Concrete implementations live in separate files:
//   - primary.go   – REST adapter for the primary provider (two-sided quotes)
//   - secondary.go – REST adapter for the fallback provider
//   - mock.go      – deterministic in-memory feed for tests and paper runs
package broker

import (
	"context"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// Adapter is the capability surface every broker must provide.
// FetchCandles returns completed candles only, chronologically ordered,
// with UTC timestamps.
type Adapter interface {
	Name() string
	FetchCandles(ctx context.Context, pair string, timeframe types.Timeframe, from, to time.Time) ([]types.RawCandle, error)
	ValidateConnection(ctx context.Context) (bool, error)
}

// validateSequence enforces the adapter contract on a fetched batch:
// chronological order and completed candles only. Out-of-contract batches
// indicate a provider bug and are surfaced as SERVER errors.
func validateSequence(name string, candles []types.RawCandle) ([]types.RawCandle, error) {
	out := make([]types.RawCandle, 0, len(candles))
	var prev time.Time
	for i := range candles {
		c := candles[i]
		if !c.Complete {
			continue
		}
		if !prev.IsZero() && !c.Timestamp.After(prev) {
			return nil, NewError(KindServer, name, "candle sequence not chronologically ordered", nil)
		}
		prev = c.Timestamp
		c.Timestamp = c.Timestamp.UTC()
		out = append(out, c)
	}
	return out, nil
}

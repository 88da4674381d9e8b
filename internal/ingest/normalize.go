package ingest

import (
	"fmt"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// NormalizeResult reports what happened to one raw batch.
type NormalizeResult struct {
	Candles  []types.Candle
	Dropped  int
	Warnings []string
}

// Normalize converts raw broker candles into canonical candles. Two-sided
// quotes are mid-priced; candles without usable OHLC or violating the OHLC
// invariants are dropped with a warning, never failing the batch.
func Normalize(pair string, tf types.Timeframe, raw []types.RawCandle) NormalizeResult {
	res := NormalizeResult{Candles: make([]types.Candle, 0, len(raw))}

	for i := range raw {
		r := &raw[i]
		c := types.Candle{
			Pair:      pair,
			Timeframe: tf,
			Timestamp: r.Timestamp.UTC(),
			Volume:    r.Volume,
		}
		switch {
		case r.HasOHLC:
			c.Open, c.High, c.Low, c.Close = r.Open, r.High, r.Low, r.Close
		case r.HasBidAsk:
			c.Open = mid(r.BidOpen, r.AskOpen)
			c.High = mid(r.BidHigh, r.AskHigh)
			c.Low = mid(r.BidLow, r.AskLow)
			c.Close = mid(r.BidClose, r.AskClose)
		default:
			res.Dropped++
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("%s: missing OHLC, dropped", r.Timestamp.Format(time.RFC3339)))
			continue
		}

		if err := c.Validate(); err != nil {
			res.Dropped++
			res.Warnings = append(res.Warnings, err.Error())
			continue
		}
		res.Candles = append(res.Candles, c)
	}
	return res
}

func mid(bid, ask float64) float64 {
	return (bid + ask) / 2
}

// Package types provides shared type definitions for the trading engine.
package types

import (
	"fmt"
	"time"
)

// Timeframe represents candle timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the length of one candle of this timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Millis returns the timeframe length in milliseconds.
func (tf Timeframe) Millis() int64 {
	return tf.Duration().Milliseconds()
}

// Candle is a canonical OHLCV bar. Identity is (Pair, Timeframe, Timestamp);
// timestamps are UTC and aligned to the timeframe grid.
type Candle struct {
	Pair      string    `json:"pair"`
	Timeframe Timeframe `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the OHLC invariants.
func (c *Candle) Validate() error {
	if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
		return fmt.Errorf("candle %s %s %s: negative field", c.Pair, c.Timeframe, c.Timestamp.Format(time.RFC3339))
	}
	if c.High < c.Low {
		return fmt.Errorf("candle %s: high %.5f < low %.5f", c.Timestamp.Format(time.RFC3339), c.High, c.Low)
	}
	if c.Low > min(c.Open, c.Close) {
		return fmt.Errorf("candle %s: low %.5f above body", c.Timestamp.Format(time.RFC3339), c.Low)
	}
	if c.High < max(c.Open, c.Close) {
		return fmt.Errorf("candle %s: high %.5f below body", c.Timestamp.Format(time.RFC3339), c.High)
	}
	return nil
}

// RawCandle is a broker payload candle before normalization. Bid/Ask fields
// are optional; adapters that quote two-sided markets fill both and leave the
// plain fields zero.
type RawCandle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	BidOpen   float64
	BidHigh   float64
	BidLow    float64
	BidClose  float64
	AskOpen   float64
	AskHigh   float64
	AskLow    float64
	AskClose  float64
	Volume    float64
	HasOHLC   bool
	HasBidAsk bool
	Complete  bool
}

// IndicatorKind identifies an indicator family
type IndicatorKind string

const (
	IndicatorEMA   IndicatorKind = "EMA"
	IndicatorATR   IndicatorKind = "ATR"
	IndicatorSwing IndicatorKind = "SWING"
)

// IndicatorValue is one persisted EMA or ATR sample, aligned 1:1 with a candle.
type IndicatorValue struct {
	Pair      string        `json:"pair"`
	Timeframe Timeframe     `json:"timeframe"`
	Kind      IndicatorKind `json:"kind"`
	Period    int           `json:"period"`
	Timestamp time.Time     `json:"timestamp"`
	Value     float64       `json:"value"`
}

// SwingType marks a swing point as a local high or low
type SwingType string

const (
	SwingHigh SwingType = "HIGH"
	SwingLow  SwingType = "LOW"
)

// SwingPoint is a confirmed local extremum with symmetric lookback.
type SwingPoint struct {
	Pair          string    `json:"pair"`
	Timeframe     Timeframe `json:"timeframe"`
	Timestamp     time.Time `json:"timestamp"`
	Type          SwingType `json:"type"`
	Price         float64   `json:"price"`
	LeftLookback  int       `json:"leftLookback"`
	RightLookback int       `json:"rightLookback"`
}

// IndicatorSnapshot is the aligned indicator state for a single candle,
// handed to the strategy engine.
type IndicatorSnapshot struct {
	Timestamp    time.Time    `json:"timestamp"`
	EMA20        float64      `json:"ema20"`
	EMA50        float64      `json:"ema50"`
	EMA200       float64      `json:"ema200"`
	EMA20Prev    float64      `json:"ema20Prev"`
	EMA50Prev    float64      `json:"ema50Prev"`
	EMA200Prev   float64      `json:"ema200Prev"`
	ATR14        float64      `json:"atr14"`
	ATRBaseline  float64      `json:"atrBaseline"` // longer-run ATR mean for context
	RecentSwings []SwingPoint `json:"recentSwings"`
}

// Package indicator computes and persists EMA, ATR, and swing point series
// for stored candles.
package indicator

import (
	"github.com/meridianfx/trading-engine/pkg/types"
)

// SwingLookback is the symmetric bar count a swing must dominate.
const SwingLookback = 5

// EMASeries holds one period's samples, aligned to candles[offset:].
type EMASeries struct {
	Period int
	Offset int
	Values []float64
}

// ComputeEMA runs the standard recurrence over closes. The seed at index
// period-1 is the SMA of the first period closes; earlier indexes emit no
// value. Returns a zero-value series when there are too few closes.
func ComputeEMA(closes []float64, period int) EMASeries {
	s := EMASeries{Period: period, Offset: period - 1}
	if period < 1 || len(closes) < period {
		return s
	}

	var sum float64
	for _, c := range closes[:period] {
		sum += c
	}
	ema := sum / float64(period)
	s.Values = append(s.Values, ema)

	alpha := 2.0 / float64(period+1)
	for _, c := range closes[period:] {
		ema = alpha*c + (1-alpha)*ema
		s.Values = append(s.Values, ema)
	}
	return s
}

// ContinueEMA extends a series from a prior value across new closes.
func ContinueEMA(prev float64, period int, closes []float64) []float64 {
	alpha := 2.0 / float64(period+1)
	out := make([]float64, 0, len(closes))
	ema := prev
	for _, c := range closes {
		ema = alpha*c + (1-alpha)*ema
		out = append(out, ema)
	}
	return out
}

// ATRSeries holds Wilder-smoothed ATR samples aligned to candles[Offset:].
type ATRSeries struct {
	Period int
	Offset int
	Values []float64
}

// ComputeATR computes Wilder's ATR. True range needs the prior close, so the
// first sample sits at index period (the mean of the first period true
// ranges), smoothed thereafter.
func ComputeATR(candles []types.Candle, period int) ATRSeries {
	s := ATRSeries{Period: period, Offset: period}
	if period < 1 || len(candles) < period+1 {
		return s
	}

	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		trs = append(trs, trueRange(&candles[i], candles[i-1].Close))
	}

	var sum float64
	for _, tr := range trs[:period] {
		sum += tr
	}
	atr := sum / float64(period)
	s.Values = append(s.Values, atr)

	for _, tr := range trs[period:] {
		atr = (atr*float64(period-1) + tr) / float64(period)
		s.Values = append(s.Values, atr)
	}
	return s
}

// ContinueATR extends Wilder smoothing across new candles. prevClose is the
// close of the candle the prior ATR sample belongs to.
func ContinueATR(prevATR, prevClose float64, period int, candles []types.Candle) []float64 {
	out := make([]float64, 0, len(candles))
	atr := prevATR
	pc := prevClose
	for i := range candles {
		tr := trueRange(&candles[i], pc)
		atr = (atr*float64(period-1) + tr) / float64(period)
		out = append(out, atr)
		pc = candles[i].Close
	}
	return out
}

func trueRange(c *types.Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if hc := abs(c.High - prevClose); hc > tr {
		tr = hc
	}
	if lc := abs(c.Low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

// DetectSwings finds confirmed local extrema with a symmetric lookback.
// A bar is a swing high when its high dominates the surrounding window,
// strictly on the left so the earlier of two equal highs wins the tie.
// The rightmost lookback bars can never confirm and emit nothing.
func DetectSwings(candles []types.Candle, lookback int) []types.SwingPoint {
	var swings []types.SwingPoint
	for i := lookback; i < len(candles)-lookback; i++ {
		c := &candles[i]
		if isSwing(candles, i, lookback, true) {
			swings = append(swings, types.SwingPoint{
				Pair:          c.Pair,
				Timeframe:     c.Timeframe,
				Timestamp:     c.Timestamp,
				Type:          types.SwingHigh,
				Price:         c.High,
				LeftLookback:  lookback,
				RightLookback: lookback,
			})
		}
		if isSwing(candles, i, lookback, false) {
			swings = append(swings, types.SwingPoint{
				Pair:          c.Pair,
				Timeframe:     c.Timeframe,
				Timestamp:     c.Timestamp,
				Type:          types.SwingLow,
				Price:         c.Low,
				LeftLookback:  lookback,
				RightLookback: lookback,
			})
		}
	}
	return swings
}

func isSwing(candles []types.Candle, i, lookback int, high bool) bool {
	val := func(j int) float64 {
		if high {
			return candles[j].High
		}
		return candles[j].Low
	}
	v := val(i)
	for j := i - lookback; j < i; j++ {
		if high && val(j) >= v {
			return false
		}
		if !high && val(j) <= v {
			return false
		}
	}
	for j := i + 1; j <= i+lookback; j++ {
		if high && val(j) > v {
			return false
		}
		if !high && val(j) < v {
			return false
		}
	}
	return true
}

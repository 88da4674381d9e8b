// Package strategy evaluates candles against the staged decision machine.
// Stages run in fixed order; a FAILED stage short-circuits to NO_TRADE while
// keeping the audit trail of everything evaluated.
package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// candidate is the in-flight trade hypothesis threaded through the stages.
type candidate struct {
	Direction     types.DecisionType
	Setup         types.SetupType
	Entry         float64
	StopLoss      float64
	TakeProfit    float64
	RRRatio       float64
	PositionSize  float64
	Margin        float64
	SetupScore    float64
	Confidence    float64
}

// atrRangeBounds define "normal" volatility as a band around the baseline.
const (
	atrRangeLow  = 0.5
	atrRangeHigh = 1.5
)

// pullbackTolerance scales ATR into the touch distance for pullback setups.
const pullbackTolerance = 0.5

// evaluateRegime classifies the market structure from EMA stacking, slope,
// and volatility context.
func evaluateRegime(c *types.Candle, snap *types.IndicatorSnapshot) (types.Regime, string) {
	stackedUp := snap.EMA20 > snap.EMA50 && snap.EMA50 > snap.EMA200
	stackedDown := snap.EMA20 < snap.EMA50 && snap.EMA50 < snap.EMA200
	slopeUp := snap.EMA20 > snap.EMA20Prev && snap.EMA50 > snap.EMA50Prev
	slopeDown := snap.EMA20 < snap.EMA20Prev && snap.EMA50 < snap.EMA50Prev

	switch {
	case stackedUp && slopeUp:
		return types.RegimeBullishTrend, "EMAs stacked bullish with rising slope"
	case stackedDown && slopeDown:
		return types.RegimeBearishTrend, "EMAs stacked bearish with falling slope"
	case !stackedUp && !stackedDown:
		if snap.ATRBaseline > 0 {
			ratio := snap.ATR14 / snap.ATRBaseline
			if ratio >= atrRangeLow && ratio <= atrRangeHigh {
				return types.RegimeRanging, fmt.Sprintf("EMAs interleaved, ATR ratio %.2f within range bounds", ratio)
			}
			return types.RegimeNoTrade, fmt.Sprintf("EMAs interleaved, ATR ratio %.2f outside range bounds", ratio)
		}
		return types.RegimeNoTrade, "EMAs interleaved, no ATR baseline"
	default:
		return types.RegimeNoTrade, "EMA stack without slope confirmation"
	}
}

// findSetup scans for an entry pattern consistent with the regime. Returns
// nil when no setup is present.
func findSetup(c *types.Candle, snap *types.IndicatorSnapshot, regime types.Regime) (*candidate, string) {
	if regime != types.RegimeBullishTrend && regime != types.RegimeBearishTrend {
		return nil, "no setups outside trend regimes"
	}
	bullish := regime == types.RegimeBullishTrend
	tolerance := pullbackTolerance * snap.ATR14

	direction := types.DecisionBuy
	if !bullish {
		direction = types.DecisionSell
	}

	// Pullback to EMA20: price tags the fast EMA and closes back with the trend.
	if touches(c, snap.EMA20, tolerance, bullish) && closesWithTrend(c, bullish) {
		return &candidate{
			Direction: direction, Setup: types.SetupPullbackEMA20,
			Entry: c.Close, SetupScore: 0.9,
		}, "pullback tagged EMA20 and closed with trend"
	}

	// Pullback to EMA50: deeper retracement, slightly weaker.
	if touches(c, snap.EMA50, tolerance, bullish) && closesWithTrend(c, bullish) {
		return &candidate{
			Direction: direction, Setup: types.SetupPullbackEMA50,
			Entry: c.Close, SetupScore: 0.75,
		}, "pullback tagged EMA50 and closed with trend"
	}

	// Structure breakout: close beyond the most recent opposing swing.
	if sw, ok := lastSwing(snap.RecentSwings, breakoutSwingType(bullish)); ok {
		if (bullish && c.Close > sw.Price) || (!bullish && c.Close < sw.Price) {
			return &candidate{
				Direction: direction, Setup: types.SetupStructureBreakout,
				Entry: c.Close, SetupScore: 0.8,
			}, fmt.Sprintf("close broke swing %s at %.5f", sw.Type, sw.Price)
		}
	}

	// Continuation after sweep: wick pierces the protective swing, body closes
	// back inside with the trend.
	if sw, ok := lastSwing(snap.RecentSwings, protectiveSwingType(bullish)); ok {
		swept := (bullish && c.Low < sw.Price && c.Close > sw.Price) ||
			(!bullish && c.High > sw.Price && c.Close < sw.Price)
		if swept && closesWithTrend(c, bullish) {
			return &candidate{
				Direction: direction, Setup: types.SetupContinuationPostSweep,
				Entry: c.Close, SetupScore: 0.7,
			}, fmt.Sprintf("liquidity sweep of swing %s at %.5f", sw.Type, sw.Price)
		}
	}

	return nil, "no setup pattern matched"
}

func touches(c *types.Candle, level, tolerance float64, bullish bool) bool {
	if bullish {
		return c.Low <= level+tolerance && c.Close > level
	}
	return c.High >= level-tolerance && c.Close < level
}

func closesWithTrend(c *types.Candle, bullish bool) bool {
	if bullish {
		return c.Close > c.Open
	}
	return c.Close < c.Open
}

func breakoutSwingType(bullish bool) types.SwingType {
	if bullish {
		return types.SwingHigh
	}
	return types.SwingLow
}

func protectiveSwingType(bullish bool) types.SwingType {
	if bullish {
		return types.SwingLow
	}
	return types.SwingHigh
}

func lastSwing(swings []types.SwingPoint, kind types.SwingType) (types.SwingPoint, bool) {
	for i := len(swings) - 1; i >= 0; i-- {
		if swings[i].Type == kind {
			return swings[i], true
		}
	}
	return types.SwingPoint{}, false
}

// qualify derives stop-loss and take-profit from swing structure and ATR
// buffers, enforces direction consistency, and computes the RR ratio.
func qualify(cand *candidate, snap *types.IndicatorSnapshot) (string, error) {
	bullish := cand.Direction == types.DecisionBuy
	buffer := 0.5 * snap.ATR14

	if sw, ok := lastSwing(snap.RecentSwings, protectiveSwingType(bullish)); ok {
		if bullish {
			cand.StopLoss = sw.Price - buffer
		} else {
			cand.StopLoss = sw.Price + buffer
		}
	} else {
		// No structure; fall back to an ATR stop.
		if bullish {
			cand.StopLoss = cand.Entry - 2*snap.ATR14
		} else {
			cand.StopLoss = cand.Entry + 2*snap.ATR14
		}
	}

	risk := math.Abs(cand.Entry - cand.StopLoss)
	if risk <= 0 || math.IsNaN(risk) || math.IsInf(risk, 0) {
		return "", fmt.Errorf("degenerate stop distance %.8f", risk)
	}

	// Target the next opposing structure when it pays, else 2R.
	reward := 2 * risk
	if sw, ok := lastSwing(snap.RecentSwings, breakoutSwingType(bullish)); ok {
		structReward := sw.Price - cand.Entry
		if !bullish {
			structReward = cand.Entry - sw.Price
		}
		if structReward > reward {
			reward = structReward
		}
	}
	if bullish {
		cand.TakeProfit = cand.Entry + reward
	} else {
		cand.TakeProfit = cand.Entry - reward
	}

	if bullish && !(cand.StopLoss < cand.Entry && cand.Entry < cand.TakeProfit) {
		return "", fmt.Errorf("BUY levels inconsistent: SL %.5f entry %.5f TP %.5f", cand.StopLoss, cand.Entry, cand.TakeProfit)
	}
	if !bullish && !(cand.TakeProfit < cand.Entry && cand.Entry < cand.StopLoss) {
		return "", fmt.Errorf("SELL levels inconsistent: SL %.5f entry %.5f TP %.5f", cand.StopLoss, cand.Entry, cand.TakeProfit)
	}

	cand.RRRatio = math.Abs(cand.TakeProfit-cand.Entry) / risk
	if math.IsNaN(cand.RRRatio) || math.IsInf(cand.RRRatio, 0) {
		return "", fmt.Errorf("invalid rr ratio")
	}
	return fmt.Sprintf("SL %.5f TP %.5f rr %.2f", cand.StopLoss, cand.TakeProfit, cand.RRRatio), nil
}

// sizePosition derives position size from account risk.
func sizePosition(cand *candidate, balance, riskPercent float64) (string, error) {
	risk := math.Abs(cand.Entry - cand.StopLoss)
	if risk <= 0 {
		return "", fmt.Errorf("zero stop distance")
	}
	if balance <= 0 {
		return "", fmt.Errorf("non-positive account balance %.2f", balance)
	}
	cand.PositionSize = balance * riskPercent / risk
	if math.IsNaN(cand.PositionSize) || math.IsInf(cand.PositionSize, 0) || cand.PositionSize <= 0 {
		return "", fmt.Errorf("invalid position size")
	}
	return fmt.Sprintf("size %.4f at risk %.2f%%", cand.PositionSize, riskPercent*100), nil
}

// checkRR enforces the minimum reward ratio and the margin ceiling.
func checkRR(cand *candidate, minRR, leverage, freeMargin float64) (string, error) {
	if cand.RRRatio < minRR {
		return "", fmt.Errorf("rr %.2f below minimum %.2f", cand.RRRatio, minRR)
	}
	if leverage <= 0 {
		return "", fmt.Errorf("invalid leverage %.2f", leverage)
	}
	cand.Margin = cand.PositionSize * cand.Entry / leverage
	if cand.Margin > freeMargin {
		return "", fmt.Errorf("margin %.2f exceeds free margin %.2f", cand.Margin, freeMargin)
	}
	return fmt.Sprintf("rr %.2f margin %.2f", cand.RRRatio, cand.Margin), nil
}

// confidenceWeights bundles the five component weights.
type confidenceWeights struct {
	EMAAlignment float64
	Structure    float64
	ATRContext   float64
	TimeOfDay    float64
	RRQuality    float64
}

// scoreConfidence blends five [0,1] components into a final score.
func scoreConfidence(c *types.Candle, snap *types.IndicatorSnapshot, cand *candidate, w confidenceWeights) (float64, string, error) {
	emaScore := emaAlignmentScore(snap)
	structScore := cand.SetupScore
	atrScore := atrContextScore(snap)
	timeScore := timeOfDayScore(c.Timestamp)
	rrScore := clamp01((cand.RRRatio - 1) / 3)

	score := w.EMAAlignment*emaScore + w.Structure*structScore +
		w.ATRContext*atrScore + w.TimeOfDay*timeScore + w.RRQuality*rrScore
	if math.IsNaN(score) || score < 0 || score > 1 {
		return 0, "", fmt.Errorf("confidence score %.4f out of range", score)
	}
	cand.Confidence = score
	detail := fmt.Sprintf("ema %.2f structure %.2f atr %.2f time %.2f rr %.2f => %.3f",
		emaScore, structScore, atrScore, timeScore, rrScore, score)
	return score, detail, nil
}

// emaAlignmentScore measures how cleanly the EMAs are separated, scaled by ATR.
func emaAlignmentScore(snap *types.IndicatorSnapshot) float64 {
	if snap.ATR14 <= 0 {
		return 0
	}
	sep := math.Min(math.Abs(snap.EMA20-snap.EMA50), math.Abs(snap.EMA50-snap.EMA200))
	return clamp01(sep / snap.ATR14)
}

// atrContextScore rewards volatility near its baseline.
func atrContextScore(snap *types.IndicatorSnapshot) float64 {
	if snap.ATRBaseline <= 0 {
		return 0.5
	}
	return clamp01(1 - math.Abs(snap.ATR14/snap.ATRBaseline-1))
}

// timeOfDayScore favors the London/New York overlap.
func timeOfDayScore(ts time.Time) float64 {
	h := ts.UTC().Hour()
	switch {
	case h >= 12 && h <= 16:
		return 1.0
	case h >= 7 && h <= 20:
		return 0.7
	default:
		return 0.3
	}
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Min(1, math.Max(0, x))
}

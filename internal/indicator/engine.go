package indicator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/store"
	"github.com/meridianfx/trading-engine/pkg/types"
)

// EMAPeriods are the periods computed in one pass.
var EMAPeriods = []int{20, 50, 200}

// ATRPeriod is the Wilder smoothing period.
const ATRPeriod = 14

// Engine builds and maintains indicator series over stored candles.
// Every persisted value is aligned to a candle of equal timestamp and never
// depends on candles newer than itself.
type Engine struct {
	logger     *zap.Logger
	candles    *store.CandleStore
	indicators *store.IndicatorStore
}

// NewEngine creates an indicator engine.
func NewEngine(logger *zap.Logger, candles *store.CandleStore, indicators *store.IndicatorStore) *Engine {
	return &Engine{
		logger:     logger.Named("indicator"),
		candles:    candles,
		indicators: indicators,
	}
}

// BuildResult summarizes one engine run.
type BuildResult struct {
	CandlesProcessed int
	EMAValues        int
	ATRValues        int
	Swings           int
	Mode             string
	ProcessingTimeMs int64
}

// RunHistoricalBuild clears all indicator state for the pair/timeframe and
// recomputes everything from the full candle history. Idempotent.
func (e *Engine) RunHistoricalBuild(ctx context.Context, pair string, tf types.Timeframe) (*BuildResult, error) {
	started := time.Now()

	if err := e.indicators.ClearAll(ctx, pair, tf); err != nil {
		return nil, err
	}

	candles, err := e.candles.GetAll(ctx, pair, tf)
	if err != nil {
		return nil, err
	}
	result := &BuildResult{Mode: "historical", CandlesProcessed: len(candles)}
	if len(candles) == 0 {
		result.ProcessingTimeMs = time.Since(started).Milliseconds()
		return result, nil
	}

	closes := make([]float64, len(candles))
	for i := range candles {
		closes[i] = candles[i].Close
	}

	for _, period := range EMAPeriods {
		series := ComputeEMA(closes, period)
		values := make([]types.IndicatorValue, 0, len(series.Values))
		for i, v := range series.Values {
			values = append(values, types.IndicatorValue{
				Pair:      pair,
				Timeframe: tf,
				Kind:      types.IndicatorEMA,
				Period:    period,
				Timestamp: candles[series.Offset+i].Timestamp,
				Value:     v,
			})
		}
		if err := e.indicators.SaveEMABatch(ctx, values); err != nil {
			return nil, err
		}
		result.EMAValues += len(values)
	}

	atr := ComputeATR(candles, ATRPeriod)
	atrValues := make([]types.IndicatorValue, 0, len(atr.Values))
	for i, v := range atr.Values {
		atrValues = append(atrValues, types.IndicatorValue{
			Pair:      pair,
			Timeframe: tf,
			Kind:      types.IndicatorATR,
			Period:    ATRPeriod,
			Timestamp: candles[atr.Offset+i].Timestamp,
			Value:     v,
		})
	}
	if err := e.indicators.SaveATRBatch(ctx, atrValues); err != nil {
		return nil, err
	}
	result.ATRValues = len(atrValues)

	swings := DetectSwings(candles, SwingLookback)
	if err := e.indicators.SaveSwings(ctx, swings); err != nil {
		return nil, err
	}
	result.Swings = len(swings)

	result.ProcessingTimeMs = time.Since(started).Milliseconds()
	e.logger.Info("historical build complete",
		zap.String("pair", pair),
		zap.String("timeframe", string(tf)),
		zap.Int("candles", result.CandlesProcessed),
		zap.Int("emaValues", result.EMAValues),
		zap.Int("atrValues", result.ATRValues),
		zap.Int("swings", result.Swings))
	return result, nil
}

// RunIncrementalUpdate continues EMA and ATR from their latest persisted
// samples and re-evaluates swings over a trailing window. Falls back to a
// historical build when no prior state exists or the series are misaligned.
func (e *Engine) RunIncrementalUpdate(ctx context.Context, pair string, tf types.Timeframe) (*BuildResult, error) {
	started := time.Now()

	prior, ok, err := e.loadPriorState(ctx, pair, tf)
	if err != nil {
		return nil, err
	}
	if !ok {
		e.logger.Info("no usable prior indicator state, running historical build",
			zap.String("pair", pair), zap.String("timeframe", string(tf)))
		return e.RunHistoricalBuild(ctx, pair, tf)
	}

	newCandles, err := e.candles.GetAfter(ctx, pair, tf, prior.from)
	if err != nil {
		return nil, err
	}
	result := &BuildResult{Mode: "incremental", CandlesProcessed: len(newCandles)}
	if len(newCandles) == 0 {
		result.ProcessingTimeMs = time.Since(started).Milliseconds()
		return result, nil
	}

	closes := make([]float64, len(newCandles))
	for i := range newCandles {
		closes[i] = newCandles[i].Close
	}

	for _, period := range EMAPeriods {
		extended := ContinueEMA(prior.ema[period], period, closes)
		values := make([]types.IndicatorValue, 0, len(extended))
		for i, v := range extended {
			values = append(values, types.IndicatorValue{
				Pair:      pair,
				Timeframe: tf,
				Kind:      types.IndicatorEMA,
				Period:    period,
				Timestamp: newCandles[i].Timestamp,
				Value:     v,
			})
		}
		if err := e.indicators.SaveEMABatch(ctx, values); err != nil {
			return nil, err
		}
		result.EMAValues += len(values)
	}

	extended := ContinueATR(prior.atr, prior.closeAtFrom, ATRPeriod, newCandles)
	atrValues := make([]types.IndicatorValue, 0, len(extended))
	for i, v := range extended {
		atrValues = append(atrValues, types.IndicatorValue{
			Pair:      pair,
			Timeframe: tf,
			Kind:      types.IndicatorATR,
			Period:    ATRPeriod,
			Timestamp: newCandles[i].Timestamp,
			Value:     v,
		})
	}
	if err := e.indicators.SaveATRBatch(ctx, atrValues); err != nil {
		return nil, err
	}
	result.ATRValues = len(atrValues)

	swings, err := e.reevaluateSwings(ctx, pair, tf, prior.from)
	if err != nil {
		return nil, err
	}
	result.Swings = swings

	result.ProcessingTimeMs = time.Since(started).Milliseconds()
	e.logger.Info("incremental update complete",
		zap.String("pair", pair),
		zap.String("timeframe", string(tf)),
		zap.Int("newCandles", result.CandlesProcessed),
		zap.Int("swings", result.Swings))
	return result, nil
}

type priorState struct {
	from        time.Time
	ema         map[int]float64
	atr         float64
	closeAtFrom float64
}

// loadPriorState fetches the latest EMA/ATR samples. ok is false when any
// series is missing or their latest timestamps disagree, which would make a
// recurrence continuation unsound.
func (e *Engine) loadPriorState(ctx context.Context, pair string, tf types.Timeframe) (priorState, bool, error) {
	st := priorState{ema: make(map[int]float64)}

	var latest time.Time
	for _, period := range EMAPeriods {
		v, ok, err := e.indicators.LatestValue(ctx, store.TableEMA, pair, tf, period)
		if err != nil || !ok {
			return st, false, err
		}
		st.ema[period] = v.Value
		if latest.IsZero() {
			latest = v.Timestamp
		} else if !latest.Equal(v.Timestamp) {
			return st, false, nil
		}
	}

	av, ok, err := e.indicators.LatestValue(ctx, store.TableATR, pair, tf, ATRPeriod)
	if err != nil || !ok {
		return st, false, err
	}
	if !av.Timestamp.Equal(latest) {
		return st, false, nil
	}
	st.atr = av.Value
	st.from = latest

	anchor, err := e.candles.GetRange(ctx, pair, tf, latest, latest)
	if err != nil {
		return st, false, err
	}
	if len(anchor) != 1 {
		return st, false, fmt.Errorf("no candle aligned with indicator state at %s", latest.Format(time.RFC3339))
	}
	st.closeAtFrom = anchor[0].Close
	return st, true, nil
}

// reevaluateSwings recomputes swing points on a window spanning the last
// SwingLookback candles before the continuation point through the newest
// candle, so late-confirming swings near the old tip are picked up.
func (e *Engine) reevaluateSwings(ctx context.Context, pair string, tf types.Timeframe, from time.Time) (int, error) {
	// Candidates need SwingLookback bars of left context on top of the
	// re-evaluated region.
	windowStart := from.Add(-time.Duration(2*SwingLookback) * tf.Duration())
	window, err := e.candles.GetRange(ctx, pair, tf, windowStart, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if len(window) == 0 {
		return 0, nil
	}

	candidateFrom := from.Add(-time.Duration(SwingLookback) * tf.Duration())
	if err := e.indicators.DeleteSwingsAfter(ctx, pair, tf, candidateFrom); err != nil {
		return 0, err
	}

	all := DetectSwings(window, SwingLookback)
	kept := all[:0]
	for _, sw := range all {
		if !sw.Timestamp.Before(candidateFrom) {
			kept = append(kept, sw)
		}
	}
	if err := e.indicators.SaveSwings(ctx, kept); err != nil {
		return 0, err
	}
	return len(kept), nil
}

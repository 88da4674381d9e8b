package strategy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/internal/store"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/meridianfx/trading-engine/pkg/utils"
)

// Config parameterizes the decision machine.
type Config struct {
	MinRR         float64
	RiskPerTrade  float64
	Leverage      float64
	MinConfidence float64
	Weights       confidenceWeights

	WindowStartHour   int
	WindowStartMinute int
	WindowEndHour     int
	WindowEndMinute   int
	AllowedDays       map[time.Weekday]bool
}

// NewConfig assembles a strategy config from raw parameters.
func NewConfig(minRR, riskPerTrade, leverage, minConfidence float64,
	wEMA, wStruct, wATR, wTime, wRR float64,
	startHour, startMinute, endHour, endMinute int, days []time.Weekday) Config {
	allowed := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		allowed[d] = true
	}
	return Config{
		MinRR:         minRR,
		RiskPerTrade:  riskPerTrade,
		Leverage:      leverage,
		MinConfidence: minConfidence,
		Weights: confidenceWeights{
			EMAAlignment: wEMA,
			Structure:    wStruct,
			ATRContext:   wATR,
			TimeOfDay:    wTime,
			RRQuality:    wRR,
		},
		WindowStartHour:   startHour,
		WindowStartMinute: startMinute,
		WindowEndHour:     endHour,
		WindowEndMinute:   endMinute,
		AllowedDays:       allowed,
	}
}

// Account is the balance view the RISK and RR stages need.
type Account struct {
	Balance    float64
	FreeMargin float64
}

// Engine turns one candle plus its indicator snapshot into exactly one
// decision with a full stage audit.
type Engine struct {
	logger     *zap.Logger
	candles    *store.CandleStore
	decisions  *store.DecisionStore
	indicators *store.IndicatorStore
	cfg        Config
}

// NewEngine creates a strategy engine.
func NewEngine(logger *zap.Logger, candles *store.CandleStore, decisions *store.DecisionStore, indicators *store.IndicatorStore, cfg Config) *Engine {
	return &Engine{
		logger:     logger.Named("strategy"),
		candles:    candles,
		decisions:  decisions,
		indicators: indicators,
		cfg:        cfg,
	}
}

// evaluation accumulates the stage trail for one candle. stage names the
// stage currently executing so a panic is attributed to it, not to the last
// one that recorded.
type evaluation struct {
	decisionID string
	stage      types.Stage
	audits     []types.AuditRecord
}

func (ev *evaluation) enter(stage types.Stage) {
	ev.stage = stage
}

func (ev *evaluation) record(stage types.Stage, status types.StageStatus, details string) {
	ev.audits = append(ev.audits, types.AuditRecord{
		DecisionID: ev.decisionID,
		Stage:      stage,
		Status:     status,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	})
}

// ProcessCandle runs the staged evaluation. It always returns a decision and
// the audit trail; the signal is non-nil only for BUY/SELL outcomes. Stage
// panics are converted into a FAILED record with a NO_TRADE decision.
func (e *Engine) ProcessCandle(ctx context.Context, candle *types.Candle, snap *types.IndicatorSnapshot, account Account) (decision *types.Decision, audits []types.AuditRecord, signal *types.TradeSignal) {
	ev := &evaluation{decisionID: utils.GenerateDecisionID(), stage: types.StageRegime}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("stage panicked",
				zap.String("pair", candle.Pair),
				zap.Time("candle", candle.Timestamp),
				zap.String("stage", string(ev.stage)),
				zap.Any("panic", r))
			if len(ev.audits) == 0 || ev.audits[len(ev.audits)-1].Stage != ev.stage {
				ev.record(ev.stage, types.StageFailed, fmt.Sprintf("error: %v", r))
			}
			decision = e.noTrade(ev, candle, types.RegimeNoTrade, "", fmt.Sprintf("stage error: %v", r))
			audits = ev.audits
			signal = nil
		}
	}()

	// REGIME
	regime, detail := evaluateRegime(candle, snap)
	if regime == types.RegimeNoTrade || regime == types.RegimeRanging {
		ev.record(types.StageRegime, types.StageFailed, detail)
		return e.noTrade(ev, candle, regime, "", detail), ev.audits, nil
	}
	ev.record(types.StageRegime, types.StagePassed, detail)

	// SETUP
	ev.enter(types.StageSetup)
	cand, detail := findSetup(candle, snap, regime)
	if cand == nil {
		ev.record(types.StageSetup, types.StageFailed, detail)
		return e.noTrade(ev, candle, regime, "", detail), ev.audits, nil
	}
	ev.record(types.StageSetup, types.StagePassed, detail)

	// QUALIFICATION
	ev.enter(types.StageQualification)
	detail, err := qualify(cand, snap)
	if err != nil {
		ev.record(types.StageQualification, types.StageFailed, err.Error())
		return e.noTrade(ev, candle, regime, cand.Setup, err.Error()), ev.audits, nil
	}
	ev.record(types.StageQualification, types.StagePassed, detail)

	// RISK
	ev.enter(types.StageRisk)
	detail, err = sizePosition(cand, account.Balance, e.cfg.RiskPerTrade)
	if err != nil {
		ev.record(types.StageRisk, types.StageFailed, err.Error())
		return e.noTrade(ev, candle, regime, cand.Setup, err.Error()), ev.audits, nil
	}
	ev.record(types.StageRisk, types.StagePassed, detail)

	// RR
	ev.enter(types.StageRR)
	detail, err = checkRR(cand, e.cfg.MinRR, e.cfg.Leverage, account.FreeMargin)
	if err != nil {
		ev.record(types.StageRR, types.StageFailed, err.Error())
		return e.noTrade(ev, candle, regime, cand.Setup, err.Error()), ev.audits, nil
	}
	ev.record(types.StageRR, types.StagePassed, detail)

	// CONFIDENCE
	ev.enter(types.StageConfidence)
	score, detail, err := scoreConfidence(candle, snap, cand, e.cfg.Weights)
	if err != nil {
		ev.record(types.StageConfidence, types.StageFailed, err.Error())
		return e.noTrade(ev, candle, regime, cand.Setup, err.Error()), ev.audits, nil
	}
	if score < e.cfg.MinConfidence {
		msg := fmt.Sprintf("confidence %.3f below threshold %.3f (%s)", score, e.cfg.MinConfidence, detail)
		ev.record(types.StageConfidence, types.StageFailed, msg)
		return e.noTrade(ev, candle, regime, cand.Setup, msg), ev.audits, nil
	}
	ev.record(types.StageConfidence, types.StagePassed, detail)

	// TIME
	ev.enter(types.StageTime)
	if !e.inTradingWindow(candle.Timestamp) {
		msg := fmt.Sprintf("candle %s outside trading window", candle.Timestamp.UTC().Format("15:04 Mon"))
		ev.record(types.StageTime, types.StageFailed, msg)
		return e.noTrade(ev, candle, regime, cand.Setup, msg), ev.audits, nil
	}
	ev.record(types.StageTime, types.StagePassed, "inside trading window")

	now := time.Now().UTC()
	dec := &types.Decision{
		ID:              ev.decisionID,
		Pair:            candle.Pair,
		Timeframe:       candle.Timeframe,
		CandleTimestamp: candle.Timestamp,
		Decision:        cand.Direction,
		Regime:          regime,
		SetupType:       cand.Setup,
		ConfidenceScore: cand.Confidence,
		Reason:          fmt.Sprintf("%s in %s", cand.Setup, regime),
		TradingWindow:   e.windowLabel(),
		CreatedAt:       now,
	}
	sig := &types.TradeSignal{
		DecisionID:     ev.decisionID,
		Direction:      cand.Direction,
		EntryPrice:     cand.Entry,
		StopLoss:       cand.StopLoss,
		TakeProfit:     cand.TakeProfit,
		RRRatio:        cand.RRRatio,
		RiskPercent:    e.cfg.RiskPerTrade,
		Leverage:       e.cfg.Leverage,
		PositionSize:   cand.PositionSize,
		MarginRequired: cand.Margin,
		CreatedAt:      now,
	}
	return dec, ev.audits, sig
}

// RunBatch evaluates every candle strictly after `after`, persisting each
// decision. Candles that already carry a decision are skipped, so overlapping
// runs never re-evaluate. Stage errors never abort the batch.
func (e *Engine) RunBatch(ctx context.Context, pair string, tf types.Timeframe, after time.Time, account Account) (*types.StrategyRun, error) {
	run := &types.StrategyRun{
		ID:        utils.GenerateID("run"),
		Pair:      pair,
		Timeframe: tf,
		StartedAt: time.Now().UTC(),
	}

	candles, err := e.candles.GetAfter(ctx, pair, tf, after)
	if err != nil {
		run.Error = err.Error()
		run.CompletedAt = time.Now().UTC()
		return run, err
	}

	for i := range candles {
		if err := ctx.Err(); err != nil {
			run.Error = "cancelled"
			break
		}
		c := &candles[i]
		decided, err := e.decisions.HasDecisionAt(ctx, pair, tf, c.Timestamp)
		if err != nil {
			run.Error = err.Error()
			e.logger.Error("failed to check decision presence", zap.Error(err))
			continue
		}
		if decided {
			// Already evaluated on an earlier run; the first decision stands.
			continue
		}
		snap, err := e.indicators.SnapshotAt(ctx, pair, tf, c.Timestamp, 50*tf.Duration())
		if err != nil {
			// No aligned indicator state for this candle; skip, not an error.
			continue
		}
		dec, audits, sig := e.ProcessCandle(ctx, c, snap, account)
		if err := e.decisions.SaveDecision(ctx, dec, audits, sig); err != nil {
			run.Error = err.Error()
			e.logger.Error("failed to persist decision", zap.Error(err))
			continue
		}
		run.CandlesEvaluated++
		run.Decisions++
		if sig != nil {
			run.Signals++
		}
	}

	run.CompletedAt = time.Now().UTC()
	if err := e.decisions.SaveRun(ctx, run); err != nil {
		return run, err
	}
	e.logger.Info("strategy run complete",
		zap.String("pair", pair),
		zap.Int("candles", run.CandlesEvaluated),
		zap.Int("signals", run.Signals))
	return run, nil
}

func (e *Engine) noTrade(ev *evaluation, candle *types.Candle, regime types.Regime, setup types.SetupType, reason string) *types.Decision {
	return &types.Decision{
		ID:              ev.decisionID,
		Pair:            candle.Pair,
		Timeframe:       candle.Timeframe,
		CandleTimestamp: candle.Timestamp,
		Decision:        types.DecisionNoTrade,
		Regime:          regime,
		SetupType:       setup,
		Reason:          reason,
		TradingWindow:   e.windowLabel(),
		CreatedAt:       time.Now().UTC(),
	}
}

func (e *Engine) inTradingWindow(ts time.Time) bool {
	ts = ts.UTC()
	if !e.cfg.AllowedDays[ts.Weekday()] {
		return false
	}
	m := ts.Hour()*60 + ts.Minute()
	start := e.cfg.WindowStartHour*60 + e.cfg.WindowStartMinute
	end := e.cfg.WindowEndHour*60 + e.cfg.WindowEndMinute
	if start <= end {
		return m >= start && m <= end
	}
	return m >= start || m <= end
}

func (e *Engine) windowLabel() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d UTC",
		e.cfg.WindowStartHour, e.cfg.WindowStartMinute,
		e.cfg.WindowEndHour, e.cfg.WindowEndMinute)
}

// Package types provides strategy decision and signal types.
package types

import "time"

// DecisionType is the outcome of a strategy evaluation
type DecisionType string

const (
	DecisionBuy     DecisionType = "BUY"
	DecisionSell    DecisionType = "SELL"
	DecisionNoTrade DecisionType = "NO_TRADE"
)

// Regime classifies the market structure at a candle
type Regime string

const (
	RegimeBullishTrend Regime = "BULLISH_TREND"
	RegimeBearishTrend Regime = "BEARISH_TREND"
	RegimeRanging      Regime = "RANGING"
	RegimeNoTrade      Regime = "NO_TRADE"
)

// SetupType identifies the entry pattern a candidate trade is based on
type SetupType string

const (
	SetupPullbackEMA20         SetupType = "PULLBACK_TO_EMA20"
	SetupPullbackEMA50         SetupType = "PULLBACK_TO_EMA50"
	SetupStructureBreakout     SetupType = "STRUCTURE_BREAKOUT"
	SetupContinuationPostSweep SetupType = "CONTINUATION_AFTER_SWEEP"
)

// Stage is one step of the decision machine, executed in fixed order
type Stage string

const (
	StageRegime        Stage = "REGIME"
	StageSetup         Stage = "SETUP"
	StageQualification Stage = "QUALIFICATION"
	StageRisk          Stage = "RISK"
	StageRR            Stage = "RR"
	StageConfidence    Stage = "CONFIDENCE"
	StageTime          Stage = "TIME"
)

// StageStatus is the result of a single stage
type StageStatus string

const (
	StagePassed StageStatus = "PASSED"
	StageFailed StageStatus = "FAILED"
)

// Decision is the single immutable outcome for one candle.
// Exactly one decision exists per (pair, timeframe, candle timestamp).
type Decision struct {
	ID              string       `json:"id"`
	Pair            string       `json:"pair"`
	Timeframe       Timeframe    `json:"timeframe"`
	CandleTimestamp time.Time    `json:"candleTimestamp"`
	Decision        DecisionType `json:"decision"`
	Regime          Regime       `json:"regime"`
	SetupType       SetupType    `json:"setupType,omitempty"`
	ConfidenceScore float64      `json:"confidenceScore"`
	Reason          string       `json:"reason"`
	TradingWindow   string       `json:"tradingWindow"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// AuditRecord captures the inputs and outcome of one stage of a decision.
// A FAILED record short-circuits all later stages.
type AuditRecord struct {
	DecisionID string      `json:"decisionId"`
	Stage      Stage       `json:"stage"`
	Status     StageStatus `json:"status"`
	Details    string      `json:"details"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// TradeSignal exists for every non-NO_TRADE decision.
// BUY: StopLoss < EntryPrice < TakeProfit. SELL is mirrored.
type TradeSignal struct {
	DecisionID     string       `json:"decisionId"`
	Direction      DecisionType `json:"direction"`
	EntryPrice     float64      `json:"entryPrice"`
	StopLoss       float64      `json:"stopLoss"`
	TakeProfit     float64      `json:"takeProfit"`
	RRRatio        float64      `json:"rrRatio"`
	RiskPercent    float64      `json:"riskPercent"`
	Leverage       float64      `json:"leverage"`
	PositionSize   float64      `json:"positionSize"`
	MarginRequired float64      `json:"marginRequired"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// StrategyRun summarizes one strategy execution over a batch of candles.
type StrategyRun struct {
	ID               string    `json:"id"`
	Pair             string    `json:"pair"`
	Timeframe        Timeframe `json:"timeframe"`
	CandlesEvaluated int       `json:"candlesEvaluated"`
	Decisions        int       `json:"decisions"`
	Signals          int       `json:"signals"`
	StartedAt        time.Time `json:"startedAt"`
	CompletedAt      time.Time `json:"completedAt"`
	Error            string    `json:"error,omitempty"`
}

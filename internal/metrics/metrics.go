// Package metrics exposes engine counters in Prometheus exposition format.
//
// Primary series:
//   - engine_jobs_total{type,status}        – finished jobs by outcome
//   - engine_jobs_active                    – queued + running jobs
//   - engine_candles_total{pair,stage}      – ingestion funnel (fetched/normalized/filtered/inserted/skipped)
//   - engine_gaps_detected_total{pair}      – gaps found during incremental runs
//   - engine_decisions_total{decision}      – strategy outcomes (BUY/SELL/NO_TRADE)
//   - engine_signals_total{direction}       – emitted trade signals
//   - engine_rate_limit_multiplier          – current adaptive budget multiplier
//   - engine_rate_limit_backoffs_total      – backoff waits taken
//   - engine_account_balance{account}       – materialized account balance
//   - engine_positions_open                 – PENDING + OPEN positions
//   - engine_memory_bytes                   – process RSS
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// Metrics owns the engine's Prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	jobsTotal  *prometheus.CounterVec
	jobsActive prometheus.Gauge

	candlesTotal *prometheus.CounterVec
	gapsTotal    *prometheus.CounterVec

	decisionsTotal *prometheus.CounterVec
	signalsTotal   *prometheus.CounterVec

	rateLimitMultiplier prometheus.Gauge
	backoffsTotal       prometheus.Counter

	accountBalance *prometheus.GaugeVec
	positionsOpen  prometheus.Gauge
	memoryBytes    prometheus.Gauge
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_jobs_total",
				Help: "Finished jobs by type and terminal status",
			},
			[]string{"type", "status"},
		),
		jobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_jobs_active",
				Help: "Queued plus running jobs",
			},
		),
		candlesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_candles_total",
				Help: "Ingestion funnel counts by stage",
			},
			[]string{"pair", "stage"},
		),
		gapsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_gaps_detected_total",
				Help: "Gaps detected during incremental ingestion",
			},
			[]string{"pair"},
		),
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_decisions_total",
				Help: "Strategy decisions by outcome",
			},
			[]string{"decision"},
		),
		signalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "engine_signals_total",
				Help: "Trade signals by direction",
			},
			[]string{"direction"},
		),
		rateLimitMultiplier: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_rate_limit_multiplier",
				Help: "Adaptive per-minute budget multiplier (0.5..1.0)",
			},
		),
		backoffsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "engine_rate_limit_backoffs_total",
				Help: "Backoff waits taken against the broker",
			},
		),
		accountBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "engine_account_balance",
				Help: "Materialized account balance",
			},
			[]string{"account"},
		),
		positionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_positions_open",
				Help: "Positions currently PENDING or OPEN",
			},
		),
		memoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "engine_memory_bytes",
				Help: "Process resident set size",
			},
		),
	}
	m.registry.MustRegister(
		m.jobsTotal, m.jobsActive,
		m.candlesTotal, m.gapsTotal,
		m.decisionsTotal, m.signalsTotal,
		m.rateLimitMultiplier, m.backoffsTotal,
		m.accountBalance, m.positionsOpen, m.memoryBytes,
	)
	return m
}

// Handler serves the registry in text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// JobFinished records one terminal job outcome.
func (m *Metrics) JobFinished(jobType types.JobType, status types.JobStatus) {
	m.jobsTotal.WithLabelValues(string(jobType), string(status)).Inc()
}

// SetActiveJobs updates the queued+running gauge.
func (m *Metrics) SetActiveJobs(n int) { m.jobsActive.Set(float64(n)) }

// RecordIngestion folds an ingestion result into the funnel counters.
func (m *Metrics) RecordIngestion(pair string, res *types.IngestionResult) {
	if res == nil {
		return
	}
	m.candlesTotal.WithLabelValues(pair, "fetched").Add(float64(res.TotalFetched))
	m.candlesTotal.WithLabelValues(pair, "normalized").Add(float64(res.TotalNormalized))
	m.candlesTotal.WithLabelValues(pair, "filtered").Add(float64(res.TotalFiltered))
	m.candlesTotal.WithLabelValues(pair, "inserted").Add(float64(res.TotalInserted))
	m.candlesTotal.WithLabelValues(pair, "skipped").Add(float64(res.TotalSkipped))
	if res.GapDetected {
		m.gapsTotal.WithLabelValues(pair).Inc()
	}
}

// RecordDecision counts a decision and, when present, its signal.
func (m *Metrics) RecordDecision(decision *types.Decision, signal *types.TradeSignal) {
	if decision != nil {
		m.decisionsTotal.WithLabelValues(string(decision.Decision)).Inc()
	}
	if signal != nil {
		m.signalsTotal.WithLabelValues(string(signal.Direction)).Inc()
	}
}

// SetRateLimitMultiplier publishes the adaptive multiplier.
func (m *Metrics) SetRateLimitMultiplier(v float64) { m.rateLimitMultiplier.Set(v) }

// BackoffTaken counts one backoff wait.
func (m *Metrics) BackoffTaken() { m.backoffsTotal.Inc() }

// SetAccountBalance publishes an account's materialized balance.
func (m *Metrics) SetAccountBalance(accountID string, balance float64) {
	m.accountBalance.WithLabelValues(accountID).Set(balance)
}

// SetOpenPositions updates the open-position gauge.
func (m *Metrics) SetOpenPositions(n int) { m.positionsOpen.Set(float64(n)) }

// SetMemoryBytes publishes process RSS.
func (m *Metrics) SetMemoryBytes(n uint64) { m.memoryBytes.Set(float64(n)) }

// Package main provides the entry point for the trading engine:
// candle ingestion, indicator computation, staged strategy evaluation,
// and the position ledger, coordinated as jobs behind an HTTP/WS API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/meridianfx/trading-engine/internal/api"
	"github.com/meridianfx/trading-engine/internal/broker"
	"github.com/meridianfx/trading-engine/internal/config"
	"github.com/meridianfx/trading-engine/internal/coordinator"
	"github.com/meridianfx/trading-engine/internal/events"
	"github.com/meridianfx/trading-engine/internal/indicator"
	"github.com/meridianfx/trading-engine/internal/ingest"
	"github.com/meridianfx/trading-engine/internal/ledger"
	"github.com/meridianfx/trading-engine/internal/metrics"
	"github.com/meridianfx/trading-engine/internal/ratelimit"
	"github.com/meridianfx/trading-engine/internal/store"
	"github.com/meridianfx/trading-engine/internal/strategy"
	"github.com/meridianfx/trading-engine/pkg/types"
	"github.com/meridianfx/trading-engine/pkg/utils"
)

const defaultAccount = "acct_main"

func main() {
	envFile := flag.String("env", ".env", "Environment file")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	pairsFlag := flag.String("pairs", "XAU/USD", "Comma-separated pairs to schedule")
	openingBalance := flag.Float64("opening-balance", 10000, "Opening balance for the default account")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		// A missing .env is fine; a malformed one is not.
		panic(err)
	}

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	pairs := strings.Split(*pairsFlag, ",")
	for i := range pairs {
		pairs[i] = strings.TrimSpace(pairs[i])
	}

	logger.Info("starting trading engine",
		zap.String("broker", cfg.Broker.Type),
		zap.Strings("pairs", pairs),
		zap.String("database", cfg.Database.Path))

	db, err := store.Open(cfg.Database.Path, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer db.Close()

	candles := store.NewCandleStore(db, logger)
	indicators := store.NewIndicatorStore(db, logger)
	decisions := store.NewDecisionStore(db, logger)

	adapter := buildAdapter(logger, cfg.Broker)
	limiter := ratelimit.NewManager(logger, ratelimit.Config{
		PerSecondLimit:       cfg.RateLimit.PerSecond,
		PerMinuteLimit:       cfg.RateLimit.PerMinute,
		MaxCandlesPerRequest: cfg.RateLimit.MaxCandlesPerRequest,
		BaseBackoff:          cfg.RateLimit.BaseBackoff,
		MaxBackoff:           cfg.RateLimit.MaxBackoff,
		JitterFactor:         cfg.RateLimit.JitterFactor,
		AdaptiveThreshold:    cfg.RateLimit.AdaptiveThreshold,
	})

	var filter *ingest.SessionFilter
	if cfg.Session.Enabled {
		filter = sessionFilter(logger, cfg.Session)
	}
	pipeline := ingest.NewPipeline(logger, adapter, limiter, candles, filter, cfg.Coordinator.MaxRetries)

	indicatorEngine := indicator.NewEngine(logger, candles, indicators)
	strategyEngine := strategy.NewEngine(logger, candles, decisions, indicators,
		strategyConfig(logger, cfg.Strategy))

	led := ledger.New(db, logger)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), cfg.Timeouts.Recovery)
	if err := led.EnsureAccount(startupCtx, defaultAccount, decimal.NewFromFloat(*openingBalance)); err != nil {
		cancelStartup()
		logger.Fatal("failed to prepare account", zap.Error(err))
	}
	if recovered, err := led.RecoverOrphans(startupCtx, time.Hour); err != nil {
		logger.Error("orphan recovery failed", zap.Error(err))
	} else if len(recovered) > 0 {
		logger.Warn("recovered orphaned positions", zap.Int("count", len(recovered)))
	}
	cancelStartup()

	bus := events.NewBus(logger, 1024, 8)
	m := metrics.New()
	wireMetrics(bus, m)

	coord := coordinator.New(logger, bus, coordinator.Config{
		MaxConcurrent:   cfg.Coordinator.MaxConcurrentJobs,
		QueueCap:        cfg.Coordinator.QueueSoftCap,
		JobTimeout:      cfg.Coordinator.JobTimeout,
		BaseRetryDelay:  cfg.Coordinator.RetryBaseBackoff,
		MaxRetryDelay:   cfg.Coordinator.RetryMaxBackoff,
		MaxRetries:      cfg.Coordinator.MaxRetries,
		ShutdownTimeout: cfg.Coordinator.ShutdownTimeout,
	})

	coord.Register(types.JobBackfill, func(ctx context.Context, job *types.Job) (any, error) {
		c := job.Config
		return pipeline.Backfill(ctx, c.Pair, c.Timeframe, c.From, c.To, c.DaysPerBatch)
	})
	coord.Register(types.JobIncremental, func(ctx context.Context, job *types.Job) (any, error) {
		c := job.Config
		res, err := pipeline.Incremental(ctx, c.Pair, c.Timeframe, c.LookbackHours)
		if res != nil {
			m.RecordIngestion(c.Pair, res)
		}
		return res, err
	})
	coord.Register(types.JobStrategyRun, func(ctx context.Context, job *types.Job) (any, error) {
		c := job.Config
		if _, err := indicatorEngine.RunIncrementalUpdate(ctx, c.Pair, c.Timeframe); err != nil {
			return nil, err
		}
		state, err := led.Replay(ctx, defaultAccount)
		if err != nil {
			return nil, err
		}
		balance, _ := state.Balance.Float64()
		reserved, _ := state.ReservedMargin.Float64()
		account := strategy.Account{Balance: balance, FreeMargin: balance - reserved}

		after := time.Now().UTC().Add(-time.Duration(c.LookbackHours) * time.Hour)
		if c.LookbackHours == 0 {
			after = time.Now().UTC().Add(-48 * time.Hour)
		}
		return strategyEngine.RunBatch(ctx, c.Pair, c.Timeframe, after, account)
	})

	scheduler := cron.New()
	for _, pair := range pairs {
		pair := pair
		scheduler.AddFunc("*/15 * * * *", func() {
			if _, err := coord.Submit(types.JobIncremental, types.JobConfig{
				Pair: pair, Timeframe: types.Timeframe15m, LookbackHours: 12,
			}, 5); err != nil {
				logger.Warn("failed to schedule incremental", zap.String("pair", pair), zap.Error(err))
			}
		})
		scheduler.AddFunc("2-59/15 * * * *", func() {
			if _, err := coord.Submit(types.JobStrategyRun, types.JobConfig{
				Pair: pair, Timeframe: types.Timeframe15m, LookbackHours: 48,
			}, 4); err != nil {
				logger.Warn("failed to schedule strategy run", zap.String("pair", pair), zap.Error(err))
			}
		})
	}
	scheduler.AddFunc("* * * * *", func() {
		stats := coord.Stats()
		m.SetActiveJobs(stats.ActiveJobs)
		m.SetMemoryBytes(stats.MemoryUsage)
		m.SetRateLimitMultiplier(limiter.Multiplier())
		if state, err := led.Replay(context.Background(), defaultAccount); err == nil {
			balance, _ := state.Balance.Float64()
			m.SetAccountBalance(defaultAccount, balance)
			m.SetOpenPositions(state.OpenPositions)
		}
	})
	scheduler.Start()

	server := api.NewServer(logger, cfg.Server, api.Deps{
		DB:          db,
		Coordinator: coord,
		Candles:     candles,
		Decisions:   decisions,
		Ledger:      led,
		Metrics:     m,
		Bus:         bus,
	})
	go func() {
		if err := server.Start(); err != nil {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop
	logger.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Coordinator.ShutdownTimeout)
	defer cancel()

	<-scheduler.Stop().Done()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	if err := coord.Shutdown(); err != nil {
		logger.Warn("coordinator shutdown incomplete", zap.Error(err))
	}
	bus.Close()
	logger.Info("engine stopped")
}

// buildAdapter selects the broker from configuration.
func buildAdapter(logger *zap.Logger, cfg config.BrokerConfig) broker.Adapter {
	switch cfg.Type {
	case "primary":
		return broker.NewPrimaryAdapter(logger, broker.PrimaryConfig{
			BaseURL:   cfg.PrimaryAPIURL,
			APIKey:    cfg.PrimaryAPIKey,
			AccountID: cfg.PrimaryAccountID,
			Timeout:   30 * time.Second,
		})
	case "secondary":
		return broker.NewSecondaryAdapter(logger, broker.SecondaryConfig{
			BaseURL: cfg.SecondaryAPIURL,
			APIKey:  cfg.SecondaryToken,
			Timeout: 30 * time.Second,
		})
	default:
		logger.Warn("using mock broker adapter", zap.String("configured", cfg.Type))
		return broker.NewMockAdapter(2400)
	}
}

func sessionFilter(logger *zap.Logger, cfg config.SessionConfig) *ingest.SessionFilter {
	startH, startM, err := utils.ParseClock(cfg.Start)
	if err != nil {
		logger.Fatal("invalid session start", zap.Error(err))
	}
	endH, endM, err := utils.ParseClock(cfg.End)
	if err != nil {
		logger.Fatal("invalid session end", zap.Error(err))
	}
	days := make([]time.Weekday, 0, len(cfg.DaysOfWeek))
	for _, d := range cfg.DaysOfWeek {
		days = append(days, time.Weekday(d))
	}
	return ingest.NewSessionFilter(startH, startM, endH, endM, days)
}

func strategyConfig(logger *zap.Logger, cfg config.StrategyConfig) strategy.Config {
	startH, startM, err := utils.ParseClock(cfg.TradingWindowStart)
	if err != nil {
		logger.Fatal("invalid trading window start", zap.Error(err))
	}
	endH, endM, err := utils.ParseClock(cfg.TradingWindowEnd)
	if err != nil {
		logger.Fatal("invalid trading window end", zap.Error(err))
	}
	weekdays := []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
	return strategy.NewConfig(
		cfg.MinRR, cfg.RiskPerTrade, cfg.Leverage, cfg.MinConfidence,
		cfg.WeightEMAAlignment, cfg.WeightStructure, cfg.WeightATRContext,
		cfg.WeightTimeOfDay, cfg.WeightRRQuality,
		startH, startM, endH, endM, weekdays)
}

// wireMetrics folds bus events into Prometheus counters.
func wireMetrics(bus *events.Bus, m *metrics.Metrics) {
	bus.SubscribeAll(func(ev events.Event) {
		switch e := ev.(type) {
		case *events.JobEvent:
			switch ev.GetType() {
			case events.EventTypeJobCompleted, events.EventTypeJobFailed, events.EventTypeJobCancelled:
				m.JobFinished(e.Job.Type, e.Job.Status)
			}
		case *events.DecisionEvent:
			m.RecordDecision(e.Decision, e.Signal)
		}
	})
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

// Package config provides environment-driven configuration for the trading engine.
// Each component receives its own explicit record, validated at load time.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/meridianfx/trading-engine/pkg/utils"
)

// Config is the root configuration assembled from the environment.
type Config struct {
	Broker      BrokerConfig      `json:"broker"`
	RateLimit   RateLimitConfig   `json:"rateLimit"`
	Timeouts    TimeoutConfig     `json:"timeouts"`
	Coordinator CoordinatorConfig `json:"coordinator"`
	Strategy    StrategyConfig    `json:"strategy"`
	Session     SessionConfig     `json:"session"`
	Database    DatabaseConfig    `json:"database"`
	Server      ServerConfig      `json:"server"`
}

// BrokerConfig selects and credentials the broker adapters.
type BrokerConfig struct {
	Type               string `json:"type"` // "primary", "secondary", "mock"
	PrimaryAPIURL      string `json:"primaryApiUrl"`
	PrimaryAPIKey      string `json:"-"`
	PrimaryAccountID   string `json:"primaryAccountId"`
	SecondaryAPIURL    string `json:"secondaryApiUrl"`
	SecondaryToken     string `json:"-"`
	SecondaryAccountID string `json:"secondaryAccountId"`
}

// RateLimitConfig bounds outbound broker traffic.
type RateLimitConfig struct {
	PerMinute            int           `json:"perMinute"`
	PerSecond            int           `json:"perSecond"`
	MaxCandlesPerRequest int           `json:"maxCandlesPerRequest"`
	BaseBackoff          time.Duration `json:"baseBackoff"`
	MaxBackoff           time.Duration `json:"maxBackoff"`
	JitterFactor         float64       `json:"jitterFactor"`
	AdaptiveThreshold    float64       `json:"adaptiveThreshold"`
}

// TimeoutConfig holds the four-tier timeout hierarchy.
// Invariant: Database <= Operation <= IntegrityCheck <= Recovery.
type TimeoutConfig struct {
	Operation      time.Duration `json:"operation"`
	Database       time.Duration `json:"database"`
	IntegrityCheck time.Duration `json:"integrityCheck"`
	Recovery       time.Duration `json:"recovery"`
}

// CoordinatorConfig bounds concurrent job execution.
type CoordinatorConfig struct {
	MaxConcurrentJobs int           `json:"maxConcurrentJobs"`
	JobTimeout        time.Duration `json:"jobTimeout"`
	MaxRetries        int           `json:"maxRetries"`
	RetryBaseBackoff  time.Duration `json:"retryBaseBackoff"`
	RetryMaxBackoff   time.Duration `json:"retryMaxBackoff"`
	ShutdownTimeout   time.Duration `json:"shutdownTimeout"`
	QueueSoftCap      int           `json:"queueSoftCap"`
}

// StrategyConfig parameterizes the decision machine.
type StrategyConfig struct {
	TradingWindowStart string  `json:"tradingWindowStart"` // HH:MM UTC
	TradingWindowEnd   string  `json:"tradingWindowEnd"`   // HH:MM UTC
	MinRR              float64 `json:"minRr"`
	RiskPerTrade       float64 `json:"riskPerTrade"`
	Leverage           float64 `json:"leverage"`
	MinConfidence      float64 `json:"minConfidence"`

	// Confidence component weights; must sum to 1.0
	WeightEMAAlignment float64 `json:"weightEmaAlignment"`
	WeightStructure    float64 `json:"weightStructure"`
	WeightATRContext   float64 `json:"weightAtrContext"`
	WeightTimeOfDay    float64 `json:"weightTimeOfDay"`
	WeightRRQuality    float64 `json:"weightRrQuality"`
}

// SessionConfig describes tradeable hours for ingestion filtering.
type SessionConfig struct {
	Enabled    bool   `json:"enabled"`
	Start      string `json:"start"` // HH:MM UTC
	End        string `json:"end"`   // HH:MM UTC, inclusive
	DaysOfWeek []int  `json:"daysOfWeek"` // 0=Sunday .. 6=Saturday
}

// DatabaseConfig locates the persistent stores.
type DatabaseConfig struct {
	Path string `json:"path"`
}

// ServerConfig configures the HTTP/WebSocket surface.
type ServerConfig struct {
	Host          string        `json:"host"`
	Port          int           `json:"port"`
	ReadTimeout   time.Duration `json:"readTimeout"`
	WriteTimeout  time.Duration `json:"writeTimeout"`
	EnableMetrics bool          `json:"enableMetrics"`
}

// Load reads configuration from the environment with defaults applied.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	setDefaults(v)

	cfg := &Config{
		Broker: BrokerConfig{
			Type:               v.GetString("BROKER_TYPE"),
			PrimaryAPIURL:      v.GetString("PRIMARY_API_URL"),
			PrimaryAPIKey:      v.GetString("PRIMARY_API_KEY"),
			PrimaryAccountID:   v.GetString("PRIMARY_ACCOUNT_ID"),
			SecondaryAPIURL:    v.GetString("SECONDARY_API_URL"),
			SecondaryToken:     v.GetString("SECONDARY_ACCESS_TOKEN"),
			SecondaryAccountID: v.GetString("SECONDARY_ACCOUNT_ID"),
		},
		RateLimit: RateLimitConfig{
			PerMinute:            v.GetInt("RATE_LIMIT_PER_MINUTE"),
			PerSecond:            v.GetInt("RATE_LIMIT_PER_SECOND"),
			MaxCandlesPerRequest: v.GetInt("MAX_CANDLES_PER_REQUEST"),
			BaseBackoff:          time.Duration(v.GetInt("BASE_BACKOFF_MS")) * time.Millisecond,
			MaxBackoff:           time.Duration(v.GetInt("MAX_BACKOFF_MS")) * time.Millisecond,
			JitterFactor:         v.GetFloat64("JITTER_FACTOR"),
			AdaptiveThreshold:    v.GetFloat64("ADAPTIVE_THRESHOLD"),
		},
		Timeouts: TimeoutConfig{
			Operation:      time.Duration(v.GetInt("OPERATION_TIMEOUT_MS")) * time.Millisecond,
			Database:       time.Duration(v.GetInt("DATABASE_TIMEOUT_MS")) * time.Millisecond,
			IntegrityCheck: time.Duration(v.GetInt("INTEGRITY_CHECK_TIMEOUT_MS")) * time.Millisecond,
			Recovery:       time.Duration(v.GetInt("RECOVERY_TIMEOUT_MS")) * time.Millisecond,
		},
		Coordinator: CoordinatorConfig{
			MaxConcurrentJobs: v.GetInt("MAX_CONCURRENT_JOBS"),
			JobTimeout:        time.Duration(v.GetInt("JOB_TIMEOUT_MS")) * time.Millisecond,
			MaxRetries:        v.GetInt("MAX_RETRIES"),
			RetryBaseBackoff:  time.Duration(v.GetInt("RETRY_BASE_BACKOFF_MS")) * time.Millisecond,
			RetryMaxBackoff:   time.Duration(v.GetInt("RETRY_MAX_BACKOFF_MS")) * time.Millisecond,
			ShutdownTimeout:   time.Duration(v.GetInt("SHUTDOWN_TIMEOUT_MS")) * time.Millisecond,
			QueueSoftCap:      v.GetInt("QUEUE_SOFT_CAP"),
		},
		Strategy: StrategyConfig{
			TradingWindowStart: v.GetString("TRADING_WINDOW_START"),
			TradingWindowEnd:   v.GetString("TRADING_WINDOW_END"),
			MinRR:              v.GetFloat64("MIN_RR"),
			RiskPerTrade:       v.GetFloat64("RISK_PER_TRADE"),
			Leverage:           v.GetFloat64("LEVERAGE"),
			MinConfidence:      v.GetFloat64("MIN_CONFIDENCE"),
			WeightEMAAlignment: v.GetFloat64("WEIGHT_EMA_ALIGNMENT"),
			WeightStructure:    v.GetFloat64("WEIGHT_STRUCTURE"),
			WeightATRContext:   v.GetFloat64("WEIGHT_ATR_CONTEXT"),
			WeightTimeOfDay:    v.GetFloat64("WEIGHT_TIME_OF_DAY"),
			WeightRRQuality:    v.GetFloat64("WEIGHT_RR_QUALITY"),
		},
		Session: SessionConfig{
			Enabled:    v.GetBool("SESSION_FILTER_ENABLED"),
			Start:      v.GetString("SESSION_START"),
			End:        v.GetString("SESSION_END"),
			DaysOfWeek: v.GetIntSlice("SESSION_DAYS"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("DATABASE_PATH"),
		},
		Server: ServerConfig{
			Host:          v.GetString("SERVER_HOST"),
			Port:          v.GetInt("SERVER_PORT"),
			ReadTimeout:   30 * time.Second,
			WriteTimeout:  30 * time.Second,
			EnableMetrics: v.GetBool("ENABLE_METRICS"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("BROKER_TYPE", "mock")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	v.SetDefault("RATE_LIMIT_PER_SECOND", 5)
	v.SetDefault("MAX_CANDLES_PER_REQUEST", 1000)
	v.SetDefault("BASE_BACKOFF_MS", 1000)
	v.SetDefault("MAX_BACKOFF_MS", 60000)
	v.SetDefault("JITTER_FACTOR", 0.3)
	v.SetDefault("ADAPTIVE_THRESHOLD", 0.1)
	v.SetDefault("OPERATION_TIMEOUT_MS", 30000)
	v.SetDefault("DATABASE_TIMEOUT_MS", 10000)
	v.SetDefault("INTEGRITY_CHECK_TIMEOUT_MS", 60000)
	v.SetDefault("RECOVERY_TIMEOUT_MS", 120000)
	v.SetDefault("MAX_CONCURRENT_JOBS", 4)
	v.SetDefault("JOB_TIMEOUT_MS", 300000)
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_BACKOFF_MS", 1000)
	v.SetDefault("RETRY_MAX_BACKOFF_MS", 30000)
	v.SetDefault("SHUTDOWN_TIMEOUT_MS", 30000)
	v.SetDefault("QUEUE_SOFT_CAP", 100)
	v.SetDefault("TRADING_WINDOW_START", "07:00")
	v.SetDefault("TRADING_WINDOW_END", "20:00")
	v.SetDefault("MIN_RR", 2.0)
	v.SetDefault("RISK_PER_TRADE", 0.01)
	v.SetDefault("LEVERAGE", 20.0)
	v.SetDefault("MIN_CONFIDENCE", 0.65)
	v.SetDefault("WEIGHT_EMA_ALIGNMENT", 0.30)
	v.SetDefault("WEIGHT_STRUCTURE", 0.25)
	v.SetDefault("WEIGHT_ATR_CONTEXT", 0.15)
	v.SetDefault("WEIGHT_TIME_OF_DAY", 0.10)
	v.SetDefault("WEIGHT_RR_QUALITY", 0.20)
	v.SetDefault("SESSION_FILTER_ENABLED", true)
	v.SetDefault("SESSION_START", "00:00")
	v.SetDefault("SESSION_END", "23:59")
	v.SetDefault("SESSION_DAYS", []int{1, 2, 3, 4, 5})
	v.SetDefault("DATABASE_PATH", "./data/engine.db")
	v.SetDefault("SERVER_HOST", "localhost")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("ENABLE_METRICS", true)
}

// Validate enforces cross-field invariants at startup.
func (c *Config) Validate() error {
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("config: rate limits must be positive")
	}
	if c.RateLimit.MaxCandlesPerRequest <= 0 {
		return fmt.Errorf("config: MAX_CANDLES_PER_REQUEST must be positive")
	}
	if c.RateLimit.JitterFactor < 0 || c.RateLimit.JitterFactor > 1 {
		return fmt.Errorf("config: JITTER_FACTOR must be in [0, 1]")
	}
	if c.RateLimit.BaseBackoff <= 0 || c.RateLimit.MaxBackoff < c.RateLimit.BaseBackoff {
		return fmt.Errorf("config: backoff bounds invalid")
	}

	// Timeout hierarchy: database <= operation <= integrity check <= recovery.
	t := c.Timeouts
	if t.Database > t.Operation {
		return fmt.Errorf("config: DATABASE_TIMEOUT_MS (%v) exceeds OPERATION_TIMEOUT_MS (%v)", t.Database, t.Operation)
	}
	if t.Operation > t.IntegrityCheck {
		return fmt.Errorf("config: OPERATION_TIMEOUT_MS (%v) exceeds INTEGRITY_CHECK_TIMEOUT_MS (%v)", t.Operation, t.IntegrityCheck)
	}
	if t.IntegrityCheck > t.Recovery {
		return fmt.Errorf("config: INTEGRITY_CHECK_TIMEOUT_MS (%v) exceeds RECOVERY_TIMEOUT_MS (%v)", t.IntegrityCheck, t.Recovery)
	}

	if c.Coordinator.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("config: MAX_CONCURRENT_JOBS must be positive")
	}
	if c.Coordinator.JobTimeout <= 0 {
		return fmt.Errorf("config: JOB_TIMEOUT_MS must be positive")
	}

	if c.Strategy.RiskPerTrade <= 0 || c.Strategy.RiskPerTrade > 0.10 {
		return fmt.Errorf("config: RISK_PER_TRADE must be in (0, 0.10]")
	}
	if c.Strategy.MinRR < 1 {
		return fmt.Errorf("config: MIN_RR must be >= 1")
	}
	if c.Strategy.Leverage <= 0 {
		return fmt.Errorf("config: LEVERAGE must be positive")
	}
	if c.Strategy.MinConfidence < 0 || c.Strategy.MinConfidence > 1 {
		return fmt.Errorf("config: MIN_CONFIDENCE must be in [0, 1]")
	}

	weightSum := c.Strategy.WeightEMAAlignment + c.Strategy.WeightStructure +
		c.Strategy.WeightATRContext + c.Strategy.WeightTimeOfDay + c.Strategy.WeightRRQuality
	if weightSum < 0.999 || weightSum > 1.001 {
		return fmt.Errorf("config: confidence weights sum to %.4f, expected 1.0", weightSum)
	}

	for _, clock := range []string{c.Strategy.TradingWindowStart, c.Strategy.TradingWindowEnd, c.Session.Start, c.Session.End} {
		if _, _, err := utils.ParseClock(clock); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	for _, d := range c.Session.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("config: SESSION_DAYS contains invalid weekday %d", d)
		}
	}

	return nil
}

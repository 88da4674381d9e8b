package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// PrimaryAdapter is the REST adapter for the primary candle provider.
// The provider quotes two-sided (bid/ask) prices; mid-pricing happens in the
// normalizer, not here.
type PrimaryAdapter struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	accountID  string
}

// PrimaryConfig configures the primary adapter.
type PrimaryConfig struct {
	BaseURL   string
	APIKey    string
	AccountID string
	Timeout   time.Duration
}

// NewPrimaryAdapter creates the primary broker adapter.
func NewPrimaryAdapter(logger *zap.Logger, cfg PrimaryConfig) *PrimaryAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &PrimaryAdapter{
		logger:     logger.Named("broker-primary"),
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		accountID:  cfg.AccountID,
	}
}

// Name returns the adapter identifier.
func (a *PrimaryAdapter) Name() string { return "primary" }

// primaryCandle is the provider's wire representation of one candle.
type primaryCandle struct {
	SnapshotTime string `json:"snapshotTimeUTC"`
	OpenPrice    struct {
		Bid float64 `json:"bid"`
		Ask float64 `json:"ask"`
	} `json:"openPrice"`
	HighPrice struct {
		Bid float64 `json:"bid"`
		Ask float64 `json:"ask"`
	} `json:"highPrice"`
	LowPrice struct {
		Bid float64 `json:"bid"`
		Ask float64 `json:"ask"`
	} `json:"lowPrice"`
	ClosePrice struct {
		Bid float64 `json:"bid"`
		Ask float64 `json:"ask"`
	} `json:"closePrice"`
	LastTradedVolume float64 `json:"lastTradedVolume"`
}

type primaryPricesResponse struct {
	Prices []primaryCandle `json:"prices"`
}

// FetchCandles retrieves completed candles for the range [from, to].
func (a *PrimaryAdapter) FetchCandles(ctx context.Context, pair string, timeframe types.Timeframe, from, to time.Time) ([]types.RawCandle, error) {
	epic, err := a.translatePair(pair)
	if err != nil {
		return nil, err
	}
	resolution, err := a.translateTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("resolution", resolution)
	q.Set("from", from.UTC().Format("2006-01-02T15:04:05"))
	q.Set("to", to.UTC().Format("2006-01-02T15:04:05"))
	q.Set("max", "1000")

	endpoint := fmt.Sprintf("%s/api/v1/prices/%s?%s", a.baseURL, epic, q.Encode())

	body, err := a.doRequest(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var resp primaryPricesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewError(KindServer, a.Name(), "malformed prices payload", err)
	}

	candles := make([]types.RawCandle, 0, len(resp.Prices))
	now := time.Now().UTC()
	for _, p := range resp.Prices {
		ts, err := time.Parse("2006-01-02T15:04:05", p.SnapshotTime)
		if err != nil {
			a.logger.Warn("skipping candle with unparseable timestamp",
				zap.String("snapshotTime", p.SnapshotTime))
			continue
		}
		ts = ts.UTC()
		raw := types.RawCandle{
			Timestamp: ts,
			BidOpen:   p.OpenPrice.Bid,
			BidHigh:   p.HighPrice.Bid,
			BidLow:    p.LowPrice.Bid,
			BidClose:  p.ClosePrice.Bid,
			AskOpen:   p.OpenPrice.Ask,
			AskHigh:   p.HighPrice.Ask,
			AskLow:    p.LowPrice.Ask,
			AskClose:  p.ClosePrice.Ask,
			Volume:    p.LastTradedVolume,
			HasBidAsk: true,
			// A candle is complete once its close time has passed.
			Complete: !ts.Add(timeframe.Duration()).After(now),
		}
		candles = append(candles, raw)
	}

	return validateSequence(a.Name(), candles)
}

// ValidateConnection performs a lightweight authenticated ping.
func (a *PrimaryAdapter) ValidateConnection(ctx context.Context) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/ping", a.baseURL)
	if _, err := a.doRequest(ctx, endpoint); err != nil {
		return false, err
	}
	return true, nil
}

func (a *PrimaryAdapter) doRequest(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewError(KindBadRequest, a.Name(), "failed to build request", err)
	}
	req.Header.Set("X-CAP-API-KEY", a.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, NewError(KindConnection, a.Name(), "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(KindConnection, a.Name(), "failed to read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := classifyStatus(resp.StatusCode)
		berr := NewError(kind, a.Name(), fmt.Sprintf("status %d", resp.StatusCode), nil)
		if kind == KindRateLimit {
			berr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}
		return nil, berr
	}

	return body, nil
}

// translatePair maps a canonical pair to the provider's epic symbol.
func (a *PrimaryAdapter) translatePair(pair string) (string, error) {
	switch strings.ToUpper(pair) {
	case "XAU/USD", "XAUUSD":
		return "GOLD", nil
	case "XAG/USD", "XAGUSD":
		return "SILVER", nil
	default:
		return "", NewError(KindBadRequest, a.Name(), fmt.Sprintf("unsupported pair %q", pair), nil)
	}
}

// translateTimeframe maps a canonical timeframe to the provider's resolution.
func (a *PrimaryAdapter) translateTimeframe(tf types.Timeframe) (string, error) {
	switch tf {
	case types.Timeframe1m:
		return "MINUTE", nil
	case types.Timeframe5m:
		return "MINUTE_5", nil
	case types.Timeframe15m:
		return "MINUTE_15", nil
	case types.Timeframe1h:
		return "HOUR", nil
	case types.Timeframe4h:
		return "HOUR_4", nil
	case types.Timeframe1d:
		return "DAY", nil
	default:
		return "", NewError(KindBadRequest, a.Name(), fmt.Sprintf("unsupported timeframe %q", tf), nil)
	}
}

// parseRetryAfter reads a Retry-After header value in seconds.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

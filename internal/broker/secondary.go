package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/meridianfx/trading-engine/pkg/types"
)

// SecondaryAdapter is the REST adapter for the fallback candle provider.
// This provider returns plain OHLC rows keyed by epoch milliseconds.
type SecondaryAdapter struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// SecondaryConfig configures the secondary adapter.
type SecondaryConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewSecondaryAdapter creates the fallback broker adapter.
func NewSecondaryAdapter(logger *zap.Logger, cfg SecondaryConfig) *SecondaryAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SecondaryAdapter{
		logger:     logger.Named("broker-secondary"),
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
	}
}

// Name returns the adapter identifier.
func (a *SecondaryAdapter) Name() string { return "secondary" }

type secondaryBar struct {
	Time     int64   `json:"t"`
	Open     float64 `json:"o"`
	High     float64 `json:"h"`
	Low      float64 `json:"l"`
	Close    float64 `json:"c"`
	Volume   float64 `json:"v"`
	Complete bool    `json:"x"`
}

// FetchCandles retrieves completed candles for the range [from, to].
func (a *SecondaryAdapter) FetchCandles(ctx context.Context, pair string, timeframe types.Timeframe, from, to time.Time) ([]types.RawCandle, error) {
	symbol, err := a.translatePair(pair)
	if err != nil {
		return nil, err
	}
	interval, err := a.translateTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("startTime", fmt.Sprintf("%d", from.UTC().UnixMilli()))
	q.Set("endTime", fmt.Sprintf("%d", to.UTC().UnixMilli()))

	endpoint := fmt.Sprintf("%s/v2/bars?%s", a.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, NewError(KindBadRequest, a.Name(), "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

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

	var bars []secondaryBar
	if err := json.Unmarshal(body, &bars); err != nil {
		return nil, NewError(KindServer, a.Name(), "malformed bars payload", err)
	}

	candles := make([]types.RawCandle, 0, len(bars))
	for _, b := range bars {
		candles = append(candles, types.RawCandle{
			Timestamp: time.UnixMilli(b.Time).UTC(),
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
			HasOHLC:   true,
			Complete:  b.Complete,
		})
	}

	return validateSequence(a.Name(), candles)
}

// ValidateConnection performs a lightweight authenticated ping.
func (a *SecondaryAdapter) ValidateConnection(ctx context.Context) (bool, error) {
	endpoint := fmt.Sprintf("%s/v2/time", a.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, NewError(KindBadRequest, a.Name(), "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, NewError(KindConnection, a.Name(), "request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return false, NewError(classifyStatus(resp.StatusCode), a.Name(), fmt.Sprintf("status %d", resp.StatusCode), nil)
	}
	return true, nil
}

func (a *SecondaryAdapter) translatePair(pair string) (string, error) {
	p := strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
	switch p {
	case "XAUUSD", "XAGUSD", "EURUSD", "GBPUSD":
		return p, nil
	default:
		return "", NewError(KindBadRequest, a.Name(), fmt.Sprintf("unsupported pair %q", pair), nil)
	}
}

func (a *SecondaryAdapter) translateTimeframe(tf types.Timeframe) (string, error) {
	switch tf {
	case types.Timeframe1m:
		return "1m", nil
	case types.Timeframe5m:
		return "5m", nil
	case types.Timeframe15m:
		return "15m", nil
	case types.Timeframe1h:
		return "1h", nil
	case types.Timeframe4h:
		return "4h", nil
	case types.Timeframe1d:
		return "1d", nil
	default:
		return "", NewError(KindBadRequest, a.Name(), fmt.Sprintf("unsupported timeframe %q", tf), nil)
	}
}

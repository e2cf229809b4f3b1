// Package alphavantage provides the Alpha Vantage market-data provider adapter.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/openquant/tradecore/internal/domain"
	"github.com/openquant/tradecore/internal/marketdata"
	"github.com/openquant/tradecore/internal/reliability"
)

const (
	// ProviderName is used as Bar.Source.
	ProviderName = "alphavantage"

	defaultBaseURL = "https://www.alphavantage.co"
)

// intervals maps canonical timeframes to Alpha Vantage intraday intervals.
// Daily/weekly/monthly use dedicated endpoints instead.
var intervals = map[domain.Timeframe]string{
	domain.Timeframe1m:  "1min",
	domain.Timeframe5m:  "5min",
	domain.Timeframe15m: "15min",
	domain.Timeframe30m: "30min",
	domain.Timeframe1h:  "60min",
}

// Client talks to the Alpha Vantage HTTP API.
type Client struct {
	http    *resty.Client
	apiKey  string
	limiter *rate.Limiter
	retry   reliability.RetryPolicy
	log     zerolog.Logger
}

// New creates an Alpha Vantage client. The free tier allows 5 requests per
// minute; the limiter enforces that with a small burst.
func New(apiKey string, log zerolog.Logger) *Client {
	return NewWithBaseURL(apiKey, defaultBaseURL, log)
}

// NewWithBaseURL creates a client against a custom base URL (tests).
func NewWithBaseURL(apiKey, baseURL string, log zerolog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")

	return &Client{
		http:    http,
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rate.Every(12*time.Second), 5),
		retry:   reliability.DefaultRetryPolicy,
		log:     log.With().Str("client", ProviderName).Logger(),
	}
}

// Name implements marketdata.Provider.
func (c *Client) Name() string {
	return ProviderName
}

// FetchBars implements marketdata.Provider.
func (c *Client) FetchBars(ctx context.Context, symbol string, tf domain.Timeframe, r domain.BarRange) ([]domain.Bar, error) {
	params, seriesField, tsLayout, err := c.queryFor(symbol, tf)
	if err != nil {
		return nil, err
	}

	var body []byte
	err = c.retry.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.ErrDeadlineExceeded
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get("/query")
		if err != nil {
			return fmt.Errorf("%w: alphavantage request: %v", domain.ErrUpstream, err)
		}
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("%w: alphavantage returned %d", domain.ErrUpstream, resp.StatusCode())
		}
		if resp.StatusCode() >= 400 {
			return fmt.Errorf("%w: alphavantage returned %d", domain.ErrValidation, resp.StatusCode())
		}
		body = resp.Body()
		return nil
	})
	if err != nil {
		return nil, err
	}

	bars, err := parseSeries(body, seriesField, tsLayout, symbol, tf)
	if err != nil {
		return nil, err
	}

	// Trim to the requested range; the API returns full history pages.
	out := bars[:0]
	for _, b := range bars {
		if r.Contains(b.TS) {
			out = append(out, b)
		}
	}
	c.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("bars", len(out)).
		Msg("Fetched bars")
	return marketdata.NormalizeBars(out), nil
}

// queryFor builds the request parameters and identifies the response series
// field for the timeframe.
func (c *Client) queryFor(symbol string, tf domain.Timeframe) (params map[string]string, seriesField, tsLayout string, err error) {
	params = map[string]string{
		"symbol":     symbol,
		"apikey":     c.apiKey,
		"outputsize": "full",
	}
	switch tf {
	case domain.Timeframe1d:
		params["function"] = "TIME_SERIES_DAILY"
		return params, "Time Series (Daily)", "2006-01-02", nil
	case domain.Timeframe1w:
		params["function"] = "TIME_SERIES_WEEKLY"
		return params, "Weekly Time Series", "2006-01-02", nil
	case domain.Timeframe1mo:
		params["function"] = "TIME_SERIES_MONTHLY"
		return params, "Monthly Time Series", "2006-01-02", nil
	default:
		interval, ok := intervals[tf]
		if !ok {
			return nil, "", "", fmt.Errorf("%w: alphavantage does not serve %q", domain.ErrUnsupportedTimeframe, tf)
		}
		params["function"] = "TIME_SERIES_INTRADAY"
		params["interval"] = interval
		return params, "Time Series (" + interval + ")", "2006-01-02 15:04:05", nil
	}
}

// ohlcvRow is one entry in an Alpha Vantage time series.
type ohlcvRow struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

func parseSeries(body []byte, seriesField, tsLayout, symbol string, tf domain.Timeframe) ([]domain.Bar, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: failed to parse alphavantage response: %v", domain.ErrUpstream, err)
	}

	// The API reports throttling and bad symbols as 200 with a note field.
	if note, ok := envelope["Note"]; ok {
		return nil, fmt.Errorf("%w: alphavantage throttled: %s", domain.ErrUpstream, string(note))
	}
	if msg, ok := envelope["Error Message"]; ok {
		return nil, fmt.Errorf("%w: alphavantage: %s", domain.ErrValidation, string(msg))
	}

	raw, ok := envelope[seriesField]
	if !ok {
		return nil, fmt.Errorf("%w: alphavantage response missing %q", domain.ErrUpstream, seriesField)
	}

	var series map[string]ohlcvRow
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, fmt.Errorf("%w: failed to parse series: %v", domain.ErrUpstream, err)
	}

	now := time.Now()
	bars := make([]domain.Bar, 0, len(series))
	for tsStr, row := range series {
		ts, err := time.ParseInLocation(tsLayout, tsStr, time.UTC)
		if err != nil {
			continue
		}
		bar := domain.Bar{
			Symbol:     symbol,
			Timeframe:  tf,
			TS:         ts,
			Source:     ProviderName,
			ReceivedAt: now,
		}
		if bar.Open, err = strconv.ParseFloat(row.Open, 64); err != nil {
			continue
		}
		if bar.High, err = strconv.ParseFloat(row.High, 64); err != nil {
			continue
		}
		if bar.Low, err = strconv.ParseFloat(row.Low, 64); err != nil {
			continue
		}
		if bar.Close, err = strconv.ParseFloat(row.Close, 64); err != nil {
			continue
		}
		if bar.Volume, err = strconv.ParseFloat(row.Volume, 64); err != nil {
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

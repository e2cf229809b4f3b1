// Package tiingo provides the Tiingo market-data provider adapter. Daily bars
// come from the EOD endpoint, intraday bars from the IEX endpoint; weekly and
// monthly bars are not served.
package tiingo

import (
	"context"
	"fmt"
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
	ProviderName = "tiingo"

	defaultBaseURL = "https://api.tiingo.com"
)

// resampleFreqs maps canonical timeframes to Tiingo IEX resample frequencies.
var resampleFreqs = map[domain.Timeframe]string{
	domain.Timeframe1m:  "1min",
	domain.Timeframe5m:  "5min",
	domain.Timeframe15m: "15min",
	domain.Timeframe30m: "30min",
	domain.Timeframe1h:  "1hour",
}

// Client talks to the Tiingo HTTP API.
type Client struct {
	http    *resty.Client
	limiter *rate.Limiter
	retry   reliability.RetryPolicy
	log     zerolog.Logger
}

// New creates a Tiingo client. Tiingo allows ~500 requests/hour on the free
// tier; the limiter stays well inside that.
func New(apiToken string, log zerolog.Logger) *Client {
	return NewWithBaseURL(apiToken, defaultBaseURL, log)
}

// NewWithBaseURL creates a client against a custom base URL (tests).
func NewWithBaseURL(apiToken, baseURL string, log zerolog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json").
		SetHeader("Authorization", "Token "+apiToken)

	return &Client{
		http:    http,
		limiter: rate.NewLimiter(rate.Every(8*time.Second), 10),
		retry:   reliability.DefaultRetryPolicy,
		log:     log.With().Str("client", ProviderName).Logger(),
	}
}

// Name implements marketdata.Provider.
func (c *Client) Name() string {
	return ProviderName
}

// eodRow is one entry from the Tiingo EOD prices endpoint.
type eodRow struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// FetchBars implements marketdata.Provider.
func (c *Client) FetchBars(ctx context.Context, symbol string, tf domain.Timeframe, r domain.BarRange) ([]domain.Bar, error) {
	var path string
	params := map[string]string{
		"startDate": r.From.UTC().Format("2006-01-02"),
		"endDate":   r.To.UTC().Format("2006-01-02"),
	}

	switch {
	case tf == domain.Timeframe1d:
		path = "/tiingo/daily/" + symbol + "/prices"
	case resampleFreqs[tf] != "":
		path = "/iex/" + symbol + "/prices"
		params["resampleFreq"] = resampleFreqs[tf]
	default:
		return nil, fmt.Errorf("%w: tiingo does not serve %q", domain.ErrUnsupportedTimeframe, tf)
	}

	var rows []eodRow
	err := c.retry.Do(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return domain.ErrDeadlineExceeded
		}
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&rows).
			Get(path)
		if err != nil {
			return fmt.Errorf("%w: tiingo request: %v", domain.ErrUpstream, err)
		}
		switch {
		case resp.StatusCode() == 429 || resp.StatusCode() >= 500:
			return fmt.Errorf("%w: tiingo returned %d", domain.ErrUpstream, resp.StatusCode())
		case resp.StatusCode() >= 400:
			return fmt.Errorf("%w: tiingo returned %d", domain.ErrValidation, resp.StatusCode())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	bars := make([]domain.Bar, 0, len(rows))
	for _, row := range rows {
		ts := row.Date.UTC()
		if !r.Contains(ts) {
			continue
		}
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timeframe:  tf,
			TS:         ts,
			Open:       row.Open,
			High:       row.High,
			Low:        row.Low,
			Close:      row.Close,
			Volume:     row.Volume,
			Source:     ProviderName,
			ReceivedAt: now,
		})
	}

	c.log.Debug().
		Str("symbol", symbol).
		Str("timeframe", string(tf)).
		Int("bars", len(bars)).
		Msg("Fetched bars")
	return marketdata.NormalizeBars(bars), nil
}

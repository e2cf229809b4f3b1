// Package domain holds the canonical entities shared by all components:
// bars, signals, orders, fills, portfolios, risk limits, predictor artifacts
// and the typed errors that cross component boundaries. The package is pure:
// no infrastructure imports, no I/O.
package domain

import (
	"fmt"
	"time"
)

// Timeframe is a canonical bar interval.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
	Timeframe1mo Timeframe = "1mo"
)

// timeframeDurations maps canonical timeframes to their nominal bar duration.
// Weekly and monthly bars use calendar approximations; gap detection treats
// them as lower bounds.
var timeframeDurations = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
	Timeframe1mo: 30 * 24 * time.Hour,
}

// ParseTimeframe validates a timeframe string against the canonical set.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeDurations[tf]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, s)
	}
	return tf, nil
}

// Duration returns the nominal bar duration for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	return timeframeDurations[tf]
}

// Valid reports whether the timeframe is one of the canonical set.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeDurations[tf]
	return ok
}

// Bar is an immutable OHLCV sample for a symbol over a timeframe.
// Primary key: (symbol, timeframe, ts, source).
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timeframe  Timeframe `json:"timeframe"`
	TS         time.Time `json:"ts"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// BarRange is a half-open [From, To) time range request for bars.
type BarRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether ts falls inside the range.
func (r BarRange) Contains(ts time.Time) bool {
	return !ts.Before(r.From) && ts.Before(r.To)
}

// Fingerprint returns a stable identity for single-flight deduplication of
// concurrent fetches for the same (symbol, timeframe, range).
func BarFingerprint(symbol string, tf Timeframe, r BarRange) string {
	return fmt.Sprintf("%s|%s|%d|%d", symbol, tf, r.From.Unix(), r.To.Unix())
}

// Package marketdata implements the market-data hub: provider adapters feed
// canonical bars into a write-through cache and time-series store, and the hub
// fans new bars out to subscribers.
package marketdata

import (
	"context"
	"sort"

	"github.com/openquant/tradecore/internal/domain"
)

// Provider fetches historical bars from an upstream market-data vendor.
// Implementations normalize timestamps to UTC, map native timeframes to the
// canonical set and collapse duplicate timestamps keeping the latest received.
type Provider interface {
	// Name returns the provider identifier used as Bar.Source.
	Name() string
	// FetchBars returns bars for the half-open range [r.From, r.To).
	// Returns ErrUnsupportedTimeframe for symbol/timeframe pairs the vendor
	// cannot serve, and ErrUpstream (wrapped) for transient failures after
	// retries are exhausted.
	FetchBars(ctx context.Context, symbol string, tf domain.Timeframe, r domain.BarRange) ([]domain.Bar, error)
}

// StreamingProvider is implemented by vendors with a push feed.
type StreamingProvider interface {
	Provider
	// SubscribeBars delivers new bars on the returned channel until ctx is
	// cancelled. The channel is closed on termination.
	SubscribeBars(ctx context.Context, symbol string, tf domain.Timeframe) (<-chan domain.Bar, error)
}

// NormalizeBars sorts bars by timestamp, converts to UTC and collapses
// duplicate timestamps keeping the bar with the latest ReceivedAt. The input
// is not modified.
func NormalizeBars(bars []domain.Bar) []domain.Bar {
	byTS := make(map[int64]domain.Bar, len(bars))
	for _, b := range bars {
		b.TS = b.TS.UTC()
		key := b.TS.Unix()
		if existing, ok := byTS[key]; ok && !b.ReceivedAt.After(existing.ReceivedAt) {
			continue
		}
		byTS[key] = b
	}
	out := make([]domain.Bar, 0, len(byTS))
	for _, b := range byTS {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TS.Before(out[j].TS) })
	return out
}

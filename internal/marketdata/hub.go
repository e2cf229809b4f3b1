package marketdata

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/openquant/tradecore/internal/domain"
)

// DefaultSubscriberBuffer is the per-subscriber channel depth before a slow
// consumer is dropped.
const DefaultSubscriberBuffer = 1024

// GetResult is the outcome of a hub range query.
type GetResult struct {
	Bars    []domain.Bar
	HasGaps bool
}

// Hub coalesces, caches, persists and distributes bars.
//
// Read path: cache -> store -> providers, write-through on the way back.
// Concurrent Get calls for the same (symbol, timeframe, range) fingerprint
// share a single in-flight fetch via singleflight.
//
// Delivery path: Publish fans a bar out to subscribers of (symbol, timeframe)
// in strict per-symbol timestamp order; slow subscribers are dropped with a
// lag counter.
type Hub struct {
	store     *BarStore
	cache     *SeriesCache
	providers []Provider // fetch order = preference order
	log       zerolog.Logger

	flight singleflight.Group

	subsMu  sync.RWMutex
	subs    map[seriesKey][]*Subscriber
	lastTS  map[seriesKey]time.Time
	dropped atomic.Int64 // total subscribers dropped for lagging

	bufferSize int
	closed     atomic.Bool
}

// Subscriber receives bars for one (symbol, timeframe) stream.
type Subscriber struct {
	C      <-chan domain.Bar
	ch     chan domain.Bar
	key    seriesKey
	lag    atomic.Int64
	closed atomic.Bool
}

// Lag returns how many bars were discarded because the subscriber was slow.
func (s *Subscriber) Lag() int64 {
	return s.lag.Load()
}

// HubConfig configures a Hub.
type HubConfig struct {
	Store            *BarStore
	Cache            *SeriesCache
	Providers        []Provider
	SubscriberBuffer int
	Log              zerolog.Logger
}

// NewHub creates a market-data hub.
func NewHub(cfg HubConfig) *Hub {
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewSeriesCache(256)
	}
	return &Hub{
		store:      cfg.Store,
		cache:      cache,
		providers:  cfg.Providers,
		log:        cfg.Log.With().Str("module", "marketdata").Logger(),
		subs:       make(map[seriesKey][]*Subscriber),
		lastTS:     make(map[seriesKey]time.Time),
		bufferSize: buffer,
	}
}

// Get returns bars covering the range. Cache miss or gap falls through to the
// time-series store; a remaining shortfall triggers a provider fetch whose
// result is merged and written back. Missing intermediate timestamps that the
// providers cannot repair are reported via HasGaps.
func (h *Hub) Get(ctx context.Context, symbol string, tf domain.Timeframe, r domain.BarRange) (GetResult, error) {
	if !tf.Valid() {
		return GetResult{}, fmt.Errorf("%w: %q", domain.ErrUnsupportedTimeframe, tf)
	}
	if !r.To.After(r.From) {
		return GetResult{}, fmt.Errorf("%w: empty range", domain.ErrValidation)
	}

	if bars, ok := h.cache.Get(symbol, tf, r); ok && len(DetectGaps(bars, tf)) == 0 {
		return GetResult{Bars: bars}, nil
	}

	fp := domain.BarFingerprint(symbol, tf, r)
	v, err, _ := h.flight.Do(fp, func() (interface{}, error) {
		return h.fetch(ctx, symbol, tf, r)
	})
	if err != nil {
		return GetResult{}, err
	}
	return v.(GetResult), nil
}

// fetch is the single-flight body behind Get.
func (h *Hub) fetch(ctx context.Context, symbol string, tf domain.Timeframe, r domain.BarRange) (GetResult, error) {
	stored, err := h.store.GetRange(symbol, tf, r)
	if err != nil {
		return GetResult{}, err
	}

	if h.rangeComplete(stored, tf, r) {
		h.cache.Put(symbol, tf, stored)
		return GetResult{Bars: stored}, nil
	}

	// Repair fetch: ask providers in preference order for the full range,
	// merge with what the store had and write back.
	fetched, fetchErr := h.fetchFromProviders(ctx, symbol, tf, r)
	if fetchErr != nil && len(stored) == 0 {
		return GetResult{}, fetchErr
	}

	merged := NormalizeBars(append(stored, fetched...))
	if len(fetched) > 0 {
		if err := h.store.Append(fetched); err != nil {
			return GetResult{}, err
		}
	}
	// Re-read so preferred-source resolution applies to the merged set.
	final, err := h.store.GetRange(symbol, tf, r)
	if err != nil {
		return GetResult{}, err
	}
	if len(final) == 0 {
		final = merged
	}

	h.cache.Put(symbol, tf, final)

	hasGaps := !h.rangeComplete(final, tf, r)
	if hasGaps {
		h.log.Debug().
			Str("symbol", symbol).
			Str("timeframe", string(tf)).
			Msg("Returning range with unrepaired gaps")
	}
	return GetResult{Bars: final, HasGaps: hasGaps}, nil
}

// fetchFromProviders tries each provider in order until one returns bars.
func (h *Hub) fetchFromProviders(ctx context.Context, symbol string, tf domain.Timeframe, r domain.BarRange) ([]domain.Bar, error) {
	var lastErr error
	for _, p := range h.providers {
		bars, err := p.FetchBars(ctx, symbol, tf, r)
		if err != nil {
			h.log.Warn().Err(err).Str("provider", p.Name()).Str("symbol", symbol).Msg("Provider fetch failed")
			lastErr = err
			continue
		}
		if len(bars) > 0 {
			return bars, nil
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("all providers failed: %w", lastErr)
	}
	return nil, nil
}

// rangeComplete reports whether the bars plausibly cover the range without
// intermediate gaps.
func (h *Hub) rangeComplete(bars []domain.Bar, tf domain.Timeframe, r domain.BarRange) bool {
	if len(bars) == 0 {
		return false
	}
	if len(DetectGaps(bars, tf)) > 0 {
		return false
	}
	// The first bar must be within one step of the range start and the last
	// within one step of the end (the final bar may not have closed yet).
	step := tf.Duration()
	if bars[0].TS.Sub(r.From) > step {
		return false
	}
	if r.To.Sub(bars[len(bars)-1].TS) > 2*step {
		return false
	}
	return true
}

// Subscribe registers for new bars on (symbol, timeframe). Bars are delivered
// in strict timestamp order per symbol. The subscription is dropped after the
// buffer overflows; Unsubscribe or context cancellation also remove it.
func (h *Hub) Subscribe(symbol string, tf domain.Timeframe) (*Subscriber, error) {
	if h.closed.Load() {
		return nil, domain.ErrClosed
	}
	if !tf.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedTimeframe, tf)
	}

	key := seriesKey{symbol, tf}
	ch := make(chan domain.Bar, h.bufferSize)
	sub := &Subscriber{C: ch, ch: ch, key: key}

	h.subsMu.Lock()
	h.subs[key] = append(h.subs[key], sub)
	h.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes the subscriber and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	h.subsMu.Lock()
	list := h.subs[sub.key]
	for i, s := range list {
		if s == sub {
			h.subs[sub.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	h.subsMu.Unlock()
	close(sub.ch)
}

// Publish persists a new bar, updates the cache and fans it out. Out-of-order
// bars (ts <= last delivered for the symbol/timeframe) are stored but not
// delivered, preserving the per-symbol ordering guarantee.
func (h *Hub) Publish(bar domain.Bar) error {
	if h.closed.Load() {
		return domain.ErrClosed
	}
	bar.TS = bar.TS.UTC()
	if bar.ReceivedAt.IsZero() {
		bar.ReceivedAt = time.Now()
	}

	if err := h.store.Append([]domain.Bar{bar}); err != nil {
		return err
	}
	h.cache.Add(bar)

	key := seriesKey{bar.Symbol, bar.Timeframe}

	h.subsMu.Lock()
	if last, ok := h.lastTS[key]; ok && !bar.TS.After(last) {
		h.subsMu.Unlock()
		return nil
	}
	h.lastTS[key] = bar.TS
	subs := make([]*Subscriber, len(h.subs[key]))
	copy(subs, h.subs[key])
	h.subsMu.Unlock()

	var lagging []*Subscriber
	for _, sub := range subs {
		select {
		case sub.ch <- bar:
		default:
			// Buffer full: the consumer is too slow, drop it.
			sub.lag.Add(1)
			lagging = append(lagging, sub)
		}
	}
	for _, sub := range lagging {
		h.dropped.Add(1)
		h.log.Warn().
			Str("symbol", bar.Symbol).
			Str("timeframe", string(bar.Timeframe)).
			Int64("lag", sub.Lag()).
			Msg("Dropping slow subscriber")
		h.Unsubscribe(sub)
	}
	return nil
}

// DroppedSubscribers returns the total number of subscribers dropped for
// lagging since startup.
func (h *Hub) DroppedSubscribers() int64 {
	return h.dropped.Load()
}

// Close terminates all subscriptions.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.subsMu.Lock()
	subs := h.subs
	h.subs = make(map[seriesKey][]*Subscriber)
	h.subsMu.Unlock()

	for _, list := range subs {
		for _, sub := range list {
			if sub.closed.CompareAndSwap(false, true) {
				close(sub.ch)
			}
		}
	}
}

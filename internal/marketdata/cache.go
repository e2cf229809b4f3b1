package marketdata

import (
	"container/list"
	"sync"

	"github.com/openquant/tradecore/internal/domain"
)

// seriesKey identifies a cached bar sequence.
type seriesKey struct {
	symbol string
	tf     domain.Timeframe
}

// SeriesCache is a bounded LRU of bar sequences keyed by (symbol, timeframe).
// Entries hold an ordered slice of bars; the hub appends new bars in place and
// the eviction policy drops the least recently read series.
type SeriesCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used; values are *seriesEntry
	entries  map[seriesKey]*list.Element
}

type seriesEntry struct {
	key  seriesKey
	bars []domain.Bar // ascending by TS
}

// NewSeriesCache creates an LRU cache holding at most capacity series.
func NewSeriesCache(capacity int) *SeriesCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &SeriesCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[seriesKey]*list.Element),
	}
}

// Get returns the cached bars covering the range, or nil with covered=false
// when the cache cannot fully serve it.
func (c *SeriesCache) Get(symbol string, tf domain.Timeframe, r domain.BarRange) (bars []domain.Bar, covered bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[seriesKey{symbol, tf}]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	entry := elem.Value.(*seriesEntry)

	if len(entry.bars) == 0 {
		return nil, false
	}
	// The cached series must span the requested range to count as a hit;
	// a partial overlap still requires a store/provider fetch.
	first, last := entry.bars[0].TS, entry.bars[len(entry.bars)-1].TS
	if first.After(r.From) || last.Before(r.To.Add(-tf.Duration())) {
		return nil, false
	}

	for _, b := range entry.bars {
		if r.Contains(b.TS) {
			bars = append(bars, b)
		}
	}
	if len(bars) == 0 {
		return nil, false
	}
	return bars, true
}

// Put replaces the cached series for (symbol, timeframe), evicting the least
// recently used series when over capacity. Write-through: callers persist to
// the store first.
func (c *SeriesCache) Put(symbol string, tf domain.Timeframe, bars []domain.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := seriesKey{symbol, tf}
	if elem, ok := c.entries[key]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*seriesEntry).bars = bars
		return
	}

	elem := c.order.PushFront(&seriesEntry{key: key, bars: bars})
	c.entries[key] = elem

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*seriesEntry).key)
	}
}

// Add appends a single bar to a cached series if present, keeping ascending
// order. A bar older than the cached tail is ignored (the store remains the
// source of truth for rewrites).
func (c *SeriesCache) Add(bar domain.Bar) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[seriesKey{bar.Symbol, bar.Timeframe}]
	if !ok {
		return
	}
	entry := elem.Value.(*seriesEntry)
	if n := len(entry.bars); n > 0 && !bar.TS.After(entry.bars[n-1].TS) {
		return
	}
	entry.bars = append(entry.bars, bar)
}

// Len returns the number of cached series.
func (c *SeriesCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

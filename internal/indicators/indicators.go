// Package indicators holds the indicator snapshot contract and an in-process
// cache of the latest snapshot per market.
package indicators

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// Snapshot is the latest indicator values for a market. Histories are
// ascending (oldest first).
type Snapshot struct {
	Symbol       string
	Timestamp    time.Time
	Price        float64
	VWAP         float64
	BBUpper      float64
	BBLower      float64
	RSI          float64
	PriceHistory []float64
	OBVHistory   []float64
}

// Source supplies indicator snapshots.
type Source interface {
	FetchLatest(ctx context.Context, symbol string) (Snapshot, error)
}

// Cache keeps the newest snapshot per symbol. Snapshots older than maxAge are
// reported as unavailable.
type Cache struct {
	mu     sync.RWMutex
	latest map[string]Snapshot
	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a cache. A zero maxAge disables the staleness check.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		latest: make(map[string]Snapshot),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Put stores s unless a newer snapshot for the symbol is already cached.
// It reports whether s was stored.
func (c *Cache) Put(s Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.latest[s.Symbol]; ok && cur.Timestamp.After(s.Timestamp) {
		return false
	}
	s.PriceHistory = append([]float64(nil), s.PriceHistory...)
	s.OBVHistory = append([]float64(nil), s.OBVHistory...)
	c.latest[s.Symbol] = s
	return true
}

// FetchLatest returns the cached snapshot or ErrUpstreamUnavailable.
func (c *Cache) FetchLatest(_ context.Context, symbol string) (Snapshot, error) {
	c.mu.RLock()
	s, ok := c.latest[symbol]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("no indicators for %s: %w", symbol, domain.ErrUpstreamUnavailable)
	}
	if c.maxAge > 0 && c.now().Sub(s.Timestamp) > c.maxAge {
		return Snapshot{}, fmt.Errorf("indicators for %s stale since %s: %w",
			symbol, s.Timestamp.Format(time.RFC3339), domain.ErrUpstreamUnavailable)
	}
	return s, nil
}

// LatestPrice returns the price of the cached snapshot.
func (c *Cache) LatestPrice(ctx context.Context, symbol string) (float64, error) {
	s, err := c.FetchLatest(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return s.Price, nil
}

// Symbols lists the markets with a cached snapshot.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.latest))
	for s := range c.latest {
		out = append(out, s)
	}
	return out
}

package indicators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

func TestCache_MissingIsUnavailable(t *testing.T) {
	c := NewCache(0)
	_, err := c.FetchLatest(context.Background(), "BTC-USD")
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable))
	_, err = c.LatestPrice(context.Background(), "BTC-USD")
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable))
}

func TestCache_KeepsNewest(t *testing.T) {
	c := NewCache(0)
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, c.Put(Snapshot{Symbol: "BTC-USD", Timestamp: t0.Add(time.Minute), Price: 2}))
	assert.False(t, c.Put(Snapshot{Symbol: "BTC-USD", Timestamp: t0, Price: 1}))

	p, err := c.LatestPrice(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 2.0, p)
}

func TestCache_Stale(t *testing.T) {
	c := NewCache(10 * time.Minute)
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Put(Snapshot{Symbol: "BTC-USD", Timestamp: now.Add(-5 * time.Minute), Price: 1})
	_, err := c.FetchLatest(context.Background(), "BTC-USD")
	require.NoError(t, err)

	now = now.Add(6 * time.Minute)
	_, err = c.FetchLatest(context.Background(), "BTC-USD")
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable))
}

func TestCache_CopiesHistories(t *testing.T) {
	c := NewCache(0)
	hist := []float64{1, 2, 3}
	c.Put(Snapshot{Symbol: "BTC-USD", Timestamp: time.Now(), PriceHistory: hist})
	hist[0] = 99

	s, err := c.FetchLatest(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, s.PriceHistory)
}

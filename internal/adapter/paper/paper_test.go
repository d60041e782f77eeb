package paper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
	"github.com/Spot-Canvas/autotrader/internal/store/memory"
)

type fakePrices struct {
	mu     sync.Mutex
	prices map[string]float64
	queued []float64
	reads  int
}

func (f *fakePrices) LatestPrice(_ context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.queued) > 0 {
		p := f.queued[0]
		f.queued = f.queued[1:]
		return p, nil
	}
	p, ok := f.prices[symbol]
	if !ok {
		return 0, domain.ErrUpstreamUnavailable
	}
	return p, nil
}

func (f *fakePrices) set(symbol string, p float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = p
}

type harness struct {
	trader *Trader
	store  *memory.Store
	prices *fakePrices
	now    time.Time
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		prices: &fakePrices{prices: map[string]float64{}},
		now:    time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	cfg := Config{
		InitialBalance:       1000,
		FeeRate:              0,
		InitialMarginRate:    1,
		DefaultLeverage:      1,
		MaxLeverage:          10,
		LiquidationThreshold: 0.05,
		MinTradeSize:         10,
		ExchangeType:         adapter.ExchangeOrderbook,
		Symbols:              []string{"BTC-USD", "ETH-USD"},
		Now:                  func() time.Time { return h.now },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.trader = New(cfg, h.store, h.prices, zerolog.Nop())
	return h
}

var opts = adapter.OrderbookOptions{}

func TestRoundTrip_FeesAndPnL(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.FeeRate = 0.001 })

	const p1, p2 = 42150.37, 43012.88
	h.prices.set("BTC-USD", p1)

	res, err := h.trader.OpenLong(ctx, "BTC-USD", 500, opts)
	require.NoError(t, err)
	assert.InDelta(t, 500/p1, res.Fill().Quantity, 1e-12)
	assert.InDelta(t, -0.5, res.Fill().RealizedPnL, 1e-12)
	openPnL := res.Fill().RealizedPnL

	pos, err := h.trader.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, 500/p1, pos.Size, 1e-12)
	assert.Equal(t, p1, pos.EntryPrice)
	assert.True(t, pos.IsLong)

	h.prices.set("BTC-USD", p2)
	res, err = h.trader.CloseLong(ctx, "BTC-USD", pos.Size, opts)
	require.NoError(t, err)

	qty := 500 / p1
	want := 1000 - 500*0.001 + (p2-p1)*qty - qty*p2*0.001
	bal, err := h.trader.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, want, bal, 1e-6)
	assert.InDelta(t, bal-1000, openPnL+res.Fill().RealizedPnL, 1e-6)

	pos, err = h.trader.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Nil(t, pos)
}

// queue makes the next reads return prices in order before falling back.
func (f *fakePrices) queue(prices ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued = append(f.queued, prices...)
	f.reads = 0
}

func TestOpen_MergeFillsAtCheckedPrice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prices.set("BTC-USD", 100)
	_, err := h.trader.OpenLong(ctx, "BTC-USD", 100, opts)
	require.NoError(t, err)

	h.prices.queue(110, 120)
	res, err := h.trader.OpenLong(ctx, "BTC-USD", 110, opts)
	require.NoError(t, err)
	assert.Equal(t, 110.0, res.Fill().Price)
	assert.InDelta(t, 1.0, res.Fill().Quantity, 1e-12)
	assert.Equal(t, 1, h.prices.reads)
}

func TestOpen_WeightedAverageEntry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	h.prices.set("BTC-USD", 100)
	_, err := h.trader.OpenLong(ctx, "BTC-USD", 100, opts)
	require.NoError(t, err)

	h.prices.set("BTC-USD", 200)
	_, err = h.trader.OpenLong(ctx, "BTC-USD", 200, opts)
	require.NoError(t, err)

	pos, err := h.trader.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.InDelta(t, 2.0, pos.Size, 1e-12)
	assert.InDelta(t, 150.0, pos.EntryPrice, 1e-12)
	require.Len(t, pos.Partials, 2)
	assert.InDelta(t, pos.Size, pos.PartialsSize(), 1e-12)
}

func TestOpen_InsufficientBalanceLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.InitialBalance = 100 })
	h.prices.set("BTC-USD", 100)

	_, err := h.trader.OpenLong(ctx, "BTC-USD", 200, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

	bal, err := h.trader.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100.0, bal)
	pos, err := h.store.GetPosition(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Nil(t, pos)

	_, err = h.trader.OpenLong(ctx, "BTC-USD", 60, opts)
	require.NoError(t, err)
	_, err = h.trader.OpenLong(ctx, "BTC-USD", 60, opts)
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))

	pos, _ = h.trader.Position(ctx, "BTC-USD")
	require.NotNil(t, pos)
	assert.InDelta(t, 0.6, pos.Size, 1e-12)
	require.Len(t, pos.Partials, 1)
	bal, _ = h.trader.Balance(ctx)
	assert.InDelta(t, 40.0, bal, 1e-12)
}

func TestInvalidOptionsType(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prices.set("BTC-USD", 100)

	tests := []struct {
		name string
		opts adapter.TradeOptions
	}{
		{"amm options", adapter.AMMOptions{SlippageBps: 50}},
		{"hybrid options", adapter.HybridOptions{}},
		{"nil options", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.trader.OpenLong(ctx, "BTC-USD", 100, tt.opts)
			assert.True(t, errors.Is(err, domain.ErrInvalidOptionsType))
			_, err = h.trader.ExpectedTradeReturn(ctx, "BTC-USD", 100, true, true, tt.opts)
			assert.True(t, errors.Is(err, domain.ErrInvalidOptionsType))
		})
	}

	pos, _ := h.store.GetPosition(ctx, "BTC-USD")
	assert.Nil(t, pos)
}

func TestUnsupportedSymbol(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prices.set("DOGE-USD", 0.1)

	_, err := h.trader.Price(ctx, "DOGE-USD", 0)
	assert.True(t, errors.Is(err, domain.ErrUnsupportedSymbol))
	_, err = h.trader.MarketInfo(ctx, "DOGE-USD")
	assert.True(t, errors.Is(err, domain.ErrUnsupportedSymbol))
	_, err = h.trader.Position(ctx, "DOGE-USD")
	assert.True(t, errors.Is(err, domain.ErrUnsupportedSymbol))

	active, err := h.trader.IsMarketActive(ctx, "DOGE-USD")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestIsMarketActive_StalePrice(t *testing.T) {
	h := newHarness(t, nil)
	active, err := h.trader.IsMarketActive(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.False(t, active)

	h.prices.set("BTC-USD", 100)
	active, err = h.trader.IsMarketActive(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.True(t, active)
}

func TestLiquidationBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.LiquidationThreshold = 50.0 / 950.0 })
	h.prices.set("BTC-USD", 100)

	_, err := h.trader.OpenLong(ctx, "BTC-USD", 1000, adapter.OrderbookOptions{Leverage: 10})
	require.NoError(t, err)

	bal, _ := h.trader.Balance(ctx)
	assert.InDelta(t, 900.0, bal, 1e-12)

	h.prices.set("BTC-USD", 95.01)
	pos, err := h.trader.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 10.0, *pos.Leverage)
	assert.Equal(t, 100.0, *pos.Margin)

	h.prices.set("BTC-USD", 95)
	pos, err = h.trader.Position(ctx, "BTC-USD")
	assert.Nil(t, pos)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrLiquidationTriggered))

	var liq *domain.LiquidationError
	require.True(t, errors.As(err, &liq))
	assert.Equal(t, "BTC-USD", liq.Symbol)
	assert.Equal(t, 10.0, liq.Size)
	assert.InDelta(t, -50.0, liq.RealizedPnL, 1e-9)

	bal, _ = h.trader.Balance(ctx)
	assert.InDelta(t, 950.0, bal, 1e-9)
	stored, _ := h.store.GetPosition(ctx, "BTC-USD")
	assert.Nil(t, stored)
}

func TestLiquidation_CreditFlooredAtZero(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prices.set("BTC-USD", 100)

	_, err := h.trader.OpenLong(ctx, "BTC-USD", 1000, adapter.OrderbookOptions{Leverage: 10})
	require.NoError(t, err)

	h.prices.set("BTC-USD", 50)
	_, err = h.trader.CloseLong(ctx, "BTC-USD", 1, opts)
	assert.True(t, errors.Is(err, domain.ErrLiquidationTriggered))

	bal, _ := h.trader.Balance(ctx)
	assert.InDelta(t, 900.0, bal, 1e-9)
}

func TestLeverageCappedAtMax(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.MaxLeverage = 5 })
	h.prices.set("BTC-USD", 100)

	_, err := h.trader.OpenLong(ctx, "BTC-USD", 1000, adapter.OrderbookOptions{Leverage: 50})
	require.NoError(t, err)
	pos, _ := h.trader.Position(ctx, "BTC-USD")
	require.NotNil(t, pos)
	assert.Equal(t, 5.0, *pos.Leverage)
	assert.Equal(t, 200.0, *pos.Margin)
}

func TestFunding(t *testing.T) {
	tests := []struct {
		name string
		long bool
		want float64
	}{
		{"long pays", true, 980},
		{"short receives", false, 1020},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, func(c *Config) { c.FundingRatePerHour = 0.01 })
			h.prices.set("BTC-USD", 100)

			_, err := adapter.OpenFor(ctx, h.trader, "BTC-USD", tt.long, 1000, opts)
			require.NoError(t, err)

			h.now = h.now.Add(2 * time.Hour)
			pos, err := h.trader.Position(ctx, "BTC-USD")
			require.NoError(t, err)
			res, err := adapter.CloseFor(ctx, h.trader, pos, pos.Size, opts)
			require.NoError(t, err)
			assert.InDelta(t, 1000-tt.want, res.Fill().Funding, 1e-9)

			bal, _ := h.trader.Balance(ctx)
			assert.InDelta(t, tt.want, bal, 1e-9)
		})
	}
}

func TestShortRoundTripAndDirectionMismatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prices.set("ETH-USD", 100)

	_, err := h.trader.OpenShort(ctx, "ETH-USD", 1000, opts)
	require.NoError(t, err)

	_, err = h.trader.OpenLong(ctx, "ETH-USD", 100, opts)
	assert.True(t, errors.Is(err, domain.ErrDirectionMismatch))
	_, err = h.trader.CloseLong(ctx, "ETH-USD", 1, opts)
	assert.True(t, errors.Is(err, domain.ErrDirectionMismatch))

	h.prices.set("ETH-USD", 90)
	pos, err := h.trader.Position(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.False(t, pos.IsLong)
	assert.InDelta(t, 10.0, pos.Size, 1e-12)
	assert.InDelta(t, 100.0, pos.UnrealizedPnL, 1e-9)

	_, err = h.trader.CloseShort(ctx, "ETH-USD", 100, opts)
	require.NoError(t, err, "closing more than the size clamps")

	bal, _ := h.trader.Balance(ctx)
	assert.InDelta(t, 1100.0, bal, 1e-9)
}

func TestClose_WithoutPosition(t *testing.T) {
	h := newHarness(t, nil)
	h.prices.set("BTC-USD", 100)
	_, err := h.trader.CloseLong(context.Background(), "BTC-USD", 1, opts)
	assert.True(t, errors.Is(err, domain.ErrNoPosition))
}

func TestClose_ScalesPartials(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prices.set("BTC-USD", 100)
	_, err := h.trader.OpenLong(ctx, "BTC-USD", 100, opts)
	require.NoError(t, err)
	h.prices.set("BTC-USD", 200)
	_, err = h.trader.OpenLong(ctx, "BTC-USD", 100, opts)
	require.NoError(t, err)

	_, err = h.trader.CloseLong(ctx, "BTC-USD", 0.75, opts)
	require.NoError(t, err)

	pos, err := h.trader.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, pos.Partials, 2)
	assert.InDelta(t, 0.5, pos.Partials[0].Size, 1e-12)
	assert.InDelta(t, 0.25, pos.Partials[1].Size, 1e-12)
	assert.InDelta(t, 0.75, pos.Size, 1e-12)
	assert.InDelta(t, 100.0, *pos.Margin, 1e-9)
}

func TestClosePartials(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	h.prices.set("BTC-USD", 100)
	_, err := h.trader.OpenLong(ctx, "BTC-USD", 100, opts)
	require.NoError(t, err)
	h.prices.set("BTC-USD", 200)
	_, err = h.trader.OpenLong(ctx, "BTC-USD", 100, opts)
	require.NoError(t, err)

	h.prices.set("BTC-USD", 150)
	_, err = h.trader.ClosePartials(ctx, "BTC-USD", []int{5}, opts)
	assert.True(t, errors.Is(err, domain.ErrInvalidPartial))
	_, err = h.trader.ClosePartials(ctx, "BTC-USD", []int{0, 0}, opts)
	assert.True(t, errors.Is(err, domain.ErrInvalidPartial))

	res, err := h.trader.ClosePartials(ctx, "BTC-USD", []int{0}, opts)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, res.Fill().RealizedPnL, 1e-9)

	pos, err := h.trader.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, pos.Partials, 1)
	assert.InDelta(t, 0.5, pos.Size, 1e-12)
	assert.InDelta(t, 200.0, pos.EntryPrice, 1e-9)
	bal, _ := h.trader.Balance(ctx)
	assert.InDelta(t, 800+200.0/1.5+50, bal, 1e-9)

	_, err = h.trader.ClosePartials(ctx, "BTC-USD", []int{0}, opts)
	require.NoError(t, err)
	pos, err = h.trader.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Nil(t, pos)
	bal, _ = h.trader.Balance(ctx)
	assert.InDelta(t, 1025.0, bal, 1e-9)
}

func TestExpectedTradeReturn_NoSideEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.FeeRate = 0.001 })
	h.prices.set("BTC-USD", 100)

	est, err := h.trader.ExpectedTradeReturn(ctx, "BTC-USD", 500, true, true, adapter.OrderbookOptions{Leverage: 5})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, est.Quantity, 1e-12)
	assert.InDelta(t, 100.0, est.Margin, 1e-12)
	assert.InDelta(t, 0.5, est.Fee, 1e-12)
	assert.InDelta(t, 100.5, est.Cost, 1e-12)

	_, err = h.trader.OpenLong(ctx, "BTC-USD", 500, opts)
	require.NoError(t, err)
	before, _ := h.trader.Balance(ctx)

	h.prices.set("BTC-USD", 110)
	est, err = h.trader.ExpectedTradeReturn(ctx, "BTC-USD", 5, true, false, opts)
	require.NoError(t, err)
	assert.InDelta(t, 500+50-0.55, est.Proceeds, 1e-9)

	after, _ := h.trader.Balance(ctx)
	assert.Equal(t, before, after)
	pos, _ := h.trader.Position(ctx, "BTC-USD")
	assert.InDelta(t, 5.0, pos.Size, 1e-12)
}

func TestVariantsFollowExchangeType(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(c *Config) { c.ExchangeType = adapter.ExchangeAMM })
	h.prices.set("BTC-USD", 100)

	info, err := h.trader.MarketInfo(ctx, "BTC-USD")
	require.NoError(t, err)
	_, ok := info.(adapter.AMMMarketInfo)
	assert.True(t, ok)

	fees, err := h.trader.Fees(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, adapter.ExchangeAMM, fees.ExchangeType())

	res, err := h.trader.OpenLong(ctx, "BTC-USD", 100, adapter.AMMOptions{Route: []string{"USDC", "WBTC"}})
	require.NoError(t, err)
	amm, ok := res.(adapter.AMMResult)
	require.True(t, ok)
	assert.Equal(t, []string{"USDC", "WBTC"}, amm.Route)

	_, err = h.trader.OpenLong(ctx, "BTC-USD", 100, opts)
	assert.True(t, errors.Is(err, domain.ErrInvalidOptionsType))
}

func TestPositionHistory(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.prices.set("BTC-USD", 100)
	h.prices.set("ETH-USD", 10)

	_, err := h.trader.OpenLong(ctx, "BTC-USD", 100, opts)
	require.NoError(t, err)
	_, err = h.trader.OpenLong(ctx, "ETH-USD", 100, opts)
	require.NoError(t, err)
	_, err = h.trader.CloseLong(ctx, "BTC-USD", 1, opts)
	require.NoError(t, err)

	fills, err := h.trader.PositionHistory(ctx, "BTC-USD", 10)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.False(t, fills[0].IsOpen)
	assert.True(t, fills[1].IsOpen)

	all, err := h.trader.PositionHistory(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	pos, err := h.trader.Position(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Nil(t, pos)
	pos, err = h.trader.Position(ctx, "ETH-USD")
	require.NoError(t, err)
	require.NotNil(t, pos)
}

// Package adapter defines the venue-agnostic trading interface. Optional venue
// features are separate capability interfaces detected with a type assertion.
package adapter

import (
	"context"
	"fmt"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// Trader is the capability set every venue adapter implements.
//
// Open sizes are quote-currency notional; close sizes are base-asset quantity,
// the unit of domain.Position.Size. Mutating calls either fully succeed or leave
// balance and position untouched.
type Trader interface {
	ExchangeType() ExchangeType
	MarketInfo(ctx context.Context, symbol string) (MarketInfo, error)
	// Price returns the execution price for a quote-notional size, or the
	// mid/last price when size is 0.
	Price(ctx context.Context, symbol string, size float64) (float64, error)
	LiquidityDepth(ctx context.Context, symbol string, depth int) (Depth, error)
	Balance(ctx context.Context) (float64, error)
	// Position returns nil when the market is flat.
	Position(ctx context.Context, symbol string) (*domain.Position, error)
	OpenLong(ctx context.Context, symbol string, size float64, opts TradeOptions) (TradeResult, error)
	CloseLong(ctx context.Context, symbol string, size float64, opts TradeOptions) (TradeResult, error)
	// ExpectedTradeReturn simulates a trade without side effects, priced from the
	// same source as execution.
	ExpectedTradeReturn(ctx context.Context, symbol string, size float64, isLong, isOpen bool, opts TradeOptions) (Estimate, error)
	IsMarketActive(ctx context.Context, symbol string) (bool, error)
}

// ShortSeller is implemented by venues that can open short positions.
type ShortSeller interface {
	OpenShort(ctx context.Context, symbol string, size float64, opts TradeOptions) (TradeResult, error)
	CloseShort(ctx context.Context, symbol string, size float64, opts TradeOptions) (TradeResult, error)
}

// FeeQuoter is implemented by venues that can quote their fee schedule.
type FeeQuoter interface {
	Fees(ctx context.Context, symbol string) (Fees, error)
}

// MarketLister is implemented by venues that enumerate their markets.
type MarketLister interface {
	SupportedMarkets(ctx context.Context) ([]string, error)
}

// MinimumSizer is implemented by venues with a minimum trade size (quote notional).
type MinimumSizer interface {
	MinimumTradeSize(ctx context.Context, symbol string) (float64, error)
}

// HistoryProvider is implemented by venues that keep a fill history.
// An empty symbol returns fills across all markets, newest first.
type HistoryProvider interface {
	PositionHistory(ctx context.Context, symbol string, limit int) ([]Fill, error)
}

// PartialCloser is implemented by venues that track layered entries and can
// close a subset of partials by index.
type PartialCloser interface {
	ClosePartials(ctx context.Context, symbol string, indexes []int, opts TradeOptions) (TradeResult, error)
}

// Estimate is the outcome of a simulated trade.
type Estimate struct {
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	Notional    float64 `json:"notional"`
	Fee         float64 `json:"fee"`
	Margin      float64 `json:"margin"`
	PriceImpact float64 `json:"price_impact"`
	// Cost is what the trade debits from balance (opens) and Proceeds what it
	// credits (closes).
	Cost     float64 `json:"cost"`
	Proceeds float64 `json:"proceeds"`
}

// DepthLevel is one price level of available liquidity.
type DepthLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Depth is the liquidity available on each side of a market.
type Depth struct {
	Symbol string       `json:"symbol"`
	Bids   []DepthLevel `json:"bids"`
	Asks   []DepthLevel `json:"asks"`
}

// CloseFor dispatches a close to the side matching the position direction.
func CloseFor(ctx context.Context, t Trader, pos *domain.Position, size float64, opts TradeOptions) (TradeResult, error) {
	if pos.IsLong {
		return t.CloseLong(ctx, pos.Symbol, size, opts)
	}
	ss, ok := t.(ShortSeller)
	if !ok {
		return nil, fmt.Errorf("close short %s: %w", pos.Symbol, domain.ErrCapabilityMissing)
	}
	return ss.CloseShort(ctx, pos.Symbol, size, opts)
}

// OpenFor dispatches an open to the requested direction.
func OpenFor(ctx context.Context, t Trader, symbol string, isLong bool, size float64, opts TradeOptions) (TradeResult, error) {
	if isLong {
		return t.OpenLong(ctx, symbol, size, opts)
	}
	ss, ok := t.(ShortSeller)
	if !ok {
		return nil, fmt.Errorf("open short %s: %w", symbol, domain.ErrCapabilityMissing)
	}
	return ss.OpenShort(ctx, symbol, size, opts)
}

package adapter

import (
	"fmt"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// ExchangeType tags every venue-specific value.
type ExchangeType string

const (
	ExchangeAMM       ExchangeType = "AMM"
	ExchangeOrderbook ExchangeType = "ORDERBOOK"
	ExchangeHybrid    ExchangeType = "HYBRID"
)

// ParseExchangeType parses a configured exchange type.
func ParseExchangeType(s string) (ExchangeType, error) {
	switch t := ExchangeType(s); t {
	case ExchangeAMM, ExchangeOrderbook, ExchangeHybrid:
		return t, nil
	}
	return "", fmt.Errorf("unknown exchange type %q", s)
}

// TradeOptions is a sealed union of per-venue trade options.
type TradeOptions interface {
	ExchangeType() ExchangeType
	tradeOptions()
}

// AMMOptions are swap options for AMM pools.
type AMMOptions struct {
	SlippageBps float64       `json:"slippage_bps"`
	Route       []string      `json:"route,omitempty"`
	Deadline    time.Duration `json:"deadline,omitempty"`
}

// OrderbookOptions are order options for orderbook venues.
type OrderbookOptions struct {
	Leverage      float64 `json:"leverage,omitempty"`
	ReduceOnly    bool    `json:"reduce_only,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

// HybridOptions carry options for both legs of a hybrid venue.
type HybridOptions struct {
	AMM       AMMOptions       `json:"amm"`
	Orderbook OrderbookOptions `json:"orderbook"`
}

func (AMMOptions) ExchangeType() ExchangeType       { return ExchangeAMM }
func (OrderbookOptions) ExchangeType() ExchangeType { return ExchangeOrderbook }
func (HybridOptions) ExchangeType() ExchangeType    { return ExchangeHybrid }

func (AMMOptions) tradeOptions()       {}
func (OrderbookOptions) tradeOptions() {}
func (HybridOptions) tradeOptions()    {}

// DefaultOptions returns zero-valued options tagged for t.
func DefaultOptions(t ExchangeType) TradeOptions {
	switch t {
	case ExchangeAMM:
		return AMMOptions{}
	case ExchangeOrderbook:
		return OrderbookOptions{}
	case ExchangeHybrid:
		return HybridOptions{}
	}
	panic(fmt.Sprintf("adapter: unknown exchange type %q", t))
}

// ValidateOptions fails with ErrInvalidOptionsType when opts is missing or
// tagged for a different exchange type.
func ValidateOptions(want ExchangeType, opts TradeOptions) error {
	if opts == nil {
		return fmt.Errorf("%w: missing options, want %s", domain.ErrInvalidOptionsType, want)
	}
	if got := opts.ExchangeType(); got != want {
		return fmt.Errorf("%w: got %s, want %s", domain.ErrInvalidOptionsType, got, want)
	}
	return nil
}

// Fill holds the fields common to every trade result.
type Fill struct {
	Symbol      string    `json:"symbol"`
	IsLong      bool      `json:"is_long"`
	IsOpen      bool      `json:"is_open"`
	Quantity    float64   `json:"quantity"`
	Price       float64   `json:"price"`
	Notional    float64   `json:"notional"`
	Fee         float64   `json:"fee"`
	Funding     float64   `json:"funding"`
	RealizedPnL float64   `json:"realized_pnl"`
	Timestamp   time.Time `json:"timestamp"`
}

// TradeResult is a sealed union of per-venue execution results.
type TradeResult interface {
	ExchangeType() ExchangeType
	Fill() Fill
	tradeResult()
}

// AMMResult is the result of a pool swap.
type AMMResult struct {
	Base        Fill     `json:"fill"`
	PriceImpact float64  `json:"price_impact"`
	Route       []string `json:"route"`
	TxHash      string   `json:"tx_hash,omitempty"`
}

// OrderbookResult is the result of an order fill.
type OrderbookResult struct {
	Base    Fill   `json:"fill"`
	OrderID string `json:"order_id"`
}

// HybridResult is the result of a hybrid venue execution.
type HybridResult struct {
	Base        Fill     `json:"fill"`
	OrderID     string   `json:"order_id,omitempty"`
	PriceImpact float64  `json:"price_impact"`
	Route       []string `json:"route,omitempty"`
}

func (AMMResult) ExchangeType() ExchangeType       { return ExchangeAMM }
func (OrderbookResult) ExchangeType() ExchangeType { return ExchangeOrderbook }
func (HybridResult) ExchangeType() ExchangeType    { return ExchangeHybrid }

func (r AMMResult) Fill() Fill       { return r.Base }
func (r OrderbookResult) Fill() Fill { return r.Base }
func (r HybridResult) Fill() Fill    { return r.Base }

func (AMMResult) tradeResult()       {}
func (OrderbookResult) tradeResult() {}
func (HybridResult) tradeResult()    {}

// NewResult wraps a fill in the result variant for t. Venue-specific fields are
// left for the caller to set.
func NewResult(t ExchangeType, f Fill) TradeResult {
	switch t {
	case ExchangeAMM:
		return AMMResult{Base: f, Route: []string{f.Symbol}}
	case ExchangeOrderbook:
		return OrderbookResult{Base: f}
	case ExchangeHybrid:
		return HybridResult{Base: f}
	}
	panic(fmt.Sprintf("adapter: unknown exchange type %q", t))
}

// MarketInfo is a sealed union of per-venue market descriptions.
type MarketInfo interface {
	ExchangeType() ExchangeType
	MarketSymbol() string
	marketInfo()
}

// AMMMarketInfo describes a constant-product pool.
type AMMMarketInfo struct {
	Symbol       string  `json:"symbol"`
	PoolAddress  string  `json:"pool_address"`
	BaseReserve  float64 `json:"base_reserve"`
	QuoteReserve float64 `json:"quote_reserve"`
	FeeRate      float64 `json:"fee_rate"`
}

// OrderbookMarketInfo describes an orderbook market.
type OrderbookMarketInfo struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinQuantity float64 `json:"min_quantity"`
	MaxLeverage float64 `json:"max_leverage"`
	FundingRate float64 `json:"funding_rate"`
	Status      string  `json:"status"`
}

// HybridMarketInfo describes a venue with both pool and book liquidity.
type HybridMarketInfo struct {
	Pool AMMMarketInfo       `json:"pool"`
	Book OrderbookMarketInfo `json:"book"`
}

func (AMMMarketInfo) ExchangeType() ExchangeType       { return ExchangeAMM }
func (OrderbookMarketInfo) ExchangeType() ExchangeType { return ExchangeOrderbook }
func (HybridMarketInfo) ExchangeType() ExchangeType    { return ExchangeHybrid }

func (m AMMMarketInfo) MarketSymbol() string       { return m.Symbol }
func (m OrderbookMarketInfo) MarketSymbol() string { return m.Symbol }
func (m HybridMarketInfo) MarketSymbol() string    { return m.Book.Symbol }

func (AMMMarketInfo) marketInfo()       {}
func (OrderbookMarketInfo) marketInfo() {}
func (HybridMarketInfo) marketInfo()    {}

// Fees is a sealed union of per-venue fee schedules.
type Fees interface {
	ExchangeType() ExchangeType
	// TakerRate is the fraction of notional charged on a market execution.
	TakerRate() float64
	fees()
}

// AMMFees is a pool's swap fee.
type AMMFees struct {
	SwapFeeRate float64 `json:"swap_fee_rate"`
	GasEstimate float64 `json:"gas_estimate"`
}

// OrderbookFees is an orderbook fee schedule.
type OrderbookFees struct {
	Maker       float64 `json:"maker_rate"`
	Taker       float64 `json:"taker_rate"`
	FundingRate float64 `json:"funding_rate"`
}

// HybridFees combines pool and book fees.
type HybridFees struct {
	Pool AMMFees       `json:"pool"`
	Book OrderbookFees `json:"book"`
}

func (AMMFees) ExchangeType() ExchangeType       { return ExchangeAMM }
func (OrderbookFees) ExchangeType() ExchangeType { return ExchangeOrderbook }
func (HybridFees) ExchangeType() ExchangeType    { return ExchangeHybrid }

func (f AMMFees) TakerRate() float64       { return f.SwapFeeRate }
func (f OrderbookFees) TakerRate() float64 { return f.Taker }
func (f HybridFees) TakerRate() float64    { return f.Book.Taker }

func (AMMFees) fees()       {}
func (OrderbookFees) fees() {}
func (HybridFees) fees()    {}

// Package paper implements a simulated venue with margin, funding and
// liquidation bookkeeping. State lives in a domain.PositionStore.
package paper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
)

const historyLimit = 500

// PriceSource supplies the price used for both execution and estimation.
type PriceSource interface {
	LatestPrice(ctx context.Context, symbol string) (float64, error)
}

// Config holds simulator parameters.
type Config struct {
	InitialBalance       float64              `toml:"initial_balance"`
	FeeRate              float64              `toml:"fee_rate"`
	InitialMarginRate    float64              `toml:"initial_margin_rate"`
	DefaultLeverage      float64              `toml:"default_leverage"`
	MaxLeverage          float64              `toml:"max_leverage"`
	FundingRatePerHour   float64              `toml:"funding_rate_per_hour"`
	LiquidationThreshold float64              `toml:"liquidation_threshold"`
	MinTradeSize         float64              `toml:"min_trade_size"`
	ExchangeType         adapter.ExchangeType `toml:"exchange_type"`
	Symbols              []string             `toml:"-"`

	// Now defaults to time.Now.
	Now func() time.Time `toml:"-"`
}

// DefaultConfig returns a 10k paper account on an orderbook-style venue.
func DefaultConfig() Config {
	return Config{
		InitialBalance:       10000,
		FeeRate:              0.001,
		InitialMarginRate:    1,
		DefaultLeverage:      1,
		MaxLeverage:          20,
		FundingRatePerHour:   0.0000125,
		LiquidationThreshold: 0.05,
		MinTradeSize:         10,
		ExchangeType:         adapter.ExchangeOrderbook,
	}
}

// Trader is the paper trading adapter.
type Trader struct {
	cfg     Config
	store   domain.PositionStore
	prices  PriceSource
	symbols map[string]bool
	logger  zerolog.Logger

	mu      sync.Mutex
	history []adapter.Fill
}

// New creates a paper trader over store and prices.
func New(cfg Config, store domain.PositionStore, prices PriceSource, logger zerolog.Logger) *Trader {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = adapter.ExchangeOrderbook
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	if cfg.MaxLeverage < cfg.DefaultLeverage {
		cfg.MaxLeverage = cfg.DefaultLeverage
	}
	if cfg.InitialMarginRate <= 0 {
		cfg.InitialMarginRate = 1
	}
	symbols := make(map[string]bool, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols[s] = true
	}
	return &Trader{
		cfg:     cfg,
		store:   store,
		prices:  prices,
		symbols: symbols,
		logger:  logger.With().Str("component", "paper").Logger(),
	}
}

var (
	_ adapter.Trader          = (*Trader)(nil)
	_ adapter.ShortSeller     = (*Trader)(nil)
	_ adapter.FeeQuoter       = (*Trader)(nil)
	_ adapter.MarketLister    = (*Trader)(nil)
	_ adapter.MinimumSizer    = (*Trader)(nil)
	_ adapter.HistoryProvider = (*Trader)(nil)
	_ adapter.PartialCloser   = (*Trader)(nil)
)

func (t *Trader) ExchangeType() adapter.ExchangeType { return t.cfg.ExchangeType }

func (t *Trader) checkSymbol(symbol string) error {
	if !t.symbols[symbol] {
		return fmt.Errorf("%s: %w", symbol, domain.ErrUnsupportedSymbol)
	}
	return nil
}

func (t *Trader) price(ctx context.Context, symbol string) (float64, error) {
	p, err := t.prices.LatestPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("price %s: %w", symbol, err)
	}
	if p <= 0 {
		return 0, fmt.Errorf("price %s: non-positive price %v: %w", symbol, p, domain.ErrUpstreamUnavailable)
	}
	return p, nil
}

func (t *Trader) balance(ctx context.Context) (float64, error) {
	b, err := t.store.GetBalance(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return t.cfg.InitialBalance, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

func (t *Trader) MarketInfo(ctx context.Context, symbol string) (adapter.MarketInfo, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return nil, err
	}
	price, err := t.price(ctx, symbol)
	if err != nil {
		return nil, err
	}
	book := adapter.OrderbookMarketInfo{
		Symbol:      symbol,
		MinQuantity: t.cfg.MinTradeSize / price,
		MaxLeverage: t.cfg.MaxLeverage,
		FundingRate: t.cfg.FundingRatePerHour,
		Status:      "TRADING",
	}
	pool := adapter.AMMMarketInfo{Symbol: symbol, FeeRate: t.cfg.FeeRate}

	switch t.cfg.ExchangeType {
	case adapter.ExchangeAMM:
		return pool, nil
	case adapter.ExchangeHybrid:
		return adapter.HybridMarketInfo{Pool: pool, Book: book}, nil
	default:
		return book, nil
	}
}

// Price returns the latest price; paper fills have no size-dependent slippage.
func (t *Trader) Price(ctx context.Context, symbol string, _ float64) (float64, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return 0, err
	}
	return t.price(ctx, symbol)
}

// LiquidityDepth reports a single level per side at the latest price, sized to
// what the account balance can trade.
func (t *Trader) LiquidityDepth(ctx context.Context, symbol string, _ int) (adapter.Depth, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return adapter.Depth{}, err
	}
	price, err := t.price(ctx, symbol)
	if err != nil {
		return adapter.Depth{}, err
	}
	bal, err := t.Balance(ctx)
	if err != nil {
		return adapter.Depth{}, err
	}
	level := []adapter.DepthLevel{{Price: price, Quantity: bal / price}}
	return adapter.Depth{Symbol: symbol, Bids: level, Asks: level}, nil
}

func (t *Trader) Balance(ctx context.Context) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.balance(ctx)
}

// Position returns the current position marked to the latest price. A position
// that breaches the liquidation threshold is liquidated and a
// *domain.LiquidationError returned.
func (t *Trader) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	pp, price, err := t.load(ctx, symbol)
	if err != nil || pp == nil {
		return nil, err
	}
	out := pp.toDomain(symbol, price)
	return &out, nil
}

// load reads a position and runs the liquidation check. Callers hold t.mu.
func (t *Trader) load(ctx context.Context, symbol string) (*paperPosition, float64, error) {
	stored, err := t.store.GetPosition(ctx, symbol)
	if err != nil {
		return nil, 0, fmt.Errorf("get position %s: %w", symbol, err)
	}
	if stored == nil {
		return nil, 0, nil
	}
	price, err := t.price(ctx, symbol)
	if err != nil {
		return nil, 0, err
	}
	pp := fromDomain(*stored, t.cfg.DefaultLeverage)
	if err := t.checkLiquidation(ctx, symbol, pp, price); err != nil {
		return nil, 0, err
	}
	return pp, price, nil
}

func (t *Trader) checkLiquidation(ctx context.Context, symbol string, pp *paperPosition, price float64) error {
	ratio, ok := pp.marginRatio(price)
	if !ok || ratio > t.cfg.LiquidationThreshold {
		return nil
	}

	bal, err := t.balance(ctx)
	if err != nil {
		return err
	}
	credit := math.Max(0, pp.margin+pp.unrealized(price))
	newBal := bal + credit
	if err := t.store.Apply(ctx, domain.Mutation{Symbol: symbol, Delete: true, Balance: &newBal}); err != nil {
		return fmt.Errorf("liquidate %s: %w", symbol, err)
	}

	now := t.cfg.Now()
	t.record(adapter.Fill{
		Symbol:      symbol,
		IsLong:      pp.isLong(),
		Quantity:    math.Abs(pp.qty),
		Price:       price,
		Notional:    math.Abs(pp.qty) * price,
		RealizedPnL: credit - pp.margin,
		Timestamp:   now,
	})
	t.logger.Warn().
		Str("symbol", symbol).
		Float64("price", price).
		Float64("margin_ratio", ratio).
		Float64("credit", credit).
		Msg("position liquidated")

	return &domain.LiquidationError{
		Symbol:      symbol,
		Price:       price,
		Size:        math.Abs(pp.qty),
		IsLong:      pp.isLong(),
		MarginRatio: ratio,
		RealizedPnL: credit - pp.margin,
	}
}

func (t *Trader) OpenLong(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	return t.open(ctx, symbol, size, true, opts)
}

func (t *Trader) OpenShort(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	return t.open(ctx, symbol, size, false, opts)
}

func (t *Trader) CloseLong(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	return t.close(ctx, symbol, size, true, opts)
}

func (t *Trader) CloseShort(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	return t.close(ctx, symbol, size, false, opts)
}

func (t *Trader) validate(symbol string, size float64, opts adapter.TradeOptions) error {
	if err := adapter.ValidateOptions(t.cfg.ExchangeType, opts); err != nil {
		return err
	}
	if err := t.checkSymbol(symbol); err != nil {
		return err
	}
	if size <= 0 || math.IsNaN(size) || math.IsInf(size, 0) {
		return fmt.Errorf("invalid size %v", size)
	}
	return nil
}

// open adds size (quote notional) to the position in the given direction.
func (t *Trader) open(ctx context.Context, symbol string, size float64, isLong bool, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	if err := t.validate(symbol, size, opts); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pp, price, err := t.load(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pp != nil && pp.isLong() != isLong {
		return nil, fmt.Errorf("open %s %s: %w", domain.DirectionOf(isLong), symbol, domain.ErrDirectionMismatch)
	}
	// a merge fills at the price its liquidation check saw
	if pp == nil {
		if price, err = t.price(ctx, symbol); err != nil {
			return nil, err
		}
	}
	now := t.cfg.Now()

	leverage := t.leverage(opts)
	var funding float64
	if pp != nil {
		leverage = pp.leverage
		funding = pp.accruedFunding(price, t.cfg.FundingRatePerHour, now)
	}
	margin := size * t.cfg.InitialMarginRate / leverage
	fee := size * t.cfg.FeeRate
	cost := margin + fee + funding

	bal, err := t.balance(ctx)
	if err != nil {
		return nil, err
	}
	if cost > bal {
		return nil, fmt.Errorf("open %s: need %.8f, have %.8f: %w", symbol, cost, bal, domain.ErrInsufficientBalance)
	}

	qty := size / price
	if pp == nil {
		pp = &paperPosition{leverage: leverage}
	}
	pp.add(qty, price, isLong, now)
	pp.margin += margin
	pp.funding += funding
	pp.realized -= fee + funding
	pp.updated = now

	newBal := bal - cost
	next := pp.toDomain(symbol, price)
	if err := t.store.Apply(ctx, domain.Mutation{Symbol: symbol, Position: &next, Balance: &newBal}); err != nil {
		return nil, fmt.Errorf("open %s: %w", symbol, err)
	}

	fill := adapter.Fill{
		Symbol:      symbol,
		IsLong:      isLong,
		IsOpen:      true,
		Quantity:    qty,
		Price:       price,
		Notional:    size,
		Fee:         fee,
		Funding:     funding,
		RealizedPnL: -(fee + funding),
		Timestamp:   now,
	}
	t.record(fill)
	t.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(domain.DirectionOf(isLong))).
		Float64("qty", qty).
		Float64("price", price).
		Float64("balance", newBal).
		Msg("paper open")
	return t.result(fill, opts), nil
}

// close reduces the position by size (base quantity), clamped to the position size.
func (t *Trader) close(ctx context.Context, symbol string, size float64, isLong bool, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	if err := t.validate(symbol, size, opts); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pp, price, err := t.load(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pp == nil {
		return nil, fmt.Errorf("close %s: %w", symbol, domain.ErrNoPosition)
	}
	if pp.isLong() != isLong {
		return nil, fmt.Errorf("close %s %s: %w", domain.DirectionOf(isLong), symbol, domain.ErrDirectionMismatch)
	}

	total := math.Abs(pp.qty)
	closed := math.Min(size, total)
	pnl := pp.pnl(pp.entry, price, closed)
	return t.settle(ctx, symbol, pp, price, closed, pnl, opts, func() {
		pp.scale((total - closed) / total)
	})
}

// ClosePartials closes the selected partials at their own entry prices.
func (t *Trader) ClosePartials(ctx context.Context, symbol string, indexes []int, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	if err := adapter.ValidateOptions(t.cfg.ExchangeType, opts); err != nil {
		return nil, err
	}
	if err := t.checkSymbol(symbol); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pp, price, err := t.load(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pp == nil {
		return nil, fmt.Errorf("close partials %s: %w", symbol, domain.ErrNoPosition)
	}
	selected, err := selectPartials(len(pp.partials), indexes)
	if err != nil {
		return nil, fmt.Errorf("close partials %s: %w", symbol, err)
	}

	var closed, pnl float64
	for i, pt := range pp.partials {
		if selected[i] {
			closed += pt.Size
			pnl += pp.pnl(pt.EntryPrice, price, pt.Size)
		}
	}
	return t.settle(ctx, symbol, pp, price, closed, pnl, opts, func() {
		pp.keep(selected)
	})
}

// settle applies a reduction of closed base units realising pnl. shrink mutates
// pp's size and partials for the surviving part.
func (t *Trader) settle(ctx context.Context, symbol string, pp *paperPosition, price, closed, pnl float64, opts adapter.TradeOptions, shrink func()) (adapter.TradeResult, error) {
	now := t.cfg.Now()
	total := math.Abs(pp.qty)
	funding := pp.accruedFunding(price, t.cfg.FundingRatePerHour, now)
	released := pp.margin * closed / total
	fee := closed * price * t.cfg.FeeRate

	bal, err := t.balance(ctx)
	if err != nil {
		return nil, err
	}
	newBal := bal + released + pnl - fee - funding

	m := domain.Mutation{Symbol: symbol, Balance: &newBal}
	if total-closed <= total*1e-12 {
		m.Delete = true
	} else {
		shrink()
		pp.margin -= released
		pp.funding += funding
		pp.realized += pnl - fee - funding
		pp.updated = now
		next := pp.toDomain(symbol, price)
		m.Position = &next
	}
	if err := t.store.Apply(ctx, m); err != nil {
		return nil, fmt.Errorf("close %s: %w", symbol, err)
	}

	fill := adapter.Fill{
		Symbol:      symbol,
		IsLong:      pp.isLong(),
		Quantity:    closed,
		Price:       price,
		Notional:    closed * price,
		Fee:         fee,
		Funding:     funding,
		RealizedPnL: pnl - fee - funding,
		Timestamp:   now,
	}
	t.record(fill)
	t.logger.Info().
		Str("symbol", symbol).
		Float64("qty", closed).
		Float64("price", price).
		Float64("pnl", fill.RealizedPnL).
		Float64("balance", newBal).
		Bool("flat", m.Delete).
		Msg("paper close")
	return t.result(fill, opts), nil
}

// ExpectedTradeReturn prices a trade against the current state without
// mutating it. Liquidation is not checked.
func (t *Trader) ExpectedTradeReturn(ctx context.Context, symbol string, size float64, isLong, isOpen bool, opts adapter.TradeOptions) (adapter.Estimate, error) {
	if err := t.validate(symbol, size, opts); err != nil {
		return adapter.Estimate{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	price, err := t.price(ctx, symbol)
	if err != nil {
		return adapter.Estimate{}, err
	}

	if isOpen {
		leverage := t.leverage(opts)
		est := adapter.Estimate{
			Price:    price,
			Quantity: size / price,
			Notional: size,
			Fee:      size * t.cfg.FeeRate,
			Margin:   size * t.cfg.InitialMarginRate / leverage,
		}
		est.Cost = est.Margin + est.Fee
		return est, nil
	}

	stored, err := t.store.GetPosition(ctx, symbol)
	if err != nil {
		return adapter.Estimate{}, fmt.Errorf("get position %s: %w", symbol, err)
	}
	est := adapter.Estimate{Price: price, Quantity: size, Notional: size * price}
	est.Fee = est.Notional * t.cfg.FeeRate
	if stored == nil || stored.IsLong != isLong || stored.Size <= 0 {
		est.Proceeds = est.Notional - est.Fee
		return est, nil
	}
	pp := fromDomain(*stored, t.cfg.DefaultLeverage)
	closed := math.Min(size, stored.Size)
	est.Quantity = closed
	est.Notional = closed * price
	est.Fee = est.Notional * t.cfg.FeeRate
	est.Margin = pp.margin * closed / stored.Size
	est.Proceeds = est.Margin + pp.pnl(pp.entry, price, closed) - est.Fee -
		pp.accruedFunding(price, t.cfg.FundingRatePerHour, t.cfg.Now())
	return est, nil
}

// IsMarketActive reports whether the symbol is configured and currently priced.
func (t *Trader) IsMarketActive(ctx context.Context, symbol string) (bool, error) {
	if !t.symbols[symbol] {
		return false, nil
	}
	_, err := t.price(ctx, symbol)
	if errors.Is(err, domain.ErrUpstreamUnavailable) {
		return false, nil
	}
	return err == nil, err
}

func (t *Trader) Fees(_ context.Context, symbol string) (adapter.Fees, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return nil, err
	}
	book := adapter.OrderbookFees{Maker: t.cfg.FeeRate, Taker: t.cfg.FeeRate, FundingRate: t.cfg.FundingRatePerHour}
	pool := adapter.AMMFees{SwapFeeRate: t.cfg.FeeRate}
	switch t.cfg.ExchangeType {
	case adapter.ExchangeAMM:
		return pool, nil
	case adapter.ExchangeHybrid:
		return adapter.HybridFees{Pool: pool, Book: book}, nil
	default:
		return book, nil
	}
}

func (t *Trader) SupportedMarkets(_ context.Context) ([]string, error) {
	return append([]string(nil), t.cfg.Symbols...), nil
}

func (t *Trader) MinimumTradeSize(_ context.Context, symbol string) (float64, error) {
	if err := t.checkSymbol(symbol); err != nil {
		return 0, err
	}
	return t.cfg.MinTradeSize, nil
}

// PositionHistory returns up to limit recent fills, newest first.
func (t *Trader) PositionHistory(_ context.Context, symbol string, limit int) ([]adapter.Fill, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	out := make([]adapter.Fill, 0, limit)
	for i := len(t.history) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || t.history[i].Symbol == symbol {
			out = append(out, t.history[i])
		}
	}
	return out, nil
}

func (t *Trader) record(f adapter.Fill) {
	t.history = append(t.history, f)
	if n := len(t.history); n > historyLimit {
		t.history = append(t.history[:0:0], t.history[n-historyLimit:]...)
	}
}

func (t *Trader) leverage(opts adapter.TradeOptions) float64 {
	var lev float64
	switch o := opts.(type) {
	case adapter.OrderbookOptions:
		lev = o.Leverage
	case adapter.HybridOptions:
		lev = o.Orderbook.Leverage
	case adapter.AMMOptions:
		lev = 1
	}
	if lev <= 0 {
		lev = t.cfg.DefaultLeverage
	}
	return math.Min(lev, t.cfg.MaxLeverage)
}

func (t *Trader) result(f adapter.Fill, opts adapter.TradeOptions) adapter.TradeResult {
	switch r := adapter.NewResult(t.cfg.ExchangeType, f).(type) {
	case adapter.OrderbookResult:
		r.OrderID = orderID(opts)
		return r
	case adapter.HybridResult:
		r.OrderID = orderID(opts)
		r.Route = []string{f.Symbol}
		return r
	case adapter.AMMResult:
		if o, ok := opts.(adapter.AMMOptions); ok && len(o.Route) > 0 {
			r.Route = o.Route
		}
		return r
	default:
		return r
	}
}

func orderID(opts adapter.TradeOptions) string {
	switch o := opts.(type) {
	case adapter.OrderbookOptions:
		if o.ClientOrderID != "" {
			return o.ClientOrderID
		}
	case adapter.HybridOptions:
		if o.Orderbook.ClientOrderID != "" {
			return o.Orderbook.ClientOrderID
		}
	}
	return "paper-" + uuid.NewString()
}

func selectPartials(n int, indexes []int) (map[int]bool, error) {
	if len(indexes) == 0 || n == 0 {
		return nil, domain.ErrInvalidPartial
	}
	selected := make(map[int]bool, len(indexes))
	for _, i := range indexes {
		if i < 0 || i >= n || selected[i] {
			return nil, fmt.Errorf("index %d of %d: %w", i, n, domain.ErrInvalidPartial)
		}
		selected[i] = true
	}
	return selected, nil
}

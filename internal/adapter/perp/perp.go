// Package perp trades perpetual futures on an orderbook venue.
package perp

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
)

const (
	historyLimit = 500
	depthLimit   = 100
	statusActive = "TRADING"
)

// Config configures the futures adapter.
type Config struct {
	Symbols         []string
	QuoteAsset      string
	DefaultLeverage int
	MaxLeverage     int
	// RulesTTL is how long exchange rules and commissions are cached.
	RulesTTL time.Duration
	Now      func() time.Time
}

// Trader implements adapter.Trader on a perpetual futures venue.
type Trader struct {
	client  Client
	cfg     Config
	symbols map[string]bool
	logger  zerolog.Logger

	mu          sync.Mutex
	rules       map[string]SymbolRules
	rulesAt     time.Time
	commissions map[string]Commission
	leverage    map[string]int
	history     []adapter.Fill
}

var (
	_ adapter.Trader          = (*Trader)(nil)
	_ adapter.ShortSeller     = (*Trader)(nil)
	_ adapter.FeeQuoter       = (*Trader)(nil)
	_ adapter.MarketLister    = (*Trader)(nil)
	_ adapter.MinimumSizer    = (*Trader)(nil)
	_ adapter.HistoryProvider = (*Trader)(nil)
)

// New creates a futures Trader.
func New(client Client, cfg Config, logger zerolog.Logger) *Trader {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	if cfg.DefaultLeverage <= 0 {
		cfg.DefaultLeverage = 1
	}
	if cfg.MaxLeverage <= 0 {
		cfg.MaxLeverage = 20
	}
	if cfg.RulesTTL <= 0 {
		cfg.RulesTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	t := &Trader{
		client:      client,
		cfg:         cfg,
		symbols:     make(map[string]bool, len(cfg.Symbols)),
		logger:      logger.With().Str("component", "perp").Logger(),
		commissions: make(map[string]Commission),
		leverage:    make(map[string]int),
	}
	for _, s := range cfg.Symbols {
		t.symbols[s] = true
	}
	return t
}

func (t *Trader) ExchangeType() adapter.ExchangeType { return adapter.ExchangeOrderbook }

func (t *Trader) check(symbol string) error {
	if !t.symbols[symbol] {
		return fmt.Errorf("%s: %w", symbol, domain.ErrUnsupportedSymbol)
	}
	return nil
}

// rule returns the cached trading rules for symbol, refreshing them when stale.
func (t *Trader) rule(ctx context.Context, symbol string) (SymbolRules, error) {
	if err := t.check(symbol); err != nil {
		return SymbolRules{}, err
	}

	t.mu.Lock()
	fresh := t.rules != nil && t.cfg.Now().Sub(t.rulesAt) < t.cfg.RulesTTL
	r, ok := t.rules[symbol]
	t.mu.Unlock()
	if fresh {
		if !ok {
			return SymbolRules{}, fmt.Errorf("%s: %w", symbol, domain.ErrUnsupportedSymbol)
		}
		return r, nil
	}

	list, err := t.client.Rules(ctx)
	if err != nil {
		return SymbolRules{}, fmt.Errorf("exchange rules: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	rules := make(map[string]SymbolRules, len(list))
	for _, r := range list {
		rules[r.Symbol] = r
	}

	t.mu.Lock()
	t.rules = rules
	t.rulesAt = t.cfg.Now()
	t.mu.Unlock()

	r, ok = rules[symbol]
	if !ok {
		return SymbolRules{}, fmt.Errorf("%s: %w", symbol, domain.ErrUnsupportedSymbol)
	}
	return r, nil
}

func (t *Trader) commission(ctx context.Context, symbol string) (Commission, error) {
	t.mu.Lock()
	c, ok := t.commissions[symbol]
	t.mu.Unlock()
	if ok {
		return c, nil
	}
	c, err := t.client.Commission(ctx, symbol)
	if err != nil {
		return Commission{}, fmt.Errorf("commission %s: %w: %w", symbol, domain.ErrUpstreamUnavailable, err)
	}
	t.mu.Lock()
	t.commissions[symbol] = c
	t.mu.Unlock()
	return c, nil
}

func (t *Trader) MarketInfo(ctx context.Context, symbol string) (adapter.MarketInfo, error) {
	r, err := t.rule(ctx, symbol)
	if err != nil {
		return nil, err
	}
	funding, err := t.client.FundingRate(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("funding rate %s: %w: %w", symbol, domain.ErrUpstreamUnavailable, err)
	}
	return adapter.OrderbookMarketInfo{
		Symbol:      symbol,
		TickSize:    r.TickSize,
		StepSize:    r.StepSize,
		MinQuantity: r.MinQuantity,
		MaxLeverage: float64(t.cfg.MaxLeverage),
		FundingRate: funding,
		Status:      r.Status,
	}, nil
}

func (t *Trader) Fees(ctx context.Context, symbol string) (adapter.Fees, error) {
	if err := t.check(symbol); err != nil {
		return nil, err
	}
	c, err := t.commission(ctx, symbol)
	if err != nil {
		return nil, err
	}
	funding, err := t.client.FundingRate(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("funding rate %s: %w: %w", symbol, domain.ErrUpstreamUnavailable, err)
	}
	return adapter.OrderbookFees{Maker: c.Maker, Taker: c.Taker, FundingRate: funding}, nil
}

func (t *Trader) lastPrice(ctx context.Context, symbol string) (float64, error) {
	p, err := t.client.LastPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("price %s: %w: %w", symbol, domain.ErrUpstreamUnavailable, err)
	}
	if p <= 0 {
		return 0, fmt.Errorf("price %s: %w: non-positive price", symbol, domain.ErrUpstreamUnavailable)
	}
	return p, nil
}

// Price returns the last price for size 0, otherwise the midpoint of the
// average fill prices for buying and selling size of quote notional.
func (t *Trader) Price(ctx context.Context, symbol string, size float64) (float64, error) {
	if err := t.check(symbol); err != nil {
		return 0, err
	}
	if size <= 0 {
		return t.lastPrice(ctx, symbol)
	}
	d, err := t.depth(ctx, symbol, depthLimit)
	if err != nil {
		return 0, err
	}
	buy, ok1 := walkNotional(d.Asks, size)
	sell, ok2 := walkNotional(d.Bids, size)
	if !ok1 || !ok2 {
		return 0, fmt.Errorf("price %s: %w: book too thin for %.2f", symbol, domain.ErrUpstreamUnavailable, size)
	}
	return (buy + sell) / 2, nil
}

func (t *Trader) depth(ctx context.Context, symbol string, limit int) (adapter.Depth, error) {
	d, err := t.client.Depth(ctx, symbol, limit)
	if err != nil {
		return adapter.Depth{}, fmt.Errorf("depth %s: %w: %w", symbol, domain.ErrUpstreamUnavailable, err)
	}
	return d, nil
}

func (t *Trader) LiquidityDepth(ctx context.Context, symbol string, depth int) (adapter.Depth, error) {
	if err := t.check(symbol); err != nil {
		return adapter.Depth{}, err
	}
	if depth <= 0 {
		depth = depthLimit
	}
	return t.depth(ctx, symbol, depth)
}

func (t *Trader) Balance(ctx context.Context) (float64, error) {
	b, err := t.client.AvailableBalance(ctx, t.cfg.QuoteAsset)
	if err != nil {
		return 0, fmt.Errorf("balance: %w: %w", domain.ErrUpstreamUnavailable, err)
	}
	return b, nil
}

func (t *Trader) risk(ctx context.Context, symbol string) (*PositionRisk, error) {
	r, err := t.client.PositionRisk(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("position %s: %w: %w", symbol, domain.ErrUpstreamUnavailable, err)
	}
	return r, nil
}

func (t *Trader) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	if err := t.check(symbol); err != nil {
		return nil, err
	}
	r, err := t.risk(ctx, symbol)
	if err != nil || r == nil {
		return nil, err
	}
	return t.toDomain(r), nil
}

func (t *Trader) toDomain(r *PositionRisk) *domain.Position {
	size := math.Abs(r.Amount)
	mark := r.MarkPrice
	lev := r.Leverage
	if lev <= 0 {
		lev = 1
	}
	margin := size * r.EntryPrice / lev
	return &domain.Position{
		Symbol:         r.Symbol,
		Size:           size,
		IsLong:         r.Amount > 0,
		EntryPrice:     r.EntryPrice,
		MarkPrice:      &mark,
		UnrealizedPnL:  r.UnrealizedPnL,
		LastUpdateTime: t.cfg.Now(),
		Leverage:       &lev,
		Margin:         &margin,
	}
}

func (t *Trader) OpenLong(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	return t.open(ctx, symbol, true, size, opts)
}

func (t *Trader) OpenShort(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	return t.open(ctx, symbol, false, size, opts)
}

func (t *Trader) CloseLong(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	return t.close(ctx, symbol, true, size, opts)
}

func (t *Trader) CloseShort(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	return t.close(ctx, symbol, false, size, opts)
}

func (t *Trader) leverageFor(opts adapter.OrderbookOptions) int {
	lev := int(opts.Leverage)
	if lev <= 0 {
		lev = t.cfg.DefaultLeverage
	}
	if lev > t.cfg.MaxLeverage {
		lev = t.cfg.MaxLeverage
	}
	return lev
}

// ensureLeverage sets the symbol's leverage once per process and value.
func (t *Trader) ensureLeverage(ctx context.Context, symbol string, lev int) error {
	t.mu.Lock()
	cur := t.leverage[symbol]
	t.mu.Unlock()
	if cur == lev {
		return nil
	}
	if err := t.client.SetLeverage(ctx, symbol, lev); err != nil {
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}
	t.mu.Lock()
	t.leverage[symbol] = lev
	t.mu.Unlock()
	return nil
}

func (t *Trader) open(ctx context.Context, symbol string, isLong bool, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	if err := adapter.ValidateOptions(adapter.ExchangeOrderbook, opts); err != nil {
		return nil, err
	}
	o := opts.(adapter.OrderbookOptions)
	r, err := t.rule(ctx, symbol)
	if err != nil {
		return nil, err
	}

	existing, err := t.risk(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if existing != nil && (existing.Amount > 0) != isLong {
		return nil, fmt.Errorf("open %s %s: %w", domain.DirectionOf(isLong), symbol, domain.ErrDirectionMismatch)
	}

	lev := t.leverageFor(o)
	price, err := t.lastPrice(ctx, symbol)
	if err != nil {
		return nil, err
	}
	qty := roundStep(size/price, r.StepSize)
	if qty <= 0 || qty < r.MinQuantity || qty*price < r.MinNotional {
		return nil, fmt.Errorf("open %s: quantity %.8f below exchange minimum", symbol, qty)
	}

	c, err := t.commission(ctx, symbol)
	if err != nil {
		return nil, err
	}
	bal, err := t.Balance(ctx)
	if err != nil {
		return nil, err
	}
	notional := qty * price
	if cost := notional/float64(lev) + notional*c.Taker; cost > bal {
		return nil, fmt.Errorf("open %s: cost %.2f > balance %.2f: %w", symbol, cost, bal, domain.ErrInsufficientBalance)
	}

	if err := t.ensureLeverage(ctx, symbol, lev); err != nil {
		return nil, err
	}
	fill, err := t.client.PlaceMarketOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Buy:           isLong,
		Quantity:      qty,
		ClientOrderID: o.ClientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", symbol, err)
	}

	f := t.fill(symbol, isLong, true, fill, c.Taker)
	f.RealizedPnL = -f.Fee
	t.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(domain.DirectionOf(isLong))).
		Float64("quantity", f.Quantity).
		Float64("price", f.Price).
		Int("leverage", lev).
		Msg("position opened")
	return t.result(f, fill), nil
}

func (t *Trader) close(ctx context.Context, symbol string, isLong bool, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	if err := adapter.ValidateOptions(adapter.ExchangeOrderbook, opts); err != nil {
		return nil, err
	}
	o := opts.(adapter.OrderbookOptions)
	r, err := t.rule(ctx, symbol)
	if err != nil {
		return nil, err
	}

	pos, err := t.risk(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, fmt.Errorf("close %s: %w", symbol, domain.ErrNoPosition)
	}
	if (pos.Amount > 0) != isLong {
		return nil, fmt.Errorf("close %s %s: %w", domain.DirectionOf(isLong), symbol, domain.ErrDirectionMismatch)
	}

	held := math.Abs(pos.Amount)
	qty := held
	if size < held {
		qty = roundStep(size, r.StepSize)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("close %s: quantity %.8f below step %.8f", symbol, size, r.StepSize)
	}

	c, err := t.commission(ctx, symbol)
	if err != nil {
		return nil, err
	}
	fill, err := t.client.PlaceMarketOrder(ctx, OrderRequest{
		Symbol:        symbol,
		Buy:           !isLong,
		Quantity:      qty,
		ReduceOnly:    true,
		ClientOrderID: o.ClientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place order %s: %w", symbol, err)
	}

	f := t.fill(symbol, isLong, false, fill, c.Taker)
	f.RealizedPnL = directional(fill.AvgPrice-pos.EntryPrice, isLong)*fill.Quantity - f.Fee
	t.logger.Info().
		Str("symbol", symbol).
		Str("direction", string(domain.DirectionOf(isLong))).
		Float64("quantity", f.Quantity).
		Float64("price", f.Price).
		Float64("realized_pnl", f.RealizedPnL).
		Msg("position reduced")
	return t.result(f, fill), nil
}

func (t *Trader) fill(symbol string, isLong, isOpen bool, of OrderFill, taker float64) adapter.Fill {
	notional := of.AvgPrice * of.Quantity
	return adapter.Fill{
		Symbol:    symbol,
		IsLong:    isLong,
		IsOpen:    isOpen,
		Quantity:  of.Quantity,
		Price:     of.AvgPrice,
		Notional:  notional,
		Fee:       notional * taker,
		Timestamp: t.cfg.Now().UTC(),
	}
}

func (t *Trader) result(f adapter.Fill, of OrderFill) adapter.TradeResult {
	t.mu.Lock()
	t.history = append(t.history, f)
	if len(t.history) > historyLimit {
		t.history = t.history[len(t.history)-historyLimit:]
	}
	t.mu.Unlock()
	return adapter.OrderbookResult{Base: f, OrderID: strconv.FormatInt(of.OrderID, 10)}
}

// ExpectedTradeReturn prices a market order against the current book. Opens
// size quote notional; closes size base quantity of the held position.
func (t *Trader) ExpectedTradeReturn(ctx context.Context, symbol string, size float64, isLong, isOpen bool, opts adapter.TradeOptions) (adapter.Estimate, error) {
	if err := adapter.ValidateOptions(adapter.ExchangeOrderbook, opts); err != nil {
		return adapter.Estimate{}, err
	}
	o := opts.(adapter.OrderbookOptions)
	if err := t.check(symbol); err != nil {
		return adapter.Estimate{}, err
	}
	last, err := t.lastPrice(ctx, symbol)
	if err != nil {
		return adapter.Estimate{}, err
	}
	c, err := t.commission(ctx, symbol)
	if err != nil {
		return adapter.Estimate{}, err
	}
	d, err := t.depth(ctx, symbol, depthLimit)
	if err != nil {
		return adapter.Estimate{}, err
	}

	buying := isLong == isOpen
	levels := d.Bids
	if buying {
		levels = d.Asks
	}

	if isOpen {
		price, ok := walkNotional(levels, size)
		if !ok {
			return adapter.Estimate{}, fmt.Errorf("estimate %s: %w: book too thin", symbol, domain.ErrUpstreamUnavailable)
		}
		fee := size * c.Taker
		margin := size / float64(t.leverageFor(o))
		return adapter.Estimate{
			Price:       price,
			Quantity:    size / price,
			Notional:    size,
			Fee:         fee,
			Margin:      margin,
			PriceImpact: math.Abs(price-last) / last,
			Cost:        margin + fee,
		}, nil
	}

	pos, err := t.risk(ctx, symbol)
	if err != nil {
		return adapter.Estimate{}, err
	}
	if pos == nil {
		return adapter.Estimate{}, fmt.Errorf("estimate close %s: %w", symbol, domain.ErrNoPosition)
	}
	held := math.Abs(pos.Amount)
	qty := math.Min(size, held)
	price, ok := walkQuantity(levels, qty)
	if !ok {
		return adapter.Estimate{}, fmt.Errorf("estimate %s: %w: book too thin", symbol, domain.ErrUpstreamUnavailable)
	}
	dp := t.toDomain(pos)
	notional := qty * price
	fee := notional * c.Taker
	released := *dp.Margin * qty / held
	pnl := directional(price-pos.EntryPrice, isLong) * qty
	return adapter.Estimate{
		Price:       price,
		Quantity:    qty,
		Notional:    notional,
		Fee:         fee,
		Margin:      released,
		PriceImpact: math.Abs(price-last) / last,
		Proceeds:    released + pnl - fee,
	}, nil
}

func (t *Trader) IsMarketActive(ctx context.Context, symbol string) (bool, error) {
	if !t.symbols[symbol] {
		return false, nil
	}
	r, err := t.rule(ctx, symbol)
	if err != nil {
		return false, err
	}
	return r.Status == statusActive, nil
}

func (t *Trader) SupportedMarkets(ctx context.Context) ([]string, error) {
	out := []string{}
	for s := range t.symbols {
		r, err := t.rule(ctx, s)
		if err != nil {
			return nil, err
		}
		if r.Status == statusActive {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MinimumTradeSize is the smallest quote notional the exchange accepts.
func (t *Trader) MinimumTradeSize(ctx context.Context, symbol string) (float64, error) {
	r, err := t.rule(ctx, symbol)
	if err != nil {
		return 0, err
	}
	price, err := t.lastPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return math.Max(r.MinQuantity*price, r.MinNotional), nil
}

func (t *Trader) PositionHistory(_ context.Context, symbol string, limit int) ([]adapter.Fill, error) {
	if limit <= 0 || limit > historyLimit {
		limit = historyLimit
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []adapter.Fill{}
	for i := len(t.history) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || t.history[i].Symbol == symbol {
			out = append(out, t.history[i])
		}
	}
	return out, nil
}

func directional(diff float64, isLong bool) float64 {
	if isLong {
		return diff
	}
	return -diff
}

// roundStep floors qty to a multiple of step.
func roundStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	n := math.Floor(qty/step + 1e-9)
	decimals := int(math.Max(0, math.Ceil(-math.Log10(step))))
	v, _ := strconv.ParseFloat(strconv.FormatFloat(n*step, 'f', decimals, 64), 64)
	return v
}

// walkNotional returns the average price paid to fill notional quote value
// across levels, best first.
func walkNotional(levels []adapter.DepthLevel, notional float64) (float64, bool) {
	remaining := notional
	var qty float64
	for _, l := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, l.Price*l.Quantity)
		qty += take / l.Price
		remaining -= take
	}
	if remaining > 1e-9 || qty == 0 {
		return 0, false
	}
	return notional / qty, true
}

// walkQuantity returns the average price to fill qty base units across levels.
func walkQuantity(levels []adapter.DepthLevel, qty float64) (float64, bool) {
	remaining := qty
	var cost float64
	for _, l := range levels {
		if remaining <= 0 {
			break
		}
		take := math.Min(remaining, l.Quantity)
		cost += take * l.Price
		remaining -= take
	}
	if remaining > 1e-12 || qty == 0 {
		return 0, false
	}
	return cost / qty, true
}

// Package amm trades spot against constant-product liquidity pools. Pools
// cannot short; positions are long-only and tracked in a domain.PositionStore.
package amm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
)

const historyLimit = 500

// ErrSlippageExceeded is returned when a quote is worse than the allowed slippage.
var ErrSlippageExceeded = errors.New("amm: slippage exceeds limit")

// Pool maps a market symbol to an on-chain pair.
type Pool struct {
	Symbol        string  `toml:"symbol"`
	Address       string  `toml:"address"`
	BaseIsToken0  bool    `toml:"base_is_token0"`
	BaseDecimals  int     `toml:"base_decimals"`
	QuoteDecimals int     `toml:"quote_decimals"`
	FeeRate       float64 `toml:"fee_rate"`
}

// Config configures the pool adapter.
type Config struct {
	Pools              []Pool        `toml:"pools"`
	InitialBalance     float64       `toml:"initial_balance"`
	MinTradeSize       float64       `toml:"min_trade_size"`
	GasEstimate        float64       `toml:"gas_estimate"`
	DefaultSlippageBps float64       `toml:"default_slippage_bps"`
	DefaultDeadline    time.Duration `toml:"-"`
	// DepthStep is the relative price distance between synthetic depth levels.
	DepthStep float64 `toml:"depth_step"`

	Now func() time.Time `toml:"-"`
}

// Trader implements adapter.Trader over constant-product pools.
type Trader struct {
	cfg    Config
	pools  map[string]Pool
	reader ReserveReader
	exec   SwapExecutor
	store  domain.PositionStore
	logger zerolog.Logger

	mu      sync.Mutex
	history []adapter.Fill
}

var (
	_ adapter.Trader          = (*Trader)(nil)
	_ adapter.FeeQuoter       = (*Trader)(nil)
	_ adapter.MarketLister    = (*Trader)(nil)
	_ adapter.MinimumSizer    = (*Trader)(nil)
	_ adapter.HistoryProvider = (*Trader)(nil)
)

// New creates a pool Trader.
func New(cfg Config, reader ReserveReader, exec SwapExecutor, store domain.PositionStore, logger zerolog.Logger) *Trader {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 2 * time.Minute
	}
	if cfg.DepthStep <= 0 {
		cfg.DepthStep = 0.01
	}
	t := &Trader{
		cfg:    cfg,
		pools:  make(map[string]Pool, len(cfg.Pools)),
		reader: reader,
		exec:   exec,
		store:  store,
		logger: logger.With().Str("component", "amm").Logger(),
	}
	for _, p := range cfg.Pools {
		t.pools[p.Symbol] = p
	}
	return t
}

func (t *Trader) ExchangeType() adapter.ExchangeType { return adapter.ExchangeAMM }

func (t *Trader) pool(symbol string) (Pool, error) {
	p, ok := t.pools[symbol]
	if !ok {
		return Pool{}, fmt.Errorf("%s: %w", symbol, domain.ErrUnsupportedSymbol)
	}
	return p, nil
}

// rawReserves reads the pool in base/quote order. Empty pools return zeros.
func (t *Trader) rawReserves(ctx context.Context, p Pool) (reserves, error) {
	r0, r1, err := t.reader.Reserves(ctx, common.HexToAddress(p.Address))
	if err != nil {
		return reserves{}, fmt.Errorf("reserves %s: %w: %w", p.Symbol, domain.ErrUpstreamUnavailable, err)
	}
	base, quote := r1, r0
	if p.BaseIsToken0 {
		base, quote = r0, r1
	}
	return reserves{base: toUnits(base, p.BaseDecimals), quote: toUnits(quote, p.QuoteDecimals)}, nil
}

func (t *Trader) reserves(ctx context.Context, p Pool) (reserves, error) {
	r, err := t.rawReserves(ctx, p)
	if err != nil {
		return reserves{}, err
	}
	if r.base <= 0 || r.quote <= 0 {
		return reserves{}, fmt.Errorf("reserves %s: %w: empty pool", p.Symbol, domain.ErrUpstreamUnavailable)
	}
	return r, nil
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
	p, err := t.pool(symbol)
	if err != nil {
		return nil, err
	}
	r, err := t.rawReserves(ctx, p)
	if err != nil {
		return nil, err
	}
	return adapter.AMMMarketInfo{
		Symbol:       symbol,
		PoolAddress:  common.HexToAddress(p.Address).Hex(),
		BaseReserve:  r.base,
		QuoteReserve: r.quote,
		FeeRate:      p.FeeRate,
	}, nil
}

func (t *Trader) Fees(_ context.Context, symbol string) (adapter.Fees, error) {
	p, err := t.pool(symbol)
	if err != nil {
		return nil, err
	}
	return adapter.AMMFees{SwapFeeRate: p.FeeRate, GasEstimate: t.cfg.GasEstimate}, nil
}

// Price returns the pool mid price for size 0, otherwise the fee-free average
// price of buying size of quote.
func (t *Trader) Price(ctx context.Context, symbol string, size float64) (float64, error) {
	p, err := t.pool(symbol)
	if err != nil {
		return 0, err
	}
	r, err := t.reserves(ctx, p)
	if err != nil {
		return 0, err
	}
	if size <= 0 {
		return r.mid(), nil
	}
	return size / r.buyOut(size, 0), nil
}

func (t *Trader) LiquidityDepth(ctx context.Context, symbol string, depth int) (adapter.Depth, error) {
	p, err := t.pool(symbol)
	if err != nil {
		return adapter.Depth{}, err
	}
	r, err := t.reserves(ctx, p)
	if err != nil {
		return adapter.Depth{}, err
	}
	if depth <= 0 {
		depth = 10
	}
	return r.depth(symbol, depth, t.cfg.DepthStep), nil
}

func (t *Trader) Balance(ctx context.Context) (float64, error) {
	return t.balance(ctx)
}

// Position returns the stored position marked to the pool mid price.
func (t *Trader) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	p, err := t.pool(symbol)
	if err != nil {
		return nil, err
	}
	pos, err := t.store.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	if pos == nil {
		return nil, nil
	}
	r, err := t.reserves(ctx, p)
	if err != nil {
		return nil, err
	}
	mid := r.mid()
	pos.MarkPrice = &mid
	pos.UnrealizedPnL = (mid - pos.EntryPrice) * pos.Size
	return pos, nil
}

func (t *Trader) options(opts adapter.TradeOptions, size float64) (adapter.AMMOptions, error) {
	if err := adapter.ValidateOptions(adapter.ExchangeAMM, opts); err != nil {
		return adapter.AMMOptions{}, err
	}
	if size <= 0 {
		return adapter.AMMOptions{}, fmt.Errorf("size must be positive, got %v", size)
	}
	o := opts.(adapter.AMMOptions)
	if o.SlippageBps <= 0 {
		o.SlippageBps = t.cfg.DefaultSlippageBps
	}
	if o.Deadline <= 0 {
		o.Deadline = t.cfg.DefaultDeadline
	}
	return o, nil
}

// minOut is the least acceptable output against the fee-free mid quote.
func minOut(ideal, slippageBps float64) float64 {
	if slippageBps <= 0 {
		return 0
	}
	return ideal * (1 - slippageBps/10000)
}

func (t *Trader) route(o adapter.AMMOptions, p Pool) []string {
	if len(o.Route) > 0 {
		return o.Route
	}
	return []string{common.HexToAddress(p.Address).Hex()}
}

// OpenLong buys size of quote worth of base.
func (t *Trader) OpenLong(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	o, err := t.options(opts, size)
	if err != nil {
		return nil, err
	}
	p, err := t.pool(symbol)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.reserves(ctx, p)
	if err != nil {
		return nil, err
	}
	bal, err := t.balance(ctx)
	if err != nil {
		return nil, err
	}
	if size+t.cfg.GasEstimate > bal {
		return nil, fmt.Errorf("open %s: cost %.2f > balance %.2f: %w", symbol, size+t.cfg.GasEstimate, bal, domain.ErrInsufficientBalance)
	}
	pos, err := t.store.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}

	out := r.buyOut(size, p.FeeRate)
	floor := minOut(size/r.mid(), o.SlippageBps)
	if out < floor {
		return nil, fmt.Errorf("open %s: out %.8f < min %.8f: %w", symbol, out, floor, ErrSlippageExceeded)
	}

	now := t.cfg.Now()
	rcpt, err := t.exec.Swap(ctx, SwapRequest{
		Pool:         common.HexToAddress(p.Address),
		Symbol:       symbol,
		Buy:          true,
		AmountIn:     size,
		MinAmountOut: floor,
		ExpectedOut:  out,
		Route:        t.route(o, p),
		Deadline:     now.Add(o.Deadline),
	})
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", symbol, err)
	}

	avg := size / rcpt.AmountOut
	next := domain.Position{Symbol: symbol, IsLong: true}
	if pos != nil {
		next = pos.Clone()
	}
	next.EntryPrice = (next.Size*next.EntryPrice + size) / (next.Size + rcpt.AmountOut)
	next.Size += rcpt.AmountOut
	next.LastUpdateTime = now
	next.Partials = append(next.Partials, domain.Partial{Size: rcpt.AmountOut, EntryPrice: avg, OpenedAt: now})

	newBal := bal - size - rcpt.GasCost
	if err := t.store.Apply(ctx, domain.Mutation{Symbol: symbol, Position: &next, Balance: &newBal}); err != nil {
		return nil, fmt.Errorf("persist open %s: %w", symbol, err)
	}

	f := adapter.Fill{
		Symbol:      symbol,
		IsLong:      true,
		IsOpen:      true,
		Quantity:    rcpt.AmountOut,
		Price:       avg,
		Notional:    size,
		Fee:         size * p.FeeRate,
		RealizedPnL: -rcpt.GasCost,
		Timestamp:   now.UTC(),
	}
	t.logger.Info().
		Str("symbol", symbol).
		Float64("quantity", f.Quantity).
		Float64("price", f.Price).
		Str("tx", rcpt.TxHash.Hex()).
		Msg("swap in")
	return t.result(f, size/r.buyOut(size, 0)/r.mid()-1, t.route(o, p), rcpt), nil
}

// CloseLong sells size of base back into the pool, clamped to the held size.
func (t *Trader) CloseLong(ctx context.Context, symbol string, size float64, opts adapter.TradeOptions) (adapter.TradeResult, error) {
	o, err := t.options(opts, size)
	if err != nil {
		return nil, err
	}
	p, err := t.pool(symbol)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	pos, err := t.store.GetPosition(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	if pos == nil {
		return nil, fmt.Errorf("close %s: %w", symbol, domain.ErrNoPosition)
	}
	r, err := t.reserves(ctx, p)
	if err != nil {
		return nil, err
	}
	bal, err := t.balance(ctx)
	if err != nil {
		return nil, err
	}

	qty := min(size, pos.Size)
	out := r.sellOut(qty, p.FeeRate)
	floor := minOut(qty*r.mid(), o.SlippageBps)
	if out < floor {
		return nil, fmt.Errorf("close %s: out %.8f < min %.8f: %w", symbol, out, floor, ErrSlippageExceeded)
	}

	now := t.cfg.Now()
	rcpt, err := t.exec.Swap(ctx, SwapRequest{
		Pool:         common.HexToAddress(p.Address),
		Symbol:       symbol,
		AmountIn:     qty,
		MinAmountOut: floor,
		ExpectedOut:  out,
		Route:        t.route(o, p),
		Deadline:     now.Add(o.Deadline),
	})
	if err != nil {
		return nil, fmt.Errorf("swap %s: %w", symbol, err)
	}

	pnl := rcpt.AmountOut - pos.EntryPrice*qty - rcpt.GasCost
	newBal := bal + rcpt.AmountOut - rcpt.GasCost
	m := domain.Mutation{Symbol: symbol, Balance: &newBal}
	if remaining := pos.Size - qty; remaining <= pos.Size*1e-12 {
		m.Delete = true
	} else {
		next := pos.Clone()
		ratio := remaining / pos.Size
		for i := range next.Partials {
			next.Partials[i].Size *= ratio
		}
		next.Size = remaining
		next.RealizedPnL += pnl
		next.LastUpdateTime = now
		m.Position = &next
	}
	if err := t.store.Apply(ctx, m); err != nil {
		return nil, fmt.Errorf("persist close %s: %w", symbol, err)
	}

	avg := rcpt.AmountOut / qty
	f := adapter.Fill{
		Symbol:      symbol,
		IsLong:      true,
		Quantity:    qty,
		Price:       avg,
		Notional:    rcpt.AmountOut,
		Fee:         qty * avg * p.FeeRate,
		RealizedPnL: pnl,
		Timestamp:   now.UTC(),
	}
	t.logger.Info().
		Str("symbol", symbol).
		Float64("quantity", qty).
		Float64("price", avg).
		Float64("realized_pnl", pnl).
		Str("tx", rcpt.TxHash.Hex()).
		Msg("swap out")
	return t.result(f, 1-r.sellOut(qty, 0)/qty/r.mid(), t.route(o, p), rcpt), nil
}

func (t *Trader) result(f adapter.Fill, impact float64, route []string, rcpt SwapReceipt) adapter.TradeResult {
	f.Fee += rcpt.GasCost
	t.history = append(t.history, f)
	if len(t.history) > historyLimit {
		t.history = t.history[len(t.history)-historyLimit:]
	}
	return adapter.AMMResult{Base: f, PriceImpact: impact, Route: route, TxHash: rcpt.TxHash.Hex()}
}

// ExpectedTradeReturn quotes a swap against current reserves. Shorts are not
// available on pools.
func (t *Trader) ExpectedTradeReturn(ctx context.Context, symbol string, size float64, isLong, isOpen bool, opts adapter.TradeOptions) (adapter.Estimate, error) {
	if _, err := t.options(opts, size); err != nil {
		return adapter.Estimate{}, err
	}
	if !isLong {
		return adapter.Estimate{}, fmt.Errorf("estimate short %s: %w", symbol, domain.ErrCapabilityMissing)
	}
	p, err := t.pool(symbol)
	if err != nil {
		return adapter.Estimate{}, err
	}
	r, err := t.reserves(ctx, p)
	if err != nil {
		return adapter.Estimate{}, err
	}

	if isOpen {
		out := r.buyOut(size, p.FeeRate)
		return adapter.Estimate{
			Price:       size / out,
			Quantity:    out,
			Notional:    size,
			Fee:         size*p.FeeRate + t.cfg.GasEstimate,
			PriceImpact: size/r.buyOut(size, 0)/r.mid() - 1,
			Cost:        size + t.cfg.GasEstimate,
		}, nil
	}

	pos, err := t.store.GetPosition(ctx, symbol)
	if err != nil {
		return adapter.Estimate{}, fmt.Errorf("get position %s: %w", symbol, err)
	}
	if pos == nil {
		return adapter.Estimate{}, fmt.Errorf("estimate close %s: %w", symbol, domain.ErrNoPosition)
	}
	qty := min(size, pos.Size)
	out := r.sellOut(qty, p.FeeRate)
	return adapter.Estimate{
		Price:       out / qty,
		Quantity:    qty,
		Notional:    out,
		Fee:         out/(1-p.FeeRate)*p.FeeRate + t.cfg.GasEstimate,
		PriceImpact: 1 - r.sellOut(qty, 0)/qty/r.mid(),
		Proceeds:    out - t.cfg.GasEstimate,
	}, nil
}

// IsMarketActive reports whether the pool holds liquidity on both sides.
func (t *Trader) IsMarketActive(ctx context.Context, symbol string) (bool, error) {
	p, ok := t.pools[symbol]
	if !ok {
		return false, nil
	}
	r, err := t.rawReserves(ctx, p)
	if err != nil {
		return false, err
	}
	return r.base > 0 && r.quote > 0, nil
}

func (t *Trader) SupportedMarkets(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(t.pools))
	for s := range t.pools {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (t *Trader) MinimumTradeSize(_ context.Context, symbol string) (float64, error) {
	if _, err := t.pool(symbol); err != nil {
		return 0, err
	}
	return t.cfg.MinTradeSize, nil
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

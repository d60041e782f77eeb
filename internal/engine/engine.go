// Package engine turns indicator snapshots into trading decisions and manages
// the lifecycle of one position per market.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
	"github.com/Spot-Canvas/autotrader/internal/indicators"
	"github.com/Spot-Canvas/autotrader/internal/scoring"
)

// StatsStore persists per-market running statistics.
type StatsStore interface {
	GetStats(ctx context.Context, symbol string) (domain.Stats, error)
	PutStats(ctx context.Context, stats domain.Stats) error
}

// Publisher fans out appended signals. Publishing is best-effort.
type Publisher interface {
	Publish(ctx context.Context, sig domain.TradingSignal) error
}

// Engine is the decision engine.
type Engine struct {
	cfg     Config
	markets map[string]MarketConfig

	trader  adapter.Trader
	source  indicators.Source
	stats   StatsStore
	signals domain.SignalStore

	locker    Locker
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	tsMu   sync.Mutex
	lastTS time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLocker replaces the in-process market lock.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

// WithPublisher sets the signal fan-out.
func WithPublisher(p Publisher) Option { return func(e *Engine) { e.publisher = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// New creates an Engine.
func New(cfg Config, trader adapter.Trader, source indicators.Source, stats StatsStore,
	signals domain.SignalStore, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg,
		markets: make(map[string]MarketConfig, len(cfg.Markets)),
		trader:  trader,
		source:  source,
		stats:   stats,
		signals: signals,
		locker:  NewLocalLocker(),
		logger:  logger.With().Str("component", "engine").Logger(),
		now:     time.Now,
	}
	for _, m := range cfg.Markets {
		e.markets[m.Symbol] = m
	}
	for _, o := range opts {
		o(e)
	}
	if e.cfg.MaxConcurrency <= 0 {
		e.cfg.MaxConcurrency = len(cfg.Markets)
	}
	return e
}

// Evaluate runs one decision cycle for a market. A market whose lock is held
// elsewhere is skipped.
func (e *Engine) Evaluate(ctx context.Context, symbol string) error {
	mc, ok := e.markets[symbol]
	if !ok {
		return fmt.Errorf("evaluate %s: %w", symbol, domain.ErrUnsupportedSymbol)
	}

	release, err := e.locker.TryLock(ctx, lockKey(symbol))
	if errors.Is(err, domain.ErrLockHeld) {
		e.logger.Debug().Str("symbol", symbol).Msg("market busy, skipping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", symbol, err)
	}
	defer release()

	return e.evaluate(ctx, mc)
}

func (e *Engine) evaluate(ctx context.Context, mc MarketConfig) error {
	symbol := mc.Symbol

	snap, err := e.source.FetchLatest(ctx, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrUpstreamUnavailable) {
			return fmt.Errorf("fetch indicators %s: %w", symbol, err)
		}
		return fmt.Errorf("fetch indicators %s: %w: %w", symbol, domain.ErrUpstreamUnavailable, err)
	}

	active, err := e.trader.IsMarketActive(ctx, symbol)
	if err != nil {
		return fmt.Errorf("market status %s: %w", symbol, err)
	}
	if !active {
		return e.emit(ctx, decision{
			symbol: symbol, typ: domain.SignalNoAction, reason: domain.ReasonMarketInactive, price: snap.Price,
		})
	}

	pos, err := e.trader.Position(ctx, symbol)
	if handled, err := e.handleLiquidation(ctx, err, domain.IndicatorBreakdown{}); handled {
		return err
	}
	if err != nil {
		return fmt.Errorf("get position %s: %w", symbol, err)
	}

	b := scoring.Score(e.cfg.Scoring, e.scoringInput(snap, pos))

	if pos == nil {
		return e.considerEntry(ctx, mc, snap.Price, b)
	}
	if mc.Partials() {
		if pc, ok := e.trader.(adapter.PartialCloser); ok && len(pos.Partials) > 0 {
			return e.managePartials(ctx, mc, pos, snap.Price, b, pc)
		}
	}
	return e.managePosition(ctx, mc, pos, snap.Price, b)
}

func (e *Engine) scoringInput(s indicators.Snapshot, pos *domain.Position) scoring.Input {
	in := scoring.Input{
		Price:        s.Price,
		VWAP:         s.VWAP,
		BBUpper:      s.BBUpper,
		BBLower:      s.BBLower,
		RSI:          s.RSI,
		PriceHistory: s.PriceHistory,
		OBVHistory:   s.OBVHistory,
		Now:          e.now(),
	}
	if pos != nil {
		h := &scoring.Holding{AvgEntryPrice: pos.EntryPrice, IsLong: pos.IsLong}
		if p := pos.OldestPartial(); p != nil {
			h.PartialOpenedAt = p.OpenedAt
		}
		in.Holding = h
	}
	return in
}

// handleLiquidation turns a liquidation surfaced by the adapter into an EXIT
// signal. It reports whether err was a liquidation.
func (e *Engine) handleLiquidation(ctx context.Context, err error, b domain.IndicatorBreakdown) (bool, error) {
	var liq *domain.LiquidationError
	if !errors.As(err, &liq) {
		return false, nil
	}
	e.logger.Warn().
		Str("symbol", liq.Symbol).
		Float64("price", liq.Price).
		Float64("margin_ratio", liq.MarginRatio).
		Msg("position liquidated")

	e.recordClose(ctx, liq.Symbol, liq.RealizedPnL)
	dir := domain.DirectionOf(liq.IsLong)
	return true, e.emit(ctx, decision{
		symbol:    liq.Symbol,
		typ:       domain.SignalExit,
		direction: &dir,
		reason:    domain.ReasonLiquidation,
		price:     liq.Price,
		threshold: liq.MarginRatio,
		breakdown: b,
	})
}

// decision is a signal before identity and timestamp are assigned.
type decision struct {
	symbol        string
	typ           domain.SignalType
	direction     *domain.Direction
	reason        domain.Reason
	threshold     float64
	price         float64
	unrealizedPnL *float64
	breakdown     domain.IndicatorBreakdown
}

// emit appends the decision to the signal log and publishes it.
func (e *Engine) emit(ctx context.Context, d decision) error {
	_, err := e.emitSignal(ctx, d)
	return err
}

func (e *Engine) emitSignal(ctx context.Context, d decision) (domain.TradingSignal, error) {
	sig := domain.TradingSignal{
		ID:            uuid.NewString(),
		Symbol:        d.symbol,
		Timestamp:     e.timestamp(),
		Type:          d.typ,
		Direction:     d.direction,
		Reason:        d.reason,
		TAScore:       d.breakdown.Total,
		Threshold:     d.threshold,
		Price:         d.price,
		UnrealizedPnL: d.unrealizedPnL,
		Indicators:    d.breakdown,
	}
	if err := e.signals.AppendSignal(ctx, sig); err != nil {
		return sig, fmt.Errorf("append signal %s: %w", d.symbol, err)
	}

	e.logger.Info().
		Str("symbol", sig.Symbol).
		Str("type", string(sig.Type)).
		Str("reason", string(sig.Reason)).
		Float64("score", sig.TAScore).
		Float64("price", sig.Price).
		Msg("signal")

	if e.publisher != nil {
		if err := e.publisher.Publish(ctx, sig); err != nil {
			e.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("publish signal failed")
		}
	}
	return sig, nil
}

// timestamp returns a strictly increasing microsecond timestamp so that
// timestamp cursors never split two signals.
func (e *Engine) timestamp() time.Time {
	e.tsMu.Lock()
	defer e.tsMu.Unlock()
	ts := e.now().UTC().Truncate(time.Microsecond)
	if !ts.After(e.lastTS) {
		ts = e.lastTS.Add(time.Microsecond)
	}
	e.lastTS = ts
	return ts
}

func (e *Engine) recordOpen(ctx context.Context, symbol string, pnl float64) {
	e.updateStats(ctx, symbol, func(s *domain.Stats) { s.RecordOpen(pnl, e.now()) })
}

func (e *Engine) recordClose(ctx context.Context, symbol string, pnl float64) {
	e.updateStats(ctx, symbol, func(s *domain.Stats) { s.RecordClose(pnl, e.now()) })
}

func (e *Engine) updateStats(ctx context.Context, symbol string, fn func(*domain.Stats)) {
	st, err := e.stats.GetStats(ctx, symbol)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("load stats failed")
		return
	}
	st.Symbol = symbol
	fn(&st)
	if err := e.stats.PutStats(ctx, st); err != nil {
		e.logger.Error().Err(err).Str("symbol", symbol).Msg("save stats failed")
	}
}

// tradeOptions builds options tagged for the adapter's exchange type.
func (e *Engine) tradeOptions(mc MarketConfig, closing bool) adapter.TradeOptions {
	amm := adapter.AMMOptions{SlippageBps: mc.SlippageBps}
	book := adapter.OrderbookOptions{Leverage: mc.Leverage, ReduceOnly: closing, ClientOrderID: uuid.NewString()}
	switch e.trader.ExchangeType() {
	case adapter.ExchangeAMM:
		return amm
	case adapter.ExchangeOrderbook:
		return book
	case adapter.ExchangeHybrid:
		return adapter.HybridOptions{AMM: amm, Orderbook: book}
	}
	return nil
}

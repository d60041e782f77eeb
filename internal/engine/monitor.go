package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// Monitor checks stop-loss and take-profit for a market's open position using
// the adapter's current price. It never scores and never opens.
func (e *Engine) Monitor(ctx context.Context, symbol string) error {
	mc, ok := e.markets[symbol]
	if !ok {
		return fmt.Errorf("monitor %s: %w", symbol, domain.ErrUnsupportedSymbol)
	}

	release, err := e.locker.TryLock(ctx, lockKey(symbol))
	if errors.Is(err, domain.ErrLockHeld) {
		e.logger.Debug().Str("symbol", symbol).Msg("market busy, skipping monitor")
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w", symbol, err)
	}
	defer release()

	pos, err := e.trader.Position(ctx, symbol)
	if handled, err := e.handleLiquidation(ctx, err, domain.IndicatorBreakdown{}); handled {
		return err
	}
	if err != nil {
		return fmt.Errorf("get position %s: %w", symbol, err)
	}
	if pos == nil {
		return nil
	}

	price, err := e.trader.Price(ctx, symbol, 0)
	if err != nil {
		return fmt.Errorf("price %s: %w", symbol, err)
	}

	if mc.Partials() && len(pos.Partials) > 0 {
		if pc, ok := e.trader.(adapter.PartialCloser); ok {
			groups := partialExits(mc, pos, price, 0, false)
			if len(groups) == 0 {
				return nil
			}
			_, err := e.closeGroups(ctx, mc, pos, price, domain.IndicatorBreakdown{}, pc, groups)
			return err
		}
	}

	diff := domain.PriceDiff(pos.EntryPrice, price, pos.IsLong)
	x, ok := exitFor(mc, diff, pos.IsLong, 0, 0, false)
	if !ok {
		return nil
	}
	return e.closeWhole(ctx, mc, pos, price, domain.IndicatorBreakdown{}, x)
}

// CloseAll closes every open position in the configured markets and returns
// the emitted signals. Markets that fail or are busy are reported in the error.
func (e *Engine) CloseAll(ctx context.Context) ([]domain.TradingSignal, error) {
	var signals []domain.TradingSignal
	var errs []error

	for _, mc := range e.cfg.Markets {
		sig, err := e.closeMarket(ctx, mc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sig != nil {
			signals = append(signals, *sig)
		}
	}
	return signals, errors.Join(errs...)
}

func (e *Engine) closeMarket(ctx context.Context, mc MarketConfig) (*domain.TradingSignal, error) {
	release, err := e.locker.TryLock(ctx, lockKey(mc.Symbol))
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", mc.Symbol, err)
	}
	defer release()

	pos, err := e.trader.Position(ctx, mc.Symbol)
	var liq *domain.LiquidationError
	if errors.As(err, &liq) {
		if _, err := e.handleLiquidation(ctx, err, domain.IndicatorBreakdown{}); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", mc.Symbol, err)
	}
	if pos == nil {
		return nil, nil
	}

	res, err := adapter.CloseFor(ctx, e.trader, pos, pos.Size, e.tradeOptions(mc, true))
	if err != nil {
		return nil, fmt.Errorf("close %s: %w", mc.Symbol, err)
	}
	fill := res.Fill()
	e.recordClose(ctx, mc.Symbol, fill.RealizedPnL)

	dir := pos.Direction()
	diff := domain.PriceDiff(pos.EntryPrice, fill.Price, pos.IsLong)
	d := decision{
		symbol:        mc.Symbol,
		typ:           domain.SignalExit,
		direction:     &dir,
		reason:        domain.ReasonManualClose,
		price:         fill.Price,
		unrealizedPnL: &diff,
	}
	sig, err := e.emitSignal(ctx, d)
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

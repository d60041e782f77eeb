package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// exit is a close decision for a whole position or a group of partials.
type exit struct {
	typ       domain.SignalType
	reason    domain.Reason
	threshold float64
	indexes   []int
}

// exitFor applies the exit rules in order: stop-loss, take-profit, then score
// reversal past sell. scored is false on the monitor path, which skips the
// reversal rule.
func exitFor(mc MarketConfig, diff float64, isLong bool, total, sell float64, scored bool) (exit, bool) {
	switch {
	case diff <= mc.StopLoss:
		return exit{typ: domain.SignalStopLoss, reason: domain.ReasonStopLoss, threshold: mc.StopLoss}, true
	case diff >= mc.TakeProfit:
		return exit{typ: domain.SignalTakeProfit, reason: domain.ReasonTakeProfit, threshold: mc.TakeProfit}, true
	case scored && reversed(isLong, total, sell):
		return exit{typ: domain.SignalExit, reason: reversalReason(isLong, total), threshold: sell}, true
	}
	return exit{}, false
}

func reversed(isLong bool, total, sell float64) bool {
	if isLong {
		return total < sell
	}
	return total > sell
}

// reversalReason distinguishes a score that flipped sign against the position
// from one that merely weakened past the sell threshold.
func reversalReason(isLong bool, total float64) domain.Reason {
	if (isLong && total < 0) || (!isLong && total > 0) {
		return domain.ReasonSignalReversal
	}
	return domain.ReasonBelowThreshold
}

func sellThreshold(mc MarketConfig, isLong bool) float64 {
	if isLong {
		return mc.LongSell
	}
	return mc.ShortSell
}

// managePosition decides on a position tracked as a whole.
func (e *Engine) managePosition(ctx context.Context, mc MarketConfig, pos *domain.Position, price float64, b domain.IndicatorBreakdown) error {
	diff := domain.PriceDiff(pos.EntryPrice, price, pos.IsLong)
	sell := sellThreshold(mc, pos.IsLong)
	dir := pos.Direction()

	x, ok := exitFor(mc, diff, pos.IsLong, b.Total, sell, true)
	if !ok {
		return e.emit(ctx, decision{
			symbol:        mc.Symbol,
			typ:           domain.SignalHold,
			direction:     &dir,
			reason:        domain.ReasonWithinThresholds,
			threshold:     sell,
			price:         price,
			unrealizedPnL: &diff,
			breakdown:     b,
		})
	}
	return e.closeWhole(ctx, mc, pos, price, b, x)
}

func (e *Engine) closeWhole(ctx context.Context, mc MarketConfig, pos *domain.Position, price float64, b domain.IndicatorBreakdown, x exit) error {
	res, err := adapter.CloseFor(ctx, e.trader, pos, pos.Size, e.tradeOptions(mc, true))
	if handled, err := e.handleLiquidation(ctx, err, b); handled {
		return err
	}
	if err != nil {
		return fmt.Errorf("close %s: %w", mc.Symbol, err)
	}

	fill := res.Fill()
	e.recordClose(ctx, mc.Symbol, fill.RealizedPnL)
	dir := pos.Direction()
	diff := domain.PriceDiff(pos.EntryPrice, price, pos.IsLong)
	return e.emit(ctx, decision{
		symbol:        mc.Symbol,
		typ:           x.typ,
		direction:     &dir,
		reason:        x.reason,
		threshold:     x.threshold,
		price:         fillPrice(fill, price),
		unrealizedPnL: &diff,
		breakdown:     b,
	})
}

// considerEntry opens a position when the score crosses a buy threshold.
func (e *Engine) considerEntry(ctx context.Context, mc MarketConfig, price float64, b domain.IndicatorBreakdown) error {
	longBuy, _ := mc.tier(0, true)
	shortBuy, _ := mc.tier(0, false)

	var isLong bool
	var threshold float64
	var reason domain.Reason
	switch {
	case b.Total > longBuy:
		isLong, threshold, reason = true, longBuy, domain.ReasonAboveThreshold
	case b.Total < shortBuy:
		isLong, threshold, reason = false, shortBuy, domain.ReasonBelowThreshold
	default:
		return e.emit(ctx, decision{
			symbol: mc.Symbol, typ: domain.SignalNoAction, reason: domain.ReasonNoSignal,
			threshold: longBuy, price: price, breakdown: b,
		})
	}

	dir := domain.DirectionOf(isLong)
	return e.open(ctx, mc, isLong, price, b, decision{
		symbol: mc.Symbol, typ: domain.SignalEntry, direction: &dir, reason: reason,
		threshold: threshold, price: price, breakdown: b,
	})
}

// open sizes and executes an open, emitting d on success and a NO_ACTION
// signal when the trade cannot be placed.
func (e *Engine) open(ctx context.Context, mc MarketConfig, isLong bool, price float64, b domain.IndicatorBreakdown, d decision) error {
	noAction := func(r domain.Reason) error {
		return e.emit(ctx, decision{
			symbol: mc.Symbol, typ: domain.SignalNoAction, direction: d.direction, reason: r,
			threshold: d.threshold, price: price, breakdown: b,
		})
	}

	if !isLong {
		if _, ok := e.trader.(adapter.ShortSeller); !ok {
			e.logger.Warn().Str("symbol", mc.Symbol).Msg("short signal on a venue without short support")
			return noAction(domain.ReasonShortUnsupported)
		}
	}

	opts := e.tradeOptions(mc, false)
	size, skip, err := e.entrySize(ctx, mc, isLong, opts)
	if err != nil {
		return err
	}
	if skip != "" {
		e.logger.Info().Str("symbol", mc.Symbol).Str("reason", string(skip)).Msg("entry skipped")
		return noAction(skip)
	}

	res, err := adapter.OpenFor(ctx, e.trader, mc.Symbol, isLong, size, opts)
	if errors.Is(err, domain.ErrInsufficientBalance) {
		e.logger.Info().Err(err).Str("symbol", mc.Symbol).Msg("entry skipped")
		return noAction(domain.ReasonInsufficientBalance)
	}
	if handled, err := e.handleLiquidation(ctx, err, b); handled {
		return err
	}
	if err != nil {
		return fmt.Errorf("open %s %s: %w", domain.DirectionOf(isLong), mc.Symbol, err)
	}

	fill := res.Fill()
	e.recordOpen(ctx, mc.Symbol, fill.RealizedPnL)
	d.price = fillPrice(fill, price)
	return e.emit(ctx, d)
}

// entrySize returns the quote notional to open, or a reason to skip the entry.
func (e *Engine) entrySize(ctx context.Context, mc MarketConfig, isLong bool, opts adapter.TradeOptions) (float64, domain.Reason, error) {
	balance, err := e.trader.Balance(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("balance: %w", err)
	}
	size := balance * mc.SizeFraction
	if mc.MaxTradeSize > 0 && size > mc.MaxTradeSize {
		size = mc.MaxTradeSize
	}
	if size <= 0 {
		return 0, domain.ReasonInsufficientBalance, nil
	}

	est, err := e.trader.ExpectedTradeReturn(ctx, mc.Symbol, size, isLong, true, opts)
	if err != nil {
		return 0, "", fmt.Errorf("estimate %s: %w", mc.Symbol, err)
	}
	if est.Cost > balance {
		// scale so the cost stays under the balance
		size *= balance / est.Cost * 0.999
	}

	if ms, ok := e.trader.(adapter.MinimumSizer); ok {
		minSize, err := ms.MinimumTradeSize(ctx, mc.Symbol)
		if err != nil {
			return 0, "", fmt.Errorf("minimum size %s: %w", mc.Symbol, err)
		}
		if size < minSize {
			return 0, domain.ReasonBelowMinimumSize, nil
		}
	}
	return size, "", nil
}

// partialExits classifies every partial and groups them by exit rule.
func partialExits(mc MarketConfig, pos *domain.Position, price, total float64, scored bool) []exit {
	var sl, tp, sell exit
	for i, pt := range pos.Partials {
		_, tierSell := mc.tier(i, pos.IsLong)
		diff := domain.PriceDiff(pt.EntryPrice, price, pos.IsLong)
		x, ok := exitFor(mc, diff, pos.IsLong, total, tierSell, scored)
		if !ok {
			continue
		}
		switch x.typ {
		case domain.SignalStopLoss:
			sl.typ, sl.reason, sl.threshold = x.typ, x.reason, x.threshold
			sl.indexes = append(sl.indexes, i)
		case domain.SignalTakeProfit:
			tp.typ, tp.reason, tp.threshold = x.typ, x.reason, x.threshold
			tp.indexes = append(tp.indexes, i)
		default:
			sell.typ, sell.reason, sell.threshold = domain.SignalAdjustment, x.reason, x.threshold
			sell.indexes = append(sell.indexes, i)
		}
	}

	var out []exit
	for _, g := range []exit{sl, tp, sell} {
		if len(g.indexes) > 0 {
			out = append(out, g)
		}
	}
	return out
}

// closeGroups closes each group of partials in order. Indexes of later groups
// are shifted as earlier groups remove partials. It reports how many partials
// remain, or -1 when a liquidation ended the sequence.
func (e *Engine) closeGroups(ctx context.Context, mc MarketConfig, pos *domain.Position, price float64,
	b domain.IndicatorBreakdown, pc adapter.PartialCloser, groups []exit) (int, error) {
	remaining := len(pos.Partials)
	dir := pos.Direction()
	var removed []int

	for _, g := range groups {
		idx := shiftIndexes(g.indexes, removed)
		res, err := pc.ClosePartials(ctx, mc.Symbol, idx, e.tradeOptions(mc, true))
		if handled, err := e.handleLiquidation(ctx, err, b); handled {
			return -1, err
		}
		if err != nil {
			return remaining, fmt.Errorf("close partials %s %v: %w", mc.Symbol, g.indexes, err)
		}
		removed = append(removed, g.indexes...)
		remaining -= len(g.indexes)

		fill := res.Fill()
		e.recordClose(ctx, mc.Symbol, fill.RealizedPnL)

		typ := g.typ
		if typ == domain.SignalAdjustment && remaining == 0 {
			typ = domain.SignalExit
		}
		if err := e.emit(ctx, decision{
			symbol:    mc.Symbol,
			typ:       typ,
			direction: &dir,
			reason:    g.reason,
			threshold: g.threshold,
			price:     fillPrice(fill, price),
			breakdown: b,
		}); err != nil {
			return remaining, err
		}
	}
	return remaining, nil
}

// managePartials decides on a position with layered entries.
func (e *Engine) managePartials(ctx context.Context, mc MarketConfig, pos *domain.Position, price float64,
	b domain.IndicatorBreakdown, pc adapter.PartialCloser) error {
	groups := partialExits(mc, pos, price, b.Total, true)
	if len(groups) > 0 {
		_, err := e.closeGroups(ctx, mc, pos, price, b, pc, groups)
		return err
	}

	n := len(pos.Partials)
	buy, sell := mc.tier(n, pos.IsLong)
	crossed := (pos.IsLong && b.Total > buy) || (!pos.IsLong && b.Total < buy)
	dir := pos.Direction()
	diff := domain.PriceDiff(pos.EntryPrice, price, pos.IsLong)

	switch {
	case crossed && n < mc.MaxPartials:
		return e.open(ctx, mc, pos.IsLong, price, b, decision{
			symbol: mc.Symbol, typ: domain.SignalAdjustment, direction: &dir,
			reason: domain.ReasonPartialEntry, threshold: buy, price: price, breakdown: b,
		})
	case crossed:
		return e.emit(ctx, decision{
			symbol: mc.Symbol, typ: domain.SignalHold, direction: &dir, reason: domain.ReasonMaxPartials,
			threshold: buy, price: price, unrealizedPnL: &diff, breakdown: b,
		})
	}
	return e.emit(ctx, decision{
		symbol: mc.Symbol, typ: domain.SignalHold, direction: &dir, reason: domain.ReasonWithinThresholds,
		threshold: sell, price: price, unrealizedPnL: &diff, breakdown: b,
	})
}

// shiftIndexes maps partial indexes taken before removals to indexes after them.
func shiftIndexes(indexes, removed []int) []int {
	out := make([]int, len(indexes))
	for i, idx := range indexes {
		shift := 0
		for _, r := range removed {
			if r < idx {
				shift++
			}
		}
		out[i] = idx - shift
	}
	return out
}

func fillPrice(f adapter.Fill, fallback float64) float64 {
	if f.Price > 0 {
		return f.Price
	}
	return fallback
}

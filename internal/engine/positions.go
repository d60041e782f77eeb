package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// readLockWait bounds how long a position read waits for a running cycle.
const readLockWait = 2 * time.Second

// Position returns the open position of a configured market, read under the
// market lock. A liquidation surfaced by the read is recorded the same way a
// cycle records it and the market reads as flat.
func (e *Engine) Position(ctx context.Context, symbol string) (*domain.Position, error) {
	if _, ok := e.markets[symbol]; !ok {
		return nil, fmt.Errorf("position %s: %w", symbol, domain.ErrUnsupportedSymbol)
	}

	release, err := waitLock(ctx, e.locker, lockKey(symbol), readLockWait)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", symbol, err)
	}
	defer release()

	pos, err := e.trader.Position(ctx, symbol)
	if handled, lerr := e.handleLiquidation(ctx, err, domain.IndicatorBreakdown{}); handled {
		return nil, lerr
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", symbol, err)
	}
	return pos, nil
}

// Positions returns the open positions of every configured market, ordered by
// symbol.
func (e *Engine) Positions(ctx context.Context) ([]domain.Position, error) {
	out := make([]domain.Position, 0, len(e.cfg.Markets))
	for _, mc := range e.cfg.Markets {
		pos, err := e.Position(ctx, mc.Symbol)
		if err != nil {
			return nil, err
		}
		if pos != nil {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

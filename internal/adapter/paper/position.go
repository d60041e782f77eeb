package paper

import (
	"math"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// paperPosition is the simulator's view of a position: qty is signed
// (negative for shorts) and margin bookkeeping is always present.
type paperPosition struct {
	qty      float64
	entry    float64
	leverage float64
	margin   float64
	funding  float64
	realized float64
	updated  time.Time
	partials []domain.Partial
}

func fromDomain(p domain.Position, defaultLeverage float64) *paperPosition {
	pp := &paperPosition{
		qty:      p.Size,
		entry:    p.EntryPrice,
		leverage: defaultLeverage,
		realized: p.RealizedPnL,
		updated:  p.LastUpdateTime,
		partials: append([]domain.Partial(nil), p.Partials...),
	}
	if !p.IsLong {
		pp.qty = -p.Size
	}
	if p.Leverage != nil && *p.Leverage > 0 {
		pp.leverage = *p.Leverage
	}
	if p.Margin != nil {
		pp.margin = *p.Margin
	}
	if p.FundingPaid != nil {
		pp.funding = *p.FundingPaid
	}
	return pp
}

func (pp *paperPosition) toDomain(symbol string, mark float64) domain.Position {
	lev, margin, funding, m := pp.leverage, pp.margin, pp.funding, mark
	return domain.Position{
		Symbol:         symbol,
		Size:           math.Abs(pp.qty),
		IsLong:         pp.isLong(),
		EntryPrice:     pp.entry,
		MarkPrice:      &m,
		UnrealizedPnL:  pp.unrealized(mark),
		RealizedPnL:    pp.realized,
		LastUpdateTime: pp.updated,
		Partials:       append([]domain.Partial(nil), pp.partials...),
		Leverage:       &lev,
		Margin:         &margin,
		FundingPaid:    &funding,
	}
}

func (pp *paperPosition) isLong() bool { return pp.qty >= 0 }

func (pp *paperPosition) unrealized(price float64) float64 {
	return (price - pp.entry) * pp.qty
}

// pnl is the profit of closing qty units entered at entry.
func (pp *paperPosition) pnl(entry, price, qty float64) float64 {
	if pp.isLong() {
		return (price - entry) * qty
	}
	return (entry - price) * qty
}

// marginRatio returns (margin+upnl)/notional. ok is false when there is no
// exposure to measure.
func (pp *paperPosition) marginRatio(price float64) (float64, bool) {
	notional := math.Abs(pp.qty * price)
	if notional == 0 || pp.margin <= 0 {
		return 0, false
	}
	return (pp.margin + pp.unrealized(price)) / notional, true
}

// accruedFunding is the funding owed since the last update. Longs pay a positive
// amount; shorts receive (negative).
func (pp *paperPosition) accruedFunding(price, ratePerHour float64, now time.Time) float64 {
	if pp.updated.IsZero() || ratePerHour == 0 {
		return 0
	}
	hours := now.Sub(pp.updated).Hours()
	if hours <= 0 {
		return 0
	}
	f := math.Abs(pp.qty) * price * ratePerHour * hours
	if !pp.isLong() {
		return -f
	}
	return f
}

// add merges qty base units at price using the size-weighted average entry and
// records the addition as a new partial.
func (pp *paperPosition) add(qty, price float64, isLong bool, at time.Time) {
	size := math.Abs(pp.qty)
	if size == 0 {
		pp.entry = price
	} else {
		pp.entry = (size*pp.entry + qty*price) / (size + qty)
	}
	size += qty
	if isLong {
		pp.qty = size
	} else {
		pp.qty = -size
	}
	pp.partials = append(pp.partials, domain.Partial{Size: qty, EntryPrice: price, OpenedAt: at})
}

// scale shrinks the position and every partial by factor.
func (pp *paperPosition) scale(factor float64) {
	if len(pp.partials) == 0 {
		pp.qty *= factor
		return
	}
	for i := range pp.partials {
		pp.partials[i].Size *= factor
	}
	pp.resize()
}

// keep drops the selected partials and recomputes size and entry from the rest.
func (pp *paperPosition) keep(drop map[int]bool) {
	kept := pp.partials[:0:0]
	for i, pt := range pp.partials {
		if !drop[i] {
			kept = append(kept, pt)
		}
	}
	pp.partials = kept

	var size, cost float64
	for _, pt := range kept {
		size += pt.Size
		cost += pt.Size * pt.EntryPrice
	}
	if size > 0 {
		pp.entry = cost / size
	}
	pp.setSize(size)
}

func (pp *paperPosition) resize() {
	var size float64
	for _, pt := range pp.partials {
		size += pt.Size
	}
	pp.setSize(size)
}

func (pp *paperPosition) setSize(size float64) {
	if pp.isLong() {
		pp.qty = size
	} else {
		pp.qty = -size
	}
}

package amm

import (
	"math"
	"math/big"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
)

// reserves are a pool's balances in display units.
type reserves struct {
	base  float64
	quote float64
}

func (r reserves) mid() float64 {
	return r.quote / r.base
}

// buyOut returns the base received for quoteIn after the swap fee.
func (r reserves) buyOut(quoteIn, fee float64) float64 {
	in := quoteIn * (1 - fee)
	return r.base * in / (r.quote + in)
}

// sellOut returns the quote received for baseIn after the swap fee.
func (r reserves) sellOut(baseIn, fee float64) float64 {
	in := baseIn * (1 - fee)
	return r.quote * in / (r.base + in)
}

// depth approximates the curve as an orderbook with levels step apart.
// Level i holds the base that moves the price from level i-1 to level i.
func (r reserves) depth(symbol string, levels int, step float64) adapter.Depth {
	k := r.base * r.quote
	mid := r.mid()
	baseAt := func(p float64) float64 { return math.Sqrt(k / p) }

	d := adapter.Depth{Symbol: symbol}
	for i := 1; i <= levels; i++ {
		lo, hi := mid*(1+float64(i-1)*step), mid*(1+float64(i)*step)
		d.Asks = append(d.Asks, adapter.DepthLevel{Price: hi, Quantity: baseAt(lo) - baseAt(hi)})

		lo, hi = mid*(1-float64(i)*step), mid*(1-float64(i-1)*step)
		if lo <= 0 {
			continue
		}
		d.Bids = append(d.Bids, adapter.DepthLevel{Price: lo, Quantity: baseAt(lo) - baseAt(hi)})
	}
	return d
}

// toUnits scales a raw token amount by 10^decimals.
func toUnits(raw *big.Int, decimals int) float64 {
	f := new(big.Float).SetInt(raw)
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	v, _ := new(big.Float).Quo(f, scale).Float64()
	return v
}

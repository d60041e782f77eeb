// Package scoring maps indicator values to a signed composite TA score.
// Positive scores are bullish, negative scores bearish.
package scoring

import (
	"math"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/domain"
)

// Config holds the scoring thresholds and multipliers.
type Config struct {
	VWAPThreshold     float64 `toml:"vwap_threshold"`
	VWAPMultiplier    float64 `toml:"vwap_multiplier"`
	BBandsMultiplier  float64 `toml:"bbands_multiplier"`
	RSIMultiplier     float64 `toml:"rsi_multiplier"`
	OBVWindow         int     `toml:"obv_window"`
	OBVSlopeThreshold float64 `toml:"obv_slope_threshold"`
	OBVMultiplier     float64 `toml:"obv_multiplier"`
	ProfitMultiplier  float64 `toml:"profit_multiplier"`
	DecayMultiplier   float64 `toml:"decay_multiplier"`
}

// DefaultConfig returns the stock scoring parameters.
func DefaultConfig() Config {
	return Config{
		VWAPThreshold:     0.01,
		VWAPMultiplier:    1,
		BBandsMultiplier:  1,
		RSIMultiplier:     2,
		OBVWindow:         12,
		OBVSlopeThreshold: 1,
		OBVMultiplier:     1,
		ProfitMultiplier:  5,
		DecayMultiplier:   0.001,
	}
}

// Holding describes the position being scored, if any.
type Holding struct {
	AvgEntryPrice float64
	IsLong        bool
	// PartialOpenedAt is the open time of the oldest partial; zero disables time decay.
	PartialOpenedAt time.Time
}

// Input is everything a score depends on. Now is explicit so results are
// reproducible.
type Input struct {
	Price        float64
	VWAP         float64
	BBUpper      float64
	BBLower      float64
	RSI          float64
	PriceHistory []float64
	OBVHistory   []float64
	Holding      *Holding
	Now          time.Time
}

// Score computes the composite score. It has no side effects.
func Score(cfg Config, in Input) domain.IndicatorBreakdown {
	b := domain.IndicatorBreakdown{
		VWAP:   VWAPScore(in.Price, in.VWAP, cfg.VWAPThreshold) * cfg.VWAPMultiplier,
		BBands: BBandsScore(in.Price, in.BBUpper, in.BBLower) * cfg.BBandsMultiplier,
		RSI:    RSIScore(in.RSI) * cfg.RSIMultiplier,
		OBV: OBVDivergenceScore(in.PriceHistory, in.OBVHistory, cfg.OBVWindow, cfg.OBVSlopeThreshold) *
			cfg.OBVMultiplier,
	}
	b.Total = b.VWAP + b.BBands + b.RSI + b.OBV

	if h := in.Holding; h != nil {
		dir := 1.0
		if !h.IsLong {
			dir = -1
		}
		b.Profit = ProfitScore(in.Price, h.AvgEntryPrice, h.IsLong) * cfg.ProfitMultiplier
		if !h.PartialOpenedAt.IsZero() {
			b.TimeDecay = TimeDecayScore(in.Now.Sub(h.PartialOpenedAt), cfg.DecayMultiplier)
		}
		b.Total += dir*b.Profit + dir*b.TimeDecay
	}
	return b
}

// VWAPScore is zero inside the threshold band and grows by one unit per extra
// threshold-width of deviation. VWAP above price is bullish.
func VWAPScore(price, vwap, threshold float64) float64 {
	if price <= 0 || threshold <= 0 {
		return 0
	}
	dev := (vwap - price) / price
	mag := math.Abs(dev)
	if mag <= threshold {
		return 0
	}
	steps := math.Floor(mag / threshold)
	if dev < 0 {
		return -steps
	}
	return steps
}

// BBandsScore is 0 at the midline and ±1 at the bands; price at the lower band
// is bullish.
func BBandsScore(price, upper, lower float64) float64 {
	half := (upper - lower) / 2
	if half <= 0 {
		return 0
	}
	mid := (upper + lower) / 2
	return clamp(-(price-mid)/half, -1, 1)
}

// RSIScore centres RSI at 50 and squares the normalised distance, keeping the sign.
// Oversold readings are bullish.
func RSIScore(rsi float64) float64 {
	n := clamp((50-rsi)/50, -1, 1)
	return math.Copysign(n*n, n)
}

// OBVDivergenceScore compares the trailing price and OBV slopes. Divergence
// (opposite signs) scores in the direction of OBV, capped at slopeThreshold.
func OBVDivergenceScore(prices, obv []float64, window int, slopeThreshold float64) float64 {
	ps := Slope(prices, window)
	os := Slope(obv, window)
	if ps*os >= 0 {
		return 0
	}
	mag := math.Min(math.Abs(ps-os), slopeThreshold)
	return math.Copysign(mag, os)
}

// Slope returns the least-squares slope of the trailing window samples of
// values, or 0 when fewer samples are available.
func Slope(values []float64, window int) float64 {
	if window < 2 || len(values) < window {
		return 0
	}
	ys := values[len(values)-window:]
	n := float64(window)
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	den := n*sumXX - sumX*sumX
	if den == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / den
}

// ProfitScore is the unrealized return fraction, floored at zero.
func ProfitScore(price, avgEntry float64, isLong bool) float64 {
	return math.Max(0, domain.PriceDiff(avgEntry, price, isLong))
}

// TimeDecayScore is -ageMinutes*multiplier, never positive.
func TimeDecayScore(age time.Duration, multiplier float64) float64 {
	if age <= 0 || multiplier <= 0 {
		return 0
	}
	return -age.Minutes() * multiplier
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

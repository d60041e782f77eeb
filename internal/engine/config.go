package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/Spot-Canvas/autotrader/internal/scoring"
)

// Tier is the buy/sell threshold pair of one partial slot, expressed for longs.
// Shorts use the negated values.
type Tier struct {
	Buy  float64 `toml:"buy"`
	Sell float64 `toml:"sell"`
}

// MarketConfig holds the per-market decision parameters. Thresholds are score
// values; StopLoss and TakeProfit are signed return fractions (StopLoss < 0).
type MarketConfig struct {
	Symbol string `toml:"symbol"`

	LongBuy   float64 `toml:"long_buy"`
	LongSell  float64 `toml:"long_sell"`
	ShortBuy  float64 `toml:"short_buy"`
	ShortSell float64 `toml:"short_sell"`

	StopLoss   float64 `toml:"stop_loss"`
	TakeProfit float64 `toml:"take_profit"`

	SizeFraction float64 `toml:"size_fraction"`
	MaxTradeSize float64 `toml:"max_trade_size"`
	Leverage     float64 `toml:"leverage"`
	SlippageBps  float64 `toml:"slippage_bps"`

	// MaxPartials > 1 enables layered entries.
	MaxPartials int    `toml:"max_partials"`
	Tiers       []Tier `toml:"tiers"`
}

// Partials reports whether the market uses layered entries.
func (m MarketConfig) Partials() bool { return m.MaxPartials > 1 }

// tier returns the buy and sell thresholds for partial slot i in the given
// direction.
func (m MarketConfig) tier(i int, isLong bool) (buy, sell float64) {
	if len(m.Tiers) == 0 {
		if isLong {
			return m.LongBuy, m.LongSell
		}
		return m.ShortBuy, m.ShortSell
	}
	if i >= len(m.Tiers) {
		i = len(m.Tiers) - 1
	}
	t := m.Tiers[i]
	if isLong {
		return t.Buy, t.Sell
	}
	return -t.Buy, -t.Sell
}

// Validate checks the market parameters for internal consistency.
func (m MarketConfig) Validate() error {
	var errs []error
	if m.Symbol == "" {
		errs = append(errs, errors.New("symbol is required"))
	}
	if m.LongSell >= m.LongBuy {
		errs = append(errs, fmt.Errorf("long_sell %v must be below long_buy %v", m.LongSell, m.LongBuy))
	}
	if m.ShortSell <= m.ShortBuy {
		errs = append(errs, fmt.Errorf("short_sell %v must be above short_buy %v", m.ShortSell, m.ShortBuy))
	}
	if m.StopLoss >= 0 {
		errs = append(errs, fmt.Errorf("stop_loss %v must be negative", m.StopLoss))
	}
	if m.TakeProfit <= 0 {
		errs = append(errs, fmt.Errorf("take_profit %v must be positive", m.TakeProfit))
	}
	if m.SizeFraction <= 0 || m.SizeFraction > 1 {
		errs = append(errs, fmt.Errorf("size_fraction %v must be in (0, 1]", m.SizeFraction))
	}
	for i, t := range m.Tiers {
		if t.Sell >= t.Buy {
			errs = append(errs, fmt.Errorf("tier %d: sell %v must be below buy %v", i, t.Sell, t.Buy))
		}
	}
	if len(m.Tiers) > 0 && m.MaxPartials < 2 {
		errs = append(errs, errors.New("tiers require max_partials >= 2"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("market %s: %w", m.Symbol, err)
	}
	return nil
}

// Config is the decision engine configuration.
type Config struct {
	Scoring         scoring.Config `toml:"scoring"`
	Markets         []MarketConfig `toml:"markets"`
	MaxConcurrency  int            `toml:"max_concurrency"`
	CycleInterval   time.Duration  `toml:"-"`
	MonitorInterval time.Duration  `toml:"-"`
	MonitorGuard    time.Duration  `toml:"-"`
}

// Validate checks every market and the schedule.
func (c Config) Validate() error {
	if len(c.Markets) == 0 {
		return errors.New("no markets configured")
	}
	seen := make(map[string]bool, len(c.Markets))
	var errs []error
	for _, m := range c.Markets {
		if seen[m.Symbol] {
			errs = append(errs, fmt.Errorf("market %s configured twice", m.Symbol))
		}
		seen[m.Symbol] = true
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.CycleInterval <= 0 {
		errs = append(errs, errors.New("cycle interval must be positive"))
	}
	if c.MonitorInterval <= 0 || c.MonitorInterval > c.CycleInterval {
		errs = append(errs, errors.New("monitor interval must be positive and not exceed the cycle interval"))
	}
	if c.MonitorGuard < 0 || 2*c.MonitorGuard >= c.CycleInterval {
		errs = append(errs, errors.New("monitor guard must be under half the cycle interval"))
	}
	return errors.Join(errs...)
}

// Symbols returns the configured market symbols in order.
func (c Config) Symbols() []string {
	out := make([]string, len(c.Markets))
	for i, m := range c.Markets {
		out[i] = m.Symbol
	}
	return out
}

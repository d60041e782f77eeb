package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Spot-Canvas/autotrader/internal/adapter"
	"github.com/Spot-Canvas/autotrader/internal/adapter/amm"
	"github.com/Spot-Canvas/autotrader/internal/adapter/paper"
	"github.com/Spot-Canvas/autotrader/internal/adapter/perp"
	"github.com/Spot-Canvas/autotrader/internal/engine"
	"github.com/Spot-Canvas/autotrader/internal/scoring"
)

// Duration is a time.Duration written as a Go duration string ("5m").
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Strategy is the trading configuration read from the strategy file.
type Strategy struct {
	CycleInterval   Duration `toml:"cycle_interval"`
	MonitorInterval Duration `toml:"monitor_interval"`
	MonitorGuard    Duration `toml:"monitor_guard"`
	MaxConcurrency  int      `toml:"max_concurrency"`
	// IndicatorMaxAge marks cached snapshots older than this as unavailable.
	IndicatorMaxAge Duration `toml:"indicator_max_age"`
	LockTTL         Duration `toml:"lock_ttl"`

	Scoring scoring.Config        `toml:"scoring"`
	Markets []engine.MarketConfig `toml:"markets"`

	Paper paper.Config `toml:"paper"`
	Perp  PerpStrategy `toml:"perp"`
	AMM   AMMStrategy  `toml:"amm"`
}

// PerpStrategy configures the perpetual futures venue.
type PerpStrategy struct {
	QuoteAsset        string   `toml:"quote_asset"`
	DefaultLeverage   int      `toml:"default_leverage"`
	MaxLeverage       int      `toml:"max_leverage"`
	RulesTTL          Duration `toml:"rules_ttl"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

// AMMStrategy configures the constant-product pool venue.
type AMMStrategy struct {
	Pools              []amm.Pool `toml:"pools"`
	InitialBalance     float64    `toml:"initial_balance"`
	MinTradeSize       float64    `toml:"min_trade_size"`
	GasEstimate        float64    `toml:"gas_estimate"`
	DefaultSlippageBps float64    `toml:"default_slippage_bps"`
	Deadline           Duration   `toml:"deadline"`
	DepthStep          float64    `toml:"depth_step"`
}

// DefaultMarket returns the stock parameters for one market.
func DefaultMarket(symbol string) engine.MarketConfig {
	return engine.MarketConfig{
		Symbol:       symbol,
		LongBuy:      2,
		LongSell:     -1,
		ShortBuy:     -2,
		ShortSell:    1,
		StopLoss:     -0.05,
		TakeProfit:   0.1,
		SizeFraction: 0.25,
		Leverage:     1,
		SlippageBps:  50,
		MaxPartials:  1,
	}
}

// DefaultStrategy returns the built-in strategy. A strategy file overrides it
// key by key.
func DefaultStrategy() Strategy {
	return Strategy{
		CycleInterval:   Duration{5 * time.Minute},
		MonitorInterval: Duration{time.Minute},
		MonitorGuard:    Duration{10 * time.Second},
		IndicatorMaxAge: Duration{15 * time.Minute},
		LockTTL:         Duration{2 * time.Minute},
		Scoring:         scoring.DefaultConfig(),
		Markets:         []engine.MarketConfig{DefaultMarket("BTC-USD"), DefaultMarket("ETH-USD")},
		Paper:           paper.DefaultConfig(),
		Perp: PerpStrategy{
			QuoteAsset:        "USDT",
			DefaultLeverage:   1,
			MaxLeverage:       20,
			RulesTTL:          Duration{10 * time.Minute},
			RequestsPerSecond: 10,
			Burst:             20,
		},
		AMM: AMMStrategy{
			InitialBalance:     10000,
			MinTradeSize:       10,
			DefaultSlippageBps: 50,
			Deadline:           Duration{2 * time.Minute},
			DepthStep:          0.01,
		},
	}
}

// LoadStrategy reads the strategy file at path over DefaultStrategy. Unknown
// keys are rejected. An empty path returns the defaults.
func LoadStrategy(path, exchange string) (Strategy, error) {
	s := DefaultStrategy()
	if path != "" {
		// Markets listed in the file replace the defaults as a whole.
		defaults := s.Markets
		s.Markets = nil
		md, err := toml.DecodeFile(path, &s)
		if err != nil {
			return Strategy{}, fmt.Errorf("decode strategy %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Strategy{}, fmt.Errorf("strategy %s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
		if len(s.Markets) == 0 {
			s.Markets = defaults
		}
	}
	if err := s.Validate(exchange); err != nil {
		return Strategy{}, fmt.Errorf("invalid strategy: %w", err)
	}
	return s, nil
}

// Validate checks the strategy for the selected exchange.
func (s Strategy) Validate(exchange string) error {
	var errs []error
	if err := s.EngineConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if s.IndicatorMaxAge.Duration < 0 {
		errs = append(errs, errors.New("indicator_max_age must not be negative"))
	}
	if s.LockTTL.Duration <= 0 {
		errs = append(errs, errors.New("lock_ttl must be positive"))
	}

	switch exchange {
	case ExchangePaper:
		p := s.Paper
		if p.InitialBalance <= 0 {
			errs = append(errs, errors.New("paper.initial_balance must be positive"))
		}
		if p.FeeRate < 0 || p.FeeRate >= 1 {
			errs = append(errs, fmt.Errorf("paper.fee_rate %v must be in [0, 1)", p.FeeRate))
		}
		if p.LiquidationThreshold < 0 || p.LiquidationThreshold >= 1 {
			errs = append(errs, fmt.Errorf("paper.liquidation_threshold %v must be in [0, 1)", p.LiquidationThreshold))
		}
		if p.MaxLeverage < 1 {
			errs = append(errs, fmt.Errorf("paper.max_leverage %v must be at least 1", p.MaxLeverage))
		}
		if p.ExchangeType != "" {
			if _, err := adapter.ParseExchangeType(string(p.ExchangeType)); err != nil {
				errs = append(errs, fmt.Errorf("paper.exchange_type: %w", err))
			}
		}
		for _, m := range s.Markets {
			if m.Leverage > p.MaxLeverage {
				errs = append(errs, fmt.Errorf("market %s: leverage %v exceeds paper.max_leverage %v", m.Symbol, m.Leverage, p.MaxLeverage))
			}
		}
	case ExchangePerp:
		if s.Perp.DefaultLeverage < 1 || s.Perp.MaxLeverage < s.Perp.DefaultLeverage {
			errs = append(errs, errors.New("perp leverage must satisfy 1 <= default_leverage <= max_leverage"))
		}
	case ExchangeAMM:
		pools := make(map[string]bool, len(s.AMM.Pools))
		for _, p := range s.AMM.Pools {
			if p.Symbol == "" || p.Address == "" {
				errs = append(errs, errors.New("amm pool requires symbol and address"))
			}
			if p.FeeRate < 0 || p.FeeRate >= 1 {
				errs = append(errs, fmt.Errorf("amm pool %s: fee_rate %v must be in [0, 1)", p.Symbol, p.FeeRate))
			}
			pools[p.Symbol] = true
		}
		for _, m := range s.Markets {
			if !pools[m.Symbol] {
				errs = append(errs, fmt.Errorf("market %s has no amm pool", m.Symbol))
			}
		}
	}
	return errors.Join(errs...)
}

// EngineConfig returns the decision engine configuration.
func (s Strategy) EngineConfig() engine.Config {
	return engine.Config{
		Scoring:         s.Scoring,
		Markets:         s.Markets,
		MaxConcurrency:  s.MaxConcurrency,
		CycleInterval:   s.CycleInterval.Duration,
		MonitorInterval: s.MonitorInterval.Duration,
		MonitorGuard:    s.MonitorGuard.Duration,
	}
}

// Symbols returns the configured market symbols.
func (s Strategy) Symbols() []string {
	return s.EngineConfig().Symbols()
}

// PaperConfig returns the paper simulator configuration for the markets.
func (s Strategy) PaperConfig() paper.Config {
	c := s.Paper
	c.Symbols = s.Symbols()
	return c
}

// PerpConfig returns the perpetual adapter configuration for the markets.
func (s Strategy) PerpConfig() perp.Config {
	return perp.Config{
		Symbols:         s.Symbols(),
		QuoteAsset:      s.Perp.QuoteAsset,
		DefaultLeverage: s.Perp.DefaultLeverage,
		MaxLeverage:     s.Perp.MaxLeverage,
		RulesTTL:        s.Perp.RulesTTL.Duration,
	}
}

// BinanceConfig returns the exchange client configuration with the given keys.
func (s Strategy) BinanceConfig(apiKey, secretKey string, testnet bool) perp.BinanceConfig {
	return perp.BinanceConfig{
		APIKey:            apiKey,
		SecretKey:         secretKey,
		Testnet:           testnet,
		RequestsPerSecond: s.Perp.RequestsPerSecond,
		Burst:             s.Perp.Burst,
	}
}

// AMMConfig returns the pool adapter configuration.
func (s Strategy) AMMConfig() amm.Config {
	a := s.AMM
	return amm.Config{
		Pools:              a.Pools,
		InitialBalance:     a.InitialBalance,
		MinTradeSize:       a.MinTradeSize,
		GasEstimate:        a.GasEstimate,
		DefaultSlippageBps: a.DefaultSlippageBps,
		DefaultDeadline:    a.Deadline.Duration,
		DepthStep:          a.DepthStep,
	}
}

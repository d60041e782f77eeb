package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HTTP_PORT", "STORE", "EXCHANGE", "REDIS_ADDR", "REDIS_DB", "CLOUDSQL_INSTANCE", "BINANCE_TESTNET", "DATABASE_URL"} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, StorePostgres, cfg.Store)
	assert.Equal(t, ExchangePaper, cfg.Exchange)
	assert.Empty(t, cfg.RedisAddr)
	assert.True(t, cfg.BinanceTestnet)
	assert.Contains(t, cfg.DatabaseURL, "localhost:5432")
}

func TestLoadCloudSQL(t *testing.T) {
	t.Setenv("CLOUDSQL_INSTANCE", "proj:region:inst")
	t.Setenv("DB_USER", "trader")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_NAME", "autotrader")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://trader:secret@/autotrader?host=/cloudsql/proj:region:inst", cfg.DatabaseURL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"store", map[string]string{"STORE": "sqlite"}, "invalid STORE"},
		{"exchange", map[string]string{"EXCHANGE": "dex"}, "invalid EXCHANGE"},
		{"perp keys", map[string]string{"EXCHANGE": "perp", "BINANCE_API_KEY": ""}, "requires BINANCE_API_KEY"},
		{"amm rpc", map[string]string{"EXCHANGE": "amm", "ETH_RPC_URL": ""}, "requires ETH_RPC_URL"},
		{"redis db", map[string]string{"REDIS_DB": "zero"}, "invalid REDIS_DB"},
		{"testnet flag", map[string]string{"BINANCE_TESTNET": "maybe"}, "invalid BINANCE_TESTNET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORE", "")
			t.Setenv("EXCHANGE", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDefaultStrategyIsValid(t *testing.T) {
	s := DefaultStrategy()
	require.NoError(t, s.Validate(ExchangePaper))
	require.NoError(t, s.Validate(ExchangePerp))
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, s.Symbols())
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, s.PaperConfig().Symbols)

	// No pools configured for the default markets.
	assert.ErrorContains(t, s.Validate(ExchangeAMM), "has no amm pool")
}

func writeStrategy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategy.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadStrategyOverridesDefaults(t *testing.T) {
	path := writeStrategy(t, `
cycle_interval = "10m"
monitor_interval = "2m"

[scoring]
rsi_multiplier = 3.5

[paper]
initial_balance = 2500.0
max_leverage = 5.0

[[markets]]
symbol = "SOL-USD"
long_buy = 1.5
long_sell = -0.5
short_buy = -1.5
short_sell = 0.5
stop_loss = -0.03
take_profit = 0.06
size_fraction = 0.1
leverage = 3.0
max_partials = 3

  [[markets.tiers]]
  buy = 1.0
  sell = -1.0

  [[markets.tiers]]
  buy = 2.0
  sell = -0.5
`)

	s, err := LoadStrategy(path, ExchangePaper)
	require.NoError(t, err)

	ec := s.EngineConfig()
	assert.Equal(t, 10*time.Minute, ec.CycleInterval)
	assert.Equal(t, 2*time.Minute, ec.MonitorInterval)
	assert.Equal(t, 10*time.Second, ec.MonitorGuard)
	assert.Equal(t, 3.5, ec.Scoring.RSIMultiplier)
	assert.Equal(t, 2.0, ec.Scoring.VWAPMultiplier+ec.Scoring.BBandsMultiplier)

	require.Len(t, ec.Markets, 1)
	m := ec.Markets[0]
	assert.Equal(t, "SOL-USD", m.Symbol)
	assert.True(t, m.Partials())
	require.Len(t, m.Tiers, 2)
	assert.Equal(t, -0.5, m.Tiers[1].Sell)

	pc := s.PaperConfig()
	assert.Equal(t, 2500.0, pc.InitialBalance)
	assert.Equal(t, 0.001, pc.FeeRate)
	assert.Equal(t, []string{"SOL-USD"}, pc.Symbols)
}

func TestLoadStrategyRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown key", `cycle_intervall = "5m"`, "unknown keys: cycle_intervall"},
		{"bad duration", `cycle_interval = "five minutes"`, "decode strategy"},
		{"monitor slower than cycle", `monitor_interval = "10m"`, "monitor interval"},
		{"unknown paper exchange type", "[paper]\nexchange_type = \"dex\"", "paper.exchange_type"},
		{"leverage over cap", `
[paper]
max_leverage = 2.0

[[markets]]
symbol = "BTC-USD"
long_buy = 2.0
long_sell = -1.0
short_buy = -2.0
short_sell = 1.0
stop_loss = -0.05
take_profit = 0.1
size_fraction = 0.5
leverage = 5.0
`, "exceeds paper.max_leverage"},
		{"inverted thresholds", `
[[markets]]
symbol = "BTC-USD"
long_buy = -1.0
long_sell = 1.0
short_buy = -2.0
short_sell = 1.0
stop_loss = -0.05
take_profit = 0.1
size_fraction = 0.5
`, "long_sell"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadStrategy(writeStrategy(t, tt.body), ExchangePaper)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestAMMStrategy(t *testing.T) {
	path := writeStrategy(t, `
[amm]
initial_balance = 5000.0
deadline = "90s"

[[amm.pools]]
symbol = "WETH-USDC"
address = "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
base_is_token0 = true
base_decimals = 18
quote_decimals = 6
fee_rate = 0.003

[[markets]]
symbol = "WETH-USDC"
long_buy = 2.0
long_sell = -1.0
short_buy = -2.0
short_sell = 1.0
stop_loss = -0.05
take_profit = 0.1
size_fraction = 0.25
`)

	s, err := LoadStrategy(path, ExchangeAMM)
	require.NoError(t, err)
	ac := s.AMMConfig()
	assert.Equal(t, 90*time.Second, ac.DefaultDeadline)
	assert.Equal(t, 5000.0, ac.InitialBalance)
	require.Len(t, ac.Pools, 1)
	assert.True(t, ac.Pools[0].BaseIsToken0)
	assert.Equal(t, 18, ac.Pools[0].BaseDecimals)
}

func TestPerpConfig(t *testing.T) {
	s := DefaultStrategy()
	pc := s.PerpConfig()
	assert.Equal(t, "USDT", pc.QuoteAsset)
	assert.Equal(t, 10*time.Minute, pc.RulesTTL)
	assert.Equal(t, s.Symbols(), pc.Symbols)

	bc := s.BinanceConfig("k", "s", true)
	assert.Equal(t, 10.0, bc.RequestsPerSecond)
	assert.True(t, bc.Testnet)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
dry_run: true
quote:
  spread_base: 0.4
  max_inventory: 80
  quote_size: 5
  tick_interval: 2s
  hedge_down_policy: pause
hedge:
  hedge_slippage_tolerance: "0.003"
  time_in_force: gtc
  fill_timeout: 3s
price:
  sources:
    - kind: http
      url: https://api.example.com/info
      path: mids.ETH
    - kind: hedge_mid
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadFileOverDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.True(t, cfg.Quote.SpreadBase.Equal(decimal.RequireFromString("0.4")))
	assert.True(t, cfg.Quote.SpreadSkewFactor.Equal(decimal.RequireFromString("0.01")), "default kept")
	assert.Equal(t, 2*time.Second, cfg.Quote.TickInterval)
	assert.Equal(t, "pause", cfg.Quote.HedgeDownPolicy)
	assert.True(t, cfg.Hedge.SlippageTolerance.Equal(decimal.RequireFromString("0.003")))
	assert.Equal(t, "gtc", cfg.Hedge.TimeInForce)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	require.Len(t, cfg.Price.Sources, 2)
	assert.Equal(t, "mids.ETH", cfg.Price.Sources[0].Path)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("SPREAD_BASE", "0.3")
	t.Setenv("RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("TICK_INTERVAL", "750ms")
	t.Setenv("HEDGE_API_SECRET", "s3cret")

	cfg, err := Load(writeFile(t, sample))
	require.NoError(t, err)
	assert.True(t, cfg.Quote.SpreadBase.Equal(decimal.RequireFromString("0.3")))
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, 750*time.Millisecond, cfg.Quote.TickInterval)
	assert.Equal(t, "s3cret", cfg.HedgeVenue.APISecret)
}

func TestBadEnvValue(t *testing.T) {
	t.Setenv("MAX_INVENTORY", "lots")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_INVENTORY")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"defaults ok", func(*Config) {}, ""},
		{"size above cap", func(c *Config) { c.Quote.QuoteSize = decimal.NewFromInt(500) }, "quote_size"},
		{"zero spread", func(c *Config) { c.Quote.SpreadBase = decimal.Zero }, "spread_base"},
		{"bad policy", func(c *Config) { c.Quote.HedgeDownPolicy = "panic" }, "hedge_down_policy"},
		{"bad tif", func(c *Config) { c.Hedge.TimeInForce = "fok" }, "time_in_force"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry_max_attempts"},
		{"http source without url", func(c *Config) {
			c.Price.Sources = []PriceSourceConfig{{Kind: "http"}}
		}, "url"},
		{"live without endpoints", func(c *Config) { c.DryRun = false }, "endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load("../../yml/config.yaml")
	require.NoError(t, err)
	assert.True(t, cfg.DryRun)
	assert.True(t, cfg.Paper.StartPrice.Equal(decimal.NewFromInt(2500)))
	assert.True(t, cfg.Breaker.DailyLossLimit.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 5*time.Minute, cfg.Hedge.AutoRequeueAfter)
	require.Len(t, cfg.Price.Sources, 1)
}

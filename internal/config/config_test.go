package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantumdesk/internal/alerting"
	"quantumdesk/internal/market"
	"quantumdesk/internal/metrics"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: quantumdesk\n"))
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.Pipeline.RefreshInterval)
	assert.Equal(t, 60*time.Second, cfg.Pipeline.CacheTTL)
	assert.False(t, cfg.Pipeline.CompactMode)
	assert.Equal(t, 30*time.Second, cfg.Pipeline.DegradedBackoff)

	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, market.VenueBitfinex, cfg.Venues[0].Venue())
	assert.Equal(t, []string{"BTC-PERPETUAL"}, cfg.Venues[1].Instruments)

	rules, err := cfg.AlertRules()
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.True(t, rules[0].Threshold.Equal(decimal.RequireFromString("0.0075")))
	assert.Equal(t, alerting.Below, rules[1].Operator)
	assert.False(t, rules[2].Enabled, "etf premium rule is off without an etf venue")
}

func TestLoadVenuesAndRulesFromFile(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  refresh_interval: 2s
venues:
  - name: deribit
    instruments: [BTC-PERPETUAL, ETH-PERPETUAL]
    streaming: true
    funding_period: 1h
  - name: etf
    base_url: https://nav.example.com
    instruments: [IBIT]
    poll_interval: 30s
rules:
  - id: eth-basis
    venue: deribit
    instrument: ETH
    metric: basis
    operator: above
    threshold: 0.02
    hysteresis: "0.001"
    cooldown: 5m
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Venues, 2)
	assert.True(t, cfg.Venues[0].Streaming)
	assert.Equal(t, time.Hour, cfg.Venues[0].FundingPeriod)
	assert.Equal(t, 2*time.Second, cfg.PollInterval(cfg.Venues[0]))
	assert.Equal(t, 30*time.Second, cfg.PollInterval(cfg.Venues[1]))

	rules, err := cfg.AlertRules()
	require.NoError(t, err)
	require.Len(t, rules, 1)
	r := rules[0]
	assert.Equal(t, metrics.MetricKey{Instrument: "ETH", Venue: market.VenueDeribit, Kind: metrics.KindBasis}, r.Target)
	assert.True(t, r.Threshold.Equal(decimal.RequireFromString("0.02")))
	assert.True(t, r.Hysteresis.Equal(decimal.RequireFromString("0.001")))
	assert.Equal(t, 5*time.Minute, r.Cooldown)
	assert.True(t, r.Enabled)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("QUANTUMDESK_PIPELINE_CACHE_TTL", "90s")
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Pipeline.CacheTTL)
}

func TestTunablesAreClamped(t *testing.T) {
	cfg, err := Load(writeConfig(t, "pipeline:\n  refresh_interval: 10ms\n  cache_ttl: 1s\n"))
	require.NoError(t, err)
	assert.Equal(t, MinRefreshInterval, cfg.Pipeline.RefreshInterval)
	assert.Equal(t, MinCacheTTL, cfg.Pipeline.CacheTTL)

	compact := true
	cfg.ApplyOverrides(50, 2, &compact)
	assert.Equal(t, MinRefreshInterval, cfg.Pipeline.RefreshInterval)
	assert.Equal(t, MinCacheTTL, cfg.Pipeline.CacheTTL)
	assert.True(t, cfg.Pipeline.CompactMode)

	cfg.ApplyOverrides(250, 0, nil)
	assert.Equal(t, 250*time.Millisecond, cfg.Pipeline.RefreshInterval)
	assert.Equal(t, MinCacheTTL, cfg.Pipeline.CacheTTL)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown venue":      "venues:\n  - name: kraken\n    instruments: [XBT]\n",
		"etf without url":    "venues:\n  - name: etf\n    instruments: [IBIT]\n",
		"empty instruments":  "venues:\n  - name: deribit\n",
		"bitfinex streaming": "venues:\n  - name: bitfinex\n    instruments: [tBTCF0:USTF0]\n    streaming: true\n",
		"bad operator":       "rules:\n  - id: x\n    venue: deribit\n    instrument: BTC\n    metric: basis\n    operator: '>='\n    threshold: 1\n",
		"bad metric":         "rules:\n  - id: x\n    venue: deribit\n    instrument: BTC\n    metric: vol\n    operator: '>'\n    threshold: 1\n",
		"telegram no token":  "alerting:\n  telegram:\n    enabled: true\n    chat_id: c\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
env: dev
session:
  symbols: [BTCUSDT, ETHUSDT]
  capital: 2000
  cycleInterval: 15s
quote:
  baseSpreadPct: 0.2
  levels: 3
gateway:
  apiKey: foo
  apiSecret: bar
symbols:
  BTCUSDT:
    baseAsset: BTC
    quoteAsset: USDT
    tickSize: 0.01
    stepSize: 0.00001
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadKeepsDefaultsForMissingFields(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Session.Symbols)
	assert.Equal(t, 2000.0, cfg.Session.Capital)
	assert.Equal(t, 15*time.Second, cfg.Session.CycleInterval)
	assert.Equal(t, 0.2, cfg.Quote.BaseSpreadPct)
	assert.Equal(t, 3, cfg.Quote.Levels)
	// 未给出的字段保持默认
	assert.Equal(t, 0.95, cfg.RL.Discount)
	assert.Equal(t, "scalar", cfg.RL.GradientMode)
	assert.Equal(t, "BTC", cfg.Symbols["BTCUSDT"].BaseAsset)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, minimalYAML)
	t.Setenv("MM_GATEWAY_API_KEY", "envkey")
	t.Setenv("MM_GATEWAY_API_SECRET", "envsecret")
	t.Setenv("MM_LLM_API_KEY", "llmkey")

	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "envkey", cfg.Gateway.APIKey)
	assert.Equal(t, "envsecret", cfg.Gateway.APISecret)
	assert.Equal(t, "llmkey", cfg.LLM.APIKey)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeTempConfig(t, "session: [not a map"))
	assert.Error(t, err)
}

func validConfig() AppConfig {
	cfg := Default()
	cfg.Session.Symbols = []string{"BTCUSDT"}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
		field  string
	}{
		{"ok", func(*AppConfig) {}, ""},
		{"no symbols", func(c *AppConfig) { c.Session.Symbols = nil }, "session.symbols"},
		{"duplicate symbol", func(c *AppConfig) { c.Session.Symbols = []string{"A", "A"} }, "session.symbols"},
		{"zero capital", func(c *AppConfig) { c.Session.Capital = 0 }, "session.capital"},
		{"negative capital", func(c *AppConfig) { c.Session.Capital = -5 }, "session.capital"},
		{"zero spread", func(c *AppConfig) { c.Quote.BaseSpreadPct = 0 }, "quote.baseSpreadPct"},
		{"no levels", func(c *AppConfig) { c.Quote.Levels = 0 }, "quote.levels"},
		{"crossing levels", func(c *AppConfig) { c.Quote.BaseSpreadPct = 10; c.Quote.Levels = 7 }, "quote.levels"},
		{"epsilon out of range", func(c *AppConfig) { c.RL.EpsilonStart = 1.5 }, "rl.epsilon"},
		{"min above start", func(c *AppConfig) { c.RL.EpsilonStart = 0.1; c.RL.EpsilonMin = 0.2 }, "rl.epsilonMin"},
		{"bad gradient mode", func(c *AppConfig) { c.RL.GradientMode = "adam" }, "rl.gradientMode"},
		{"batch larger than buffer", func(c *AppConfig) { c.RL.BatchSize = 2000 }, "rl.batchSize"},
		{"multi agent without agents", func(c *AppConfig) { c.Session.MultiAgent = true }, "consensus.agents"},
		{"bad threshold", func(c *AppConfig) {
			c.Session.MultiAgent = true
			c.Consensus.Threshold = 1.2
		}, "consensus.threshold"},
		{"unknown role", func(c *AppConfig) {
			c.Session.MultiAgent = true
			c.Consensus.Agents = []AgentConfig{{ID: "a", Role: "oracle", Weight: 0.5}}
		}, "consensus.agents"},
		{"unknown priority agent", func(c *AppConfig) {
			c.Session.MultiAgent = true
			c.Consensus.Agents = []AgentConfig{{ID: "a", Role: "policy", Weight: 0.5}}
			c.Consensus.Priority = []string{"b"}
		}, "consensus.priority"},
		{"negative tick", func(c *AppConfig) {
			c.Symbols = map[string]SymbolConfig{"BTCUSDT": {TickSize: -1}}
		}, "symbols.BTCUSDT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *ConfigurationError
			require.True(t, errors.As(err, &cerr), "want ConfigurationError, got %v", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestPeriodsPerYear(t *testing.T) {
	cfg := validConfig()
	cfg.Session.CycleInterval = time.Hour
	assert.InDelta(t, 8760, cfg.PeriodsPerYear(), 1e-9)

	cfg.Risk.PeriodsPerYear = 252
	assert.Equal(t, 252.0, cfg.PeriodsPerYear())
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"basketbatch/internal/batch"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/vault"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// clearEnv keeps the caller's environment out of Load.
func clearEnv(t *testing.T) {
	for _, k := range []string{"BASKET_DB", "BASKET_PG_DSN", "BASKET_LISTEN", "BASKET_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

// =============================================================================
// DEFAULTS AND ROUND TRIP
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	params, err := cfg.BatchParams()
	require.NoError(t, err)
	assert.Equal(t, batch.DefaultParams(), params)

	vc, err := cfg.VaultOptions()
	require.NoError(t, err)
	assert.Equal(t, vault.DefaultFeeRates(), vc.Rates)
	assert.Equal(t, uint32(10), vc.SlippageEstimateBps)

	mc, err := cfg.MarketOptions()
	require.NoError(t, err)
	assert.Len(t, mc.Components, 4)
	assert.Equal(t, fixedpoint.MustParse("0.25"), mc.Components[0].Units)
	assert.Len(t, mc.Stables, 3)
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "basketd.yaml")

	cfg := DefaultConfig()
	cfg.Engine.Cooldown = "10m"
	cfg.Vault.Fees.WithdrawalBps = 25
	cfg.Store.Driver = "memory"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, 10*time.Minute, loaded.GetCooldown())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unterminated"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BASKET_DB", "/tmp/x.db")
	t.Setenv("BASKET_PG_DSN", "postgres://u@db/basket")
	t.Setenv("BASKET_LISTEN", ":9999")
	t.Setenv("BASKET_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/tmp/x.db", cfg.Store.Path)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://u@db/basket", cfg.Store.DSN)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"same assets", func(c *Config) { c.Engine.Basket = c.Engine.Reserve }},
		{"bad cooldown", func(c *Config) { c.Engine.Cooldown = "soon" }},
		{"negative cooldown", func(c *Config) { c.Engine.Cooldown = "-1s" }},
		{"bad threshold", func(c *Config) { c.Engine.MintThreshold = "lots" }},
		{"slippage over 100%", func(c *Config) { c.Engine.SlippageBps = 10001 }},
		{"bad governor", func(c *Config) { c.Vault.Governor = "alice" }},
		{"fee over 100%", func(c *Config) { c.Vault.Fees.PerformanceBps = 20000 }},
		{"no components", func(c *Config) { c.Market.Components = nil }},
		{"bad price", func(c *Config) { c.Market.Components[1].VirtualPrice = "x" }},
		{"bad stable", func(c *Config) { c.Market.Stables["DAI"] = "-1" }},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mongo" }},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }},
		{"no listen", func(c *Config) { c.Server.Listen = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfig_Helpers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.ReadTimeout = "garbage"
	assert.Equal(t, 10*time.Second, cfg.GetReadTimeout(), "falls back on parse errors")
	assert.Equal(t, 10*time.Second, cfg.GetWriteTimeout())
	assert.Equal(t, 5*time.Second, cfg.GetShutdownTimeout())

	assert.Equal(t, "0x000000000000000000000000000000000000dEaD", cfg.GovernorAddress().Hex())
	lc := cfg.LoggingOptions()
	assert.Equal(t, "info", lc.Level)
	assert.Equal(t, "console", lc.Format)

	cfg.Market.InitialBasketSupply = ""
	supply, err := cfg.InitialBasketSupply()
	require.NoError(t, err)
	assert.True(t, supply.IsZero())
}

// =============================================================================
// WATCHER
// =============================================================================

func TestWatchReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	WatchDebounce = 20 * time.Millisecond

	path := filepath.Join(t.TempDir(), "basketd.yaml")
	cfg := DefaultConfig()
	cfg.Store.Driver = "memory"
	require.NoError(t, cfg.Save(path))

	ctx, cancel := context.WithCancel(context.Background())
	reloaded := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) { reloaded <- c })
	}()

	// Rewrite until the watcher (which registers asynchronously) sees it.
	var got *Config
	deadline := time.After(5 * time.Second)
	for got == nil {
		cfg.Vault.Fees.ManagementBps = 150
		require.NoError(t, cfg.Save(path))
		select {
		case got = <-reloaded:
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
	assert.Equal(t, uint32(150), got.Vault.Fees.ManagementBps)

	// An invalid file is skipped.
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: mongo\n"), 0644))
	select {
	case c := <-reloaded:
		t.Fatalf("invalid config delivered: %+v", c.Store)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

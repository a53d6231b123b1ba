package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"basketbatch/internal/batch"
	"basketbatch/internal/fixedpoint"
	"basketbatch/internal/logging"
	"basketbatch/internal/market"
	"basketbatch/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all basketd configuration.
type Config struct {
	// Core settings
	Name string `yaml:"name"`

	// Batch queue and processor
	Engine EngineConfig `yaml:"engine"`

	// Share vault
	Vault VaultConfig `yaml:"vault"`

	// Simulated market backing serve and simulate
	Market MarketConfig `yaml:"market"`

	// Journal and snapshot persistence
	Store StoreConfig `yaml:"store"`

	// HTTP API
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EngineConfig configures batching. Amounts are human decimals.
type EngineConfig struct {
	Reserve         string `yaml:"reserve"`
	Basket          string `yaml:"basket"`
	Cooldown        string `yaml:"cooldown"`
	MintThreshold   string `yaml:"mint_threshold"`
	RedeemThreshold string `yaml:"redeem_threshold"`
	// SlippageBps is the per-leg tolerance used when a caller gives none.
	SlippageBps uint32 `yaml:"slippage_bps"`
}

// VaultConfig configures the share vault.
type VaultConfig struct {
	Governor            string         `yaml:"governor"`
	FeeRecipient        string         `yaml:"fee_recipient"`
	Fees                vault.FeeRates `yaml:"fees"`
	SlippageEstimateBps uint32         `yaml:"slippage_estimate_bps"`
}

// MarketConfig describes the simulated market.
type MarketConfig struct {
	SwapFeeBps uint32            `yaml:"swap_fee_bps"`
	Components []ComponentConfig `yaml:"components"`
	Stables    map[string]string `yaml:"stables"` // asset -> reserve price
	// InitialBasketSupply is basket supply that exists before the first mint.
	InitialBasketSupply string `yaml:"initial_basket_supply"`
}

// ComponentConfig is one basket component of the simulated market.
type ComponentConfig struct {
	YieldToken    string `yaml:"yield_token"`
	PoolToken     string `yaml:"pool_token"`
	Units         string `yaml:"units"`
	VirtualPrice  string `yaml:"virtual_price"`
	PricePerShare string `yaml:"price_per_share"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite, postgres, memory
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// ServerConfig configures the API server.
type ServerConfig struct {
	Listen          string `yaml:"listen"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
	EventBuffer     int    `yaml:"event_buffer"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, console
	File       string          `yaml:"file,omitempty"`
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "basketd",

		Engine: EngineConfig{
			Reserve:         "3CRV",
			Basket:          "HYSI",
			Cooldown:        "1500s",
			MintThreshold:   "100",
			RedeemThreshold: "10",
			SlippageBps:     50,
		},

		Vault: VaultConfig{
			Governor:            "0x000000000000000000000000000000000000dEaD",
			FeeRecipient:        "0x000000000000000000000000000000000000fEE0",
			Fees:                vault.DefaultFeeRates(),
			SlippageEstimateBps: 10,
		},

		Market: MarketConfig{
			SwapFeeBps: 4,
			Components: []ComponentConfig{
				{YieldToken: "yvCurve-DUSD", PoolToken: "crvDUSD", Units: "0.25", VirtualPrice: "1", PricePerShare: "1"},
				{YieldToken: "yvCurve-FRAX", PoolToken: "crvFRAX", Units: "0.25", VirtualPrice: "1", PricePerShare: "1"},
				{YieldToken: "yvCurve-USDN", PoolToken: "crvUSDN", Units: "0.25", VirtualPrice: "1", PricePerShare: "1"},
				{YieldToken: "yvCurve-UST", PoolToken: "crvUST", Units: "0.25", VirtualPrice: "1", PricePerShare: "1"},
			},
			Stables: map[string]string{
				"DAI":  "1",
				"USDC": "1",
				"USDT": "1",
			},
			InitialBasketSupply: "0",
		},

		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "data/basket.db",
		},

		Server: ServerConfig{
			Listen:          "127.0.0.1:8545",
			ReadTimeout:     "10s",
			WriteTimeout:    "10s",
			ShutdownTimeout: "5s",
			EventBuffer:     256,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("BASKET_DB"); path != "" {
		c.Store.Path = path
	}
	// A DSN implies the postgres driver.
	if dsn := os.Getenv("BASKET_PG_DSN"); dsn != "" {
		c.Store.DSN = dsn
		c.Store.Driver = "postgres"
	}
	if addr := os.Getenv("BASKET_LISTEN"); addr != "" {
		c.Server.Listen = addr
	}
	if level := os.Getenv("BASKET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// GetCooldown returns the batch cooldown as a duration.
func (c *Config) GetCooldown() time.Duration {
	d, err := time.ParseDuration(c.Engine.Cooldown)
	if err != nil {
		return 1500 * time.Second
	}
	return d
}

// GetReadTimeout returns the server read timeout as a duration.
func (c *Config) GetReadTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ReadTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetWriteTimeout returns the server write timeout as a duration.
func (c *Config) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.WriteTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetShutdownTimeout returns the graceful shutdown timeout as a duration.
func (c *Config) GetShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// ValidDrivers lists the supported store drivers.
var ValidDrivers = []string{"sqlite", "postgres", "memory"}

// ValidLogFormats lists the supported log encoders.
var ValidLogFormats = []string{"json", "console"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Reserve == "" || c.Engine.Basket == "" {
		return fmt.Errorf("engine.reserve and engine.basket are required")
	}
	if c.Engine.Reserve == c.Engine.Basket {
		return fmt.Errorf("engine.reserve and engine.basket must differ")
	}
	if _, err := c.BatchParams(); err != nil {
		return err
	}
	if c.Engine.SlippageBps > fixedpoint.BpsDenominator {
		return fmt.Errorf("engine.slippage_bps %d exceeds %d", c.Engine.SlippageBps, fixedpoint.BpsDenominator)
	}
	if _, err := c.VaultOptions(); err != nil {
		return err
	}
	if _, err := c.MarketOptions(); err != nil {
		return err
	}

	if !slices.Contains(ValidDrivers, c.Store.Driver) {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for sqlite")
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for postgres (or set BASKET_PG_DSN)")
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Logging.Format != "" && !slices.Contains(ValidLogFormats, c.Logging.Format) {
		return fmt.Errorf("invalid log format: %s (valid: %v)", c.Logging.Format, ValidLogFormats)
	}
	return nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// BatchParams converts the engine section.
func (c *Config) BatchParams() (batch.Params, error) {
	cooldown, err := time.ParseDuration(c.Engine.Cooldown)
	if err != nil {
		return batch.Params{}, fmt.Errorf("engine.cooldown: %w", err)
	}
	mint, err := fixedpoint.Parse(c.Engine.MintThreshold)
	if err != nil {
		return batch.Params{}, fmt.Errorf("engine.mint_threshold: %w", err)
	}
	redeem, err := fixedpoint.Parse(c.Engine.RedeemThreshold)
	if err != nil {
		return batch.Params{}, fmt.Errorf("engine.redeem_threshold: %w", err)
	}
	p := batch.Params{Cooldown: cooldown, MintThreshold: mint, RedeemThreshold: redeem}
	if err := p.Validate(); err != nil {
		return batch.Params{}, fmt.Errorf("engine: %w", err)
	}
	return p, nil
}

// VaultOptions converts the vault section. Now is left unset.
func (c *Config) VaultOptions() (vault.Config, error) {
	governor, err := parseAddress("vault.governor", c.Vault.Governor)
	if err != nil {
		return vault.Config{}, err
	}
	recipient, err := parseAddress("vault.fee_recipient", c.Vault.FeeRecipient)
	if err != nil {
		return vault.Config{}, err
	}
	if err := c.Vault.Fees.Validate(); err != nil {
		return vault.Config{}, fmt.Errorf("vault.fees: %w", err)
	}
	if c.Vault.SlippageEstimateBps > fixedpoint.BpsDenominator {
		return vault.Config{}, fmt.Errorf("vault.slippage_estimate_bps %d exceeds %d", c.Vault.SlippageEstimateBps, fixedpoint.BpsDenominator)
	}
	return vault.Config{
		Governor:            governor,
		FeeRecipient:        recipient,
		Rates:               c.Vault.Fees,
		SlippageEstimateBps: c.Vault.SlippageEstimateBps,
	}, nil
}

// GovernorAddress returns the configured governor, or the zero address if
// it does not parse.
func (c *Config) GovernorAddress() common.Address {
	a, _ := parseAddress("vault.governor", c.Vault.Governor)
	return a
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not a hex address", field, s)
	}
	return common.HexToAddress(s), nil
}

// MarketOptions converts the market section.
func (c *Config) MarketOptions() (market.Config, error) {
	if len(c.Market.Components) == 0 {
		return market.Config{}, fmt.Errorf("market.components: basket has no components")
	}
	out := market.Config{
		Reserve:    batch.Asset(c.Engine.Reserve),
		Basket:     batch.Asset(c.Engine.Basket),
		Stables:    make(map[batch.Asset]fixedpoint.Amount, len(c.Market.Stables)),
		SwapFeeBps: c.Market.SwapFeeBps,
	}
	for i, cc := range c.Market.Components {
		if cc.YieldToken == "" || cc.PoolToken == "" {
			return market.Config{}, fmt.Errorf("market.components[%d]: yield_token and pool_token are required", i)
		}
		comp := market.Component{YieldToken: batch.Asset(cc.YieldToken), PoolToken: batch.Asset(cc.PoolToken)}
		for _, f := range []struct {
			name string
			raw  string
			dst  *fixedpoint.Amount
		}{
			{"units", cc.Units, &comp.Units},
			{"virtual_price", cc.VirtualPrice, &comp.VirtualPrice},
			{"price_per_share", cc.PricePerShare, &comp.PricePerShare},
		} {
			v, err := fixedpoint.Parse(f.raw)
			if err != nil {
				return market.Config{}, fmt.Errorf("market.components[%d].%s: %w", i, f.name, err)
			}
			*f.dst = v
		}
		out.Components = append(out.Components, comp)
	}
	for asset, raw := range c.Market.Stables {
		price, err := fixedpoint.Parse(raw)
		if err != nil {
			return market.Config{}, fmt.Errorf("market.stables.%s: %w", asset, err)
		}
		out.Stables[batch.Asset(asset)] = price
	}
	if c.Market.SwapFeeBps > fixedpoint.BpsDenominator {
		return market.Config{}, fmt.Errorf("market.swap_fee_bps %d exceeds %d", c.Market.SwapFeeBps, fixedpoint.BpsDenominator)
	}
	if _, err := c.InitialBasketSupply(); err != nil {
		return market.Config{}, err
	}
	return out, nil
}

// InitialBasketSupply parses market.initial_basket_supply; empty means zero.
func (c *Config) InitialBasketSupply() (fixedpoint.Amount, error) {
	if c.Market.InitialBasketSupply == "" {
		return fixedpoint.Zero(), nil
	}
	v, err := fixedpoint.Parse(c.Market.InitialBasketSupply)
	if err != nil {
		return fixedpoint.Amount{}, fmt.Errorf("market.initial_basket_supply: %w", err)
	}
	return v, nil
}

// LoggingOptions converts the logging section.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		Categories: c.Logging.Categories,
	}
}

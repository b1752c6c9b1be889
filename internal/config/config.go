// Package config defines all configuration for the market-making keeper.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via POLY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Simulate bool           `mapstructure:"simulate"`
	Wallet   WalletConfig   `mapstructure:"wallet"`
	API      APIConfig      `mapstructure:"api"`
	Market   MarketConfig   `mapstructure:"market"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sim      SimConfig      `mapstructure:"sim"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds Polymarket API endpoints and optional pre-derived L2 credentials.
// If ApiKey/Secret/Passphrase are empty, the keeper derives them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL string `mapstructure:"clob_base_url"`
	WSMarketURL string `mapstructure:"ws_market_url"`
	ApiKey      string `mapstructure:"api_key"`
	Secret      string `mapstructure:"secret"`
	Passphrase  string `mapstructure:"passphrase"`
}

// MarketConfig pins the keeper to a single binary market.
//
//   - ConditionID: the market to quote; resolved to its two token ids on startup.
//   - Debounce: minimum gap between sync callbacks triggered by feed updates.
type MarketConfig struct {
	ConditionID string        `mapstructure:"condition_id"`
	Debounce    time.Duration `mapstructure:"debounce"`
}

// KeeperConfig tunes the reconcile/sync machinery.
//
//   - RefreshFrequency: how often the order book manager refetches orders and balances.
//   - MaxWorkers: size of the async place/cancel worker pool.
type KeeperConfig struct {
	RefreshFrequency time.Duration `mapstructure:"refresh_frequency"`
	MaxWorkers       int           `mapstructure:"max_workers"`
}

// StrategyConfig points at the bands definition file.
type StrategyConfig struct {
	ConfigPath string `mapstructure:"config_path"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SimConfig seeds the paper-trading balances used when simulate is on.
type SimConfig struct {
	Collateral float64 `mapstructure:"collateral"`
	TokenA     float64 `mapstructure:"token_a"`
	TokenB     float64 `mapstructure:"token_b"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: POLY_PRIVATE_KEY, POLY_API_KEY, POLY_API_SECRET, POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("POLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("POLY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("POLY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("POLY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("POLY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("POLY_DRY_RUN") == "true" || os.Getenv("POLY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Market.Debounce == 0 {
		c.Market.Debounce = time.Second
	}
	if c.Keeper.RefreshFrequency == 0 {
		c.Keeper.RefreshFrequency = 3 * time.Second
	}
	if c.Keeper.MaxWorkers == 0 {
		c.Keeper.MaxWorkers = 5
	}
	if c.Strategy.ConfigPath == "" {
		c.Strategy.ConfigPath = "configs/bands.json"
	}
	if c.Simulate && c.Sim.Collateral == 0 {
		c.Sim.Collateral = 1000
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.Simulate && c.Wallet.PrivateKey == "" {
		return fmt.Errorf("wallet.private_key is required (set POLY_PRIVATE_KEY)")
	}
	if !c.Simulate && c.Wallet.ChainID == 0 {
		return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	if c.Market.ConditionID == "" {
		return fmt.Errorf("market.condition_id is required")
	}
	if c.Keeper.MaxWorkers < 1 {
		return fmt.Errorf("keeper.max_workers must be >= 1")
	}
	if c.Keeper.RefreshFrequency < time.Second {
		return fmt.Errorf("keeper.refresh_frequency must be >= 1s")
	}
	return nil
}

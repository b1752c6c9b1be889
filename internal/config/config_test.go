package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testYAML = `
dry_run: true
wallet:
  private_key: "0xabc"
  signature_type: 0
  chain_id: 137
api:
  clob_base_url: "https://clob.example.com"
  ws_market_url: "wss://ws.example.com/market"
market:
  condition_id: "0xcondition"
  debounce: 2s
keeper:
  refresh_frequency: 5s
  max_workers: 3
strategy:
  config_path: "configs/bands.json"
logging:
  level: debug
  format: text
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, testYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.DryRun {
		t.Error("expected dry_run true")
	}
	if cfg.Market.ConditionID != "0xcondition" {
		t.Errorf("condition_id = %q", cfg.Market.ConditionID)
	}
	if cfg.Market.Debounce != 2*time.Second {
		t.Errorf("debounce = %v, want 2s", cfg.Market.Debounce)
	}
	if cfg.Keeper.MaxWorkers != 3 {
		t.Errorf("max_workers = %d, want 3", cfg.Keeper.MaxWorkers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
wallet:
  private_key: "0xabc"
  chain_id: 137
api:
  clob_base_url: "https://clob.example.com"
market:
  condition_id: "0xcondition"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Keeper.MaxWorkers != 5 {
		t.Errorf("default max_workers = %d, want 5", cfg.Keeper.MaxWorkers)
	}
	if cfg.Market.Debounce != time.Second {
		t.Errorf("default debounce = %v, want 1s", cfg.Market.Debounce)
	}
}

func TestValidateRejectsMissingConditionID(t *testing.T) {
	cfg := &Config{
		Wallet: WalletConfig{PrivateKey: "0xabc", ChainID: 137},
		API:    APIConfig{CLOBBaseURL: "https://clob.example.com"},
		Keeper: KeeperConfig{RefreshFrequency: 3 * time.Second, MaxWorkers: 5},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing market.condition_id")
	}
}

func TestValidateProxyRequiresFunder(t *testing.T) {
	cfg := &Config{
		Wallet: WalletConfig{PrivateKey: "0xabc", ChainID: 137, SignatureType: 1},
		API:    APIConfig{CLOBBaseURL: "https://clob.example.com"},
		Market: MarketConfig{ConditionID: "0xcondition"},
		Keeper: KeeperConfig{RefreshFrequency: 3 * time.Second, MaxWorkers: 5},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing funder_address with proxy signature")
	}
}

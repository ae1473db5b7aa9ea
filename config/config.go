package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Market configures one listed market together with its oracle entry.
type Market struct {
	Asset               string `toml:"Asset"`
	MaxIterations       uint64 `toml:"MaxIterations"`
	ReserveFeeBps       uint64 `toml:"ReserveFeeBps"`
	DustWei             string `toml:"DustWei"`
	PriceWei            string `toml:"PriceWei"`
	CollateralBps       uint64 `toml:"CollateralBps"`
	LiquidationBps      uint64 `toml:"LiquidationBps"`
	LiquidationBonusBps uint64 `toml:"LiquidationBonusBps"`
}

type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	DataDir        string   `toml:"DataDir"`
	InMemoryState  bool     `toml:"InMemoryState"`
	CloseFactorBps uint64   `toml:"CloseFactorBps"`
	Markets        []Market `toml:"Markets"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8645"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./peerlend-data"
	}
	if cfg.CloseFactorBps == 0 {
		cfg.CloseFactorBps = 5_000
	}
	for i := range cfg.Markets {
		m := &cfg.Markets[i]
		if m.MaxIterations == 0 {
			m.MaxIterations = 10
		}
		if strings.TrimSpace(m.DustWei) == "" {
			m.DustWei = "0"
		}
		if strings.TrimSpace(m.PriceWei) == "" {
			m.PriceWei = "1000000000000000000"
		}
	}
}

func validate(cfg *Config) error {
	if cfg.CloseFactorBps > 10_000 {
		return fmt.Errorf("config: CloseFactorBps %d exceeds 10000", cfg.CloseFactorBps)
	}
	seen := make(map[string]bool, len(cfg.Markets))
	for _, m := range cfg.Markets {
		asset := strings.TrimSpace(m.Asset)
		if asset == "" {
			return fmt.Errorf("config: market with empty Asset")
		}
		if seen[asset] {
			return fmt.Errorf("config: duplicate market %s", asset)
		}
		seen[asset] = true
		if m.ReserveFeeBps > 10_000 {
			return fmt.Errorf("config: market %s ReserveFeeBps %d exceeds 10000", asset, m.ReserveFeeBps)
		}
		if m.CollateralBps > 10_000 || m.LiquidationBps > 10_000 {
			return fmt.Errorf("config: market %s risk ratios exceed 10000 bps", asset)
		}
		if m.LiquidationBps < m.CollateralBps {
			return fmt.Errorf("config: market %s LiquidationBps below CollateralBps", asset)
		}
		if _, err := ParseWei(m.DustWei); err != nil {
			return fmt.Errorf("config: market %s DustWei: %w", asset, err)
		}
		if _, err := ParseWei(m.PriceWei); err != nil {
			return fmt.Errorf("config: market %s PriceWei: %w", asset, err)
		}
	}
	return nil
}

// ParseWei parses a non-negative base-10 wei amount.
func ParseWei(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wei amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("negative wei amount %q", value)
	}
	return amount, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:  ":8645",
		DataDir:        "./peerlend-data",
		CloseFactorBps: 5_000,
		Markets: []Market{
			{
				Asset:               "USDC",
				MaxIterations:       10,
				ReserveFeeBps:       1_000,
				DustWei:             "1000000000000",
				PriceWei:            "1000000000000000000",
				CollateralBps:       8_000,
				LiquidationBps:      8_500,
				LiquidationBonusBps: 500,
			},
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}

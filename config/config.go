package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the engine configuration shared by escrowd and its tooling.
type Config struct {
	Environment string   `toml:"Environment"`
	Database    Database `toml:"database"`
	Escrow      Escrow   `toml:"escrow"`
	Payout      Payout   `toml:"payout"`
	Log         Log      `toml:"log"`
}

// Load loads the configuration from the given path. A missing file is created
// with development defaults.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the development configuration: an in-memory ledger with a
// single validator slot left for the operator to fill.
func Default() *Config {
	cfg := &Config{
		Environment: "dev",
		Database:    Database{Driver: "memory"},
		Escrow:      Escrow{Validators: []string{}},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}
	if cfg.Escrow.Validators == nil {
		cfg.Escrow.Validators = []string{}
	}
	if cfg.Escrow.DefaultRequiredApprovals == 0 {
		cfg.Escrow.DefaultRequiredApprovals = 1
	}
	if cfg.Escrow.LockTimeoutMillis == 0 {
		cfg.Escrow.LockTimeoutMillis = 2000
	}
	if cfg.Payout.IntervalSeconds == 0 {
		cfg.Payout.IntervalSeconds = 5
	}
	if cfg.Payout.BatchSize <= 0 {
		cfg.Payout.BatchSize = 100
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

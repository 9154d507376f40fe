package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	validatorA = "0x0000000000000000000000000000000000000e01"
	validatorB = "0x0000000000000000000000000000000000000e02"
	validatorC = "0x0000000000000000000000000000000000000e03"
)

func TestLoadParsesEngineSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "givechain.toml")
	contents := `Environment = "staging"

[database]
Driver = "SQLite"
DSN = "file:give.db"

[escrow]
Validators = ["` + validatorA + `", "` + validatorB + `", "` + validatorC + `"]
DefaultRequiredApprovals = 2
LockTimeoutMillis = 500

[payout]
Enabled = true
IntervalSeconds = 10
RatePerSecond = 2.5
Burst = 4

[log]
Level = "debug"
File = "/var/log/escrowd.log"
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.DSN != "file:give.db" {
		t.Fatalf("unexpected database %+v", cfg.Database)
	}
	if cfg.Escrow.DefaultRequiredApprovals != 2 || cfg.LockTimeout() != 500*time.Millisecond {
		t.Fatalf("unexpected escrow %+v", cfg.Escrow)
	}
	if !cfg.Payout.Enabled || cfg.PayoutInterval() != 10*time.Second || cfg.Payout.BatchSize != 100 {
		t.Fatalf("unexpected payout %+v", cfg.Payout)
	}
	r, err := cfg.Roster()
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if r.Size() != 3 {
		t.Fatalf("expected 3 validators, got %d", r.Size())
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "givechain.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "memory" || cfg.Escrow.DefaultRequiredApprovals != 1 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default not persisted: %v", err)
	}
	if !strings.Contains(string(data), "[database]") {
		t.Fatalf("persisted file missing database table:\n%s", data)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.LockTimeout() != 2*time.Second {
		t.Fatalf("lock timeout %s", again.LockTimeout())
	}
}

func TestValidateConfig(t *testing.T) {
	base := func() *Config {
		cfg := Default()
		cfg.Escrow.Validators = []string{validatorA, validatorB, validatorC}
		cfg.Escrow.DefaultRequiredApprovals = 2
		return cfg
	}
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unanimity", func(c *Config) { c.Escrow.DefaultRequiredApprovals = 3 }, ""},
		{"required exceeds roster", func(c *Config) { c.Escrow.DefaultRequiredApprovals = 4 }, "exceeds"},
		{"zero required", func(c *Config) { c.Escrow.DefaultRequiredApprovals = 0 }, ">= 1"},
		{"bad address", func(c *Config) { c.Escrow.Validators = []string{"not-an-address"} }, "invalid validator"},
		{"duplicate validator", func(c *Config) { c.Escrow.Validators = []string{validatorA, strings.ToUpper(validatorA[2:])} }, "duplicate"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = "postgres" }, "dsn required"},
		{"leveldb without path", func(c *Config) { c.Database.Driver = "leveldb" }, "dsn required"},
		{"negative rate", func(c *Config) { c.Payout.RatePerSecond = -1 }, "rate_per_second"},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(cfg)
		err := ValidateConfig(cfg)
		if tc.wantErr == "" {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var supportedDrivers = map[string]struct{}{
	"memory":   {},
	"sqlite":   {},
	"postgres": {},
	"leveldb":  {},
}

// ValidateConfig enforces the quorum policy 1 <= R <= validators whenever a
// roster is configured, along with basic driver and payout sanity.
func ValidateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if _, ok := supportedDrivers[cfg.Database.Driver]; !ok {
		return fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}
	if cfg.Database.Driver != "memory" && strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database: dsn required for %s", cfg.Database.Driver)
	}
	seen := make(map[common.Address]struct{}, len(cfg.Escrow.Validators))
	for _, raw := range cfg.Escrow.Validators {
		trimmed := strings.TrimSpace(raw)
		if !common.IsHexAddress(trimmed) {
			return fmt.Errorf("escrow: invalid validator address %q", raw)
		}
		addr := common.HexToAddress(trimmed)
		if _, dup := seen[addr]; dup {
			return fmt.Errorf("escrow: duplicate validator %s", addr.Hex())
		}
		seen[addr] = struct{}{}
	}
	required := cfg.Escrow.DefaultRequiredApprovals
	if required < 1 {
		return fmt.Errorf("escrow: default_required_approvals must be >= 1")
	}
	if n := len(cfg.Escrow.Validators); n > 0 && int(required) > n {
		return fmt.Errorf("escrow: default_required_approvals %d exceeds %d validators", required, n)
	}
	if cfg.Payout.RatePerSecond < 0 {
		return fmt.Errorf("payout: rate_per_second must not be negative")
	}
	return nil
}

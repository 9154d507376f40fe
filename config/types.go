package config

// Database selects the ledger store backend. Driver "memory" keeps the ledger
// in process, "sqlite" and "postgres" use the gorm store and "leveldb" keeps
// an embedded database at the directory named by DSN.
type Database struct {
	Driver string `toml:"Driver"`
	DSN    string `toml:"DSN"`
}

// Escrow captures the quorum and locking policy applied by the engines.
type Escrow struct {
	Validators               []string `toml:"Validators"`
	DefaultRequiredApprovals uint32   `toml:"DefaultRequiredApprovals"`
	LockTimeoutMillis        uint32   `toml:"LockTimeoutMillis"`
}

// Payout controls the instruction dispatcher.
type Payout struct {
	Enabled         bool    `toml:"Enabled"`
	IntervalSeconds uint32  `toml:"IntervalSeconds"`
	RatePerSecond   float64 `toml:"RatePerSecond"`
	Burst           int     `toml:"Burst"`
	BatchSize       int     `toml:"BatchSize"`
}

// Log configures the structured logger.
type Log struct {
	Level      string `toml:"Level"`
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

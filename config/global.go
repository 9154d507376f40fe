package config

import (
	"time"

	"givechain/native/roster"
)

// Roster parses the configured validator set.
func (c *Config) Roster() (*roster.Static, error) {
	return roster.ParseStatic(c.Escrow.Validators)
}

// LockTimeout returns the bounded wait for per-milestone locks.
func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Escrow.LockTimeoutMillis) * time.Millisecond
}

// PayoutInterval returns the dispatcher polling interval.
func (c *Config) PayoutInterval() time.Duration {
	return time.Duration(c.Payout.IntervalSeconds) * time.Second
}

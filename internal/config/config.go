package config

import (
	"fmt"
	"time"

	"github.com/Karpatsky/TidePool/internal/store"
	"github.com/Karpatsky/TidePool/internal/vardiff"
)

// Config holds all configuration for a TidePool stratum server.
type Config struct {
	// Bitcoin RPC
	BitcoinRPCHost     string
	BitcoinRPCPort     int
	BitcoinRPCUser     string
	BitcoinRPCPassword string

	// Stratum server
	StratumPort     int
	StartDifficulty float64
	MaxSessions     int

	// Storage
	StoreBackend string
	DataDir      string

	// Worker registry
	MaxWork int

	// Housekeeping
	SweepInterval  time.Duration
	StatusInterval time.Duration

	// Logging
	LogLevel string

	Vardiff vardiff.Config
}

// DefaultConfig returns a Config with sensible defaults for Bitcoin mainnet.
func DefaultConfig() *Config {
	return &Config{
		BitcoinRPCHost:     "127.0.0.1",
		BitcoinRPCPort:     8332,
		BitcoinRPCUser:     "user",
		BitcoinRPCPassword: "pass",

		StratumPort:     3333,
		StartDifficulty: 1024,
		MaxSessions:     1000,

		StoreBackend: store.BackendBolt,
		DataDir:      ".tidepool",

		MaxWork: 65536,

		SweepInterval:  time.Minute,
		StatusInterval: 5 * time.Minute,

		LogLevel: "info",

		Vardiff: vardiff.DefaultConfig(),
	}
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.BitcoinRPCHost == "" {
		return fmt.Errorf("bitcoin rpc host is required")
	}
	if c.BitcoinRPCPort <= 0 || c.BitcoinRPCPort > 65535 {
		return fmt.Errorf("bitcoin rpc port must be 1-65535")
	}
	if c.StratumPort <= 0 || c.StratumPort > 65535 {
		return fmt.Errorf("stratum port must be 1-65535")
	}
	if c.StartDifficulty <= 0 {
		return fmt.Errorf("start difficulty must be positive")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("max sessions must be at least 1")
	}
	switch c.StoreBackend {
	case store.BackendMemory, store.BackendBolt, store.BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if c.StoreBackend != store.BackendMemory && c.DataDir == "" {
		return fmt.Errorf("data dir is required for the %s store", c.StoreBackend)
	}
	if c.MaxWork < 1 {
		return fmt.Errorf("max work must be at least 1")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if err := c.Vardiff.Validate(); err != nil {
		return fmt.Errorf("vardiff: %w", err)
	}
	return nil
}

// BitcoinRPCURL returns the full RPC URL.
func (c *Config) BitcoinRPCURL() string {
	return fmt.Sprintf("http://%s:%d", c.BitcoinRPCHost, c.BitcoinRPCPort)
}

// StratumAddr returns the stratum listen address.
func (c *Config) StratumAddr() string {
	return fmt.Sprintf(":%d", c.StratumPort)
}

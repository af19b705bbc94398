package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml"
)

// Durations in the file are given in seconds. Numeric vardiff keys are
// floats, so write 15.0 rather than 15.
type fileConfig struct {
	Node    nodeConfig    `toml:"node"`
	Server  serverConfig  `toml:"server"`
	Storage storageConfig `toml:"storage"`
	Logging loggingConfig `toml:"logging"`
	Vardiff vardiffConfig `toml:"vardiff"`
}

type nodeConfig struct {
	RPCHost     string `toml:"rpc_host"`
	RPCPort     *int   `toml:"rpc_port"`
	RPCUser     string `toml:"rpc_user"`
	RPCPassword string `toml:"rpc_password"`
}

type serverConfig struct {
	StratumPort     *int     `toml:"stratum_port"`
	StartDifficulty *float64 `toml:"start_difficulty"`
	MaxSessions     *int     `toml:"max_sessions"`
	MaxWork         *int     `toml:"max_work"`
	StatusInterval  *float64 `toml:"status_interval"`
}

type storageConfig struct {
	Backend string `toml:"backend"`
	DataDir string `toml:"data_dir"`
}

type loggingConfig struct {
	Level string `toml:"level"`
}

type vardiffConfig struct {
	TargetTime              *float64 `toml:"target_time"`
	RetargetTime            *float64 `toml:"retarget_time"`
	VariancePercent         *float64 `toml:"variance_percent"`
	MinChange               *float64 `toml:"min_change"`
	MinDifficulty           *float64 `toml:"min_difficulty"`
	MaxDifficulty           *float64 `toml:"max_difficulty"`
	DoubleStep              *bool    `toml:"double_step"`
	FloatStep               *bool    `toml:"float_step"`
	BoundByNetwork          *bool    `toml:"bound_by_network"`
	AllowExternalDifficulty *bool    `toml:"allow_external_difficulty"`
	NetworkRefresh          *float64 `toml:"network_refresh"`
	StaleWindow             *float64 `toml:"stale_window"`
	SweepInterval           *float64 `toml:"sweep_interval"`
}

// Load reads a TOML config file over the defaults. Keys absent from the file
// keep their default values. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyFileConfig(cfg, fc)
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Node.RPCHost != "" {
		cfg.BitcoinRPCHost = fc.Node.RPCHost
	}
	if fc.Node.RPCPort != nil {
		cfg.BitcoinRPCPort = *fc.Node.RPCPort
	}
	if fc.Node.RPCUser != "" {
		cfg.BitcoinRPCUser = fc.Node.RPCUser
	}
	if fc.Node.RPCPassword != "" {
		cfg.BitcoinRPCPassword = fc.Node.RPCPassword
	}

	if fc.Server.StratumPort != nil {
		cfg.StratumPort = *fc.Server.StratumPort
	}
	if fc.Server.StartDifficulty != nil {
		cfg.StartDifficulty = *fc.Server.StartDifficulty
	}
	if fc.Server.MaxSessions != nil {
		cfg.MaxSessions = *fc.Server.MaxSessions
	}
	if fc.Server.MaxWork != nil {
		cfg.MaxWork = *fc.Server.MaxWork
	}
	setSeconds(&cfg.StatusInterval, fc.Server.StatusInterval)

	if fc.Storage.Backend != "" {
		cfg.StoreBackend = fc.Storage.Backend
	}
	if fc.Storage.DataDir != "" {
		cfg.DataDir = fc.Storage.DataDir
	}

	if fc.Logging.Level != "" {
		cfg.LogLevel = fc.Logging.Level
	}

	v := fc.Vardiff
	setSeconds(&cfg.Vardiff.TargetTime, v.TargetTime)
	setSeconds(&cfg.Vardiff.RetargetTime, v.RetargetTime)
	setFloat(&cfg.Vardiff.VariancePercent, v.VariancePercent)
	setFloat(&cfg.Vardiff.MinChange, v.MinChange)
	setFloat(&cfg.Vardiff.MinDifficulty, v.MinDifficulty)
	setFloat(&cfg.Vardiff.MaxDifficulty, v.MaxDifficulty)
	setBool(&cfg.Vardiff.DoubleStep, v.DoubleStep)
	setBool(&cfg.Vardiff.FloatStep, v.FloatStep)
	setBool(&cfg.Vardiff.BoundByNetwork, v.BoundByNetwork)
	setBool(&cfg.Vardiff.AllowExternalDifficulty, v.AllowExternalDifficulty)
	setSeconds(&cfg.Vardiff.NetworkRefresh, v.NetworkRefresh)
	setSeconds(&cfg.Vardiff.StaleWindow, v.StaleWindow)
	setSeconds(&cfg.SweepInterval, v.SweepInterval)
}

func setSeconds(dst *time.Duration, src *float64) {
	if src != nil {
		*dst = time.Duration(*src * float64(time.Second))
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

package vardiff

import (
	"errors"
	"fmt"
	"time"
)

var errInvalidNetworkDifficulty = errors.New("daemon returned non-positive difficulty")

// Config holds the retargeting parameters. It is copied into the controller
// at construction and never changes afterwards.
type Config struct {
	// TargetTime is the desired time between shares.
	TargetTime time.Duration
	// RetargetTime is the minimum time between retarget evaluations.
	RetargetTime time.Duration
	// VariancePercent is the tolerance band around TargetTime, in percent.
	VariancePercent float64

	// MinChange is the smallest step used by the additive policy.
	MinChange float64
	// MinDifficulty and MaxDifficulty bound every assigned difficulty.
	MinDifficulty float64
	MaxDifficulty float64

	// DoubleStep halves or doubles difficulty instead of moving it by the
	// computed delta.
	DoubleStep bool
	// FloatStep keeps the fractional part of the computed delta.
	FloatStep bool

	// BoundByNetwork caps increases at the daemon's network difficulty.
	BoundByNetwork bool
	// NetworkRefresh is how long a fetched network difficulty stays fresh.
	NetworkRefresh time.Duration

	// AllowExternalDifficulty keeps stored worker difficulties across
	// restarts. When false they are cleared at startup.
	AllowExternalDifficulty bool

	// StaleWindow is how long a worker may go without submitting before its
	// state is rebuilt from scratch.
	StaleWindow time.Duration
}

// DefaultConfig returns the retarget parameters used when none are configured.
func DefaultConfig() Config {
	return Config{
		TargetTime:      15 * time.Second,
		RetargetTime:    120 * time.Second,
		VariancePercent: 30,
		MinChange:       1,
		MinDifficulty:   16,
		MaxDifficulty:   1 << 32,
		DoubleStep:      true,
		FloatStep:       false,
		BoundByNetwork:  false,
		NetworkRefresh:  24 * time.Hour,
		StaleWindow:     10 * time.Minute,
	}
}

// Validate checks the config for errors.
func (c Config) Validate() error {
	if c.TargetTime < time.Second {
		return fmt.Errorf("target time must be at least 1s")
	}
	if c.RetargetTime < c.TargetTime {
		return fmt.Errorf("retarget time must be at least the target time")
	}
	if c.VariancePercent < 0 || c.VariancePercent >= 100 {
		return fmt.Errorf("variance percent must be in [0, 100)")
	}
	if c.MinChange < 0 {
		return fmt.Errorf("min change must not be negative")
	}
	if c.MinDifficulty <= 0 {
		return fmt.Errorf("min difficulty must be positive")
	}
	if c.MaxDifficulty < c.MinDifficulty {
		return fmt.Errorf("max difficulty must be at least min difficulty")
	}
	if c.BoundByNetwork && c.NetworkRefresh <= 0 {
		return fmt.Errorf("network refresh interval must be positive")
	}
	if c.StaleWindow <= 0 {
		return fmt.Errorf("stale window must be positive")
	}
	return nil
}

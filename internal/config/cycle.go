package config

import (
	"fmt"
	"time"
)

// CycleConfig holds supervisor epoch limits and tick intervals.
type CycleConfig struct {
	// MaxDuration ends the cycle on the time trigger.
	MaxDuration time.Duration `env:"TIGER_CYCLE_MAX_DURATION"`

	// MaxTasks ends the cycle once this many tasks finished. -1 disables.
	MaxTasks int `env:"TIGER_CYCLE_MAX_TASKS"`

	// MaxFailureRate ends the cycle when failed/finished exceeds it, once at
	// least MinTasksForFailureCheck tasks finished.
	MaxFailureRate          float64 `env:"TIGER_CYCLE_MAX_FAILURE_RATE"`
	MinTasksForFailureCheck int     `env:"TIGER_CYCLE_MIN_TASKS_FOR_FAILURE_CHECK"`

	MonitorInterval time.Duration `env:"TIGER_CYCLE_MONITOR_INTERVAL"`
	CleanupInterval time.Duration `env:"TIGER_CYCLE_CLEANUP_INTERVAL"`
	StatsInterval   time.Duration `env:"TIGER_CYCLE_STATS_INTERVAL"`

	// NoProgressWindow flags a no-progress anomaly when tasks are pending
	// but nothing finished for this long.
	NoProgressWindow time.Duration `env:"TIGER_CYCLE_NO_PROGRESS_WINDOW"`

	// CostLimitUSD aborts dispatching when the cycle's run cost exceeds it.
	// Zero disables the check.
	CostLimitUSD float64 `env:"TIGER_CYCLE_COST_LIMIT_USD"`
}

// DefaultCycleConfig returns the documented defaults.
func DefaultCycleConfig() CycleConfig {
	return CycleConfig{
		MaxDuration:             4 * time.Hour,
		MaxTasks:                100,
		MaxFailureRate:          0.3,
		MinTasksForFailureCheck: 10,
		MonitorInterval:         30 * time.Second,
		CleanupInterval:         60 * time.Second,
		StatsInterval:           60 * time.Second,
		NoProgressWindow:        30 * time.Minute,
	}
}

// Validate checks trigger thresholds.
func (c *CycleConfig) Validate() error {
	if c.MaxDuration <= 0 {
		return fmt.Errorf("TIGER_CYCLE_MAX_DURATION must be positive, got %s", c.MaxDuration)
	}
	if c.MaxFailureRate <= 0 || c.MaxFailureRate > 1 {
		return fmt.Errorf("TIGER_CYCLE_MAX_FAILURE_RATE must be in (0,1], got %g", c.MaxFailureRate)
	}
	if c.MonitorInterval <= 0 || c.CleanupInterval <= 0 || c.StatsInterval <= 0 {
		return fmt.Errorf("cycle tick intervals must be positive")
	}
	return nil
}

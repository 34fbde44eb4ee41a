package config

import (
	"fmt"
	"time"
)

// SchedulerConfig holds lease and heartbeat timing for dispatch.
type SchedulerConfig struct {
	// HeartbeatTimeout is how long an agent may go silent before it is
	// considered dead. Agents with lastHeartbeat exactly this old are stale.
	HeartbeatTimeout time.Duration `env:"TIGER_HEARTBEAT_TIMEOUT"`

	// RunningRunGrace protects recently started runs from reclamation when
	// the owning agent's heartbeat is jittery.
	RunningRunGrace time.Duration `env:"TIGER_RUNNING_RUN_GRACE"`

	// LeaseDuration is the default lease TTL handed out on dispatch.
	LeaseDuration time.Duration `env:"TIGER_LEASE_DURATION"`

	// StuckRunGrace is added to a task's timebox before a still-running run
	// is cancelled by the cleanup sweep.
	StuckRunGrace time.Duration `env:"TIGER_STUCK_RUN_GRACE"`
}

// DefaultSchedulerConfig returns the documented defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		HeartbeatTimeout: 120 * time.Second,
		RunningRunGrace:  10 * time.Minute,
		LeaseDuration:    60 * time.Minute,
		StuckRunGrace:    5 * time.Minute,
	}
}

// Validate rejects non-positive timings.
func (c *SchedulerConfig) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("TIGER_HEARTBEAT_TIMEOUT must be positive, got %s", c.HeartbeatTimeout)
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("TIGER_LEASE_DURATION must be positive, got %s", c.LeaseDuration)
	}
	return nil
}

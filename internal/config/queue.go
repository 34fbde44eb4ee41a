package config

import (
	"fmt"
	"time"
)

// QueueConfig holds durable queue tuning.
type QueueConfig struct {
	// LockDuration is how long a claimed job stays locked without renewal.
	LockDuration time.Duration `env:"TIGER_QUEUE_LOCK_DURATION"`

	// StalledInterval is how often the stalled-job sweep runs.
	StalledInterval time.Duration `env:"TIGER_QUEUE_STALLED_INTERVAL"`

	// MaxStalledCount is how many times a job may stall before dead-letter.
	MaxStalledCount int `env:"TIGER_QUEUE_MAX_STALLED_COUNT"`

	// MaxAttempts is the envelope-level delivery attempt ceiling.
	MaxAttempts int `env:"TIGER_QUEUE_MAX_ATTEMPTS"`

	// PerAgentConcurrency caps in-flight jobs per agent queue. The default
	// of 1 preserves "one agent, one task".
	PerAgentConcurrency int `env:"TIGER_QUEUE_PER_AGENT_CONCURRENCY"`

	// PollInterval is the consumer claim polling frequency.
	PollInterval time.Duration `env:"TIGER_QUEUE_POLL_INTERVAL"`
}

// DefaultQueueConfig returns the documented defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		LockDuration:        120 * time.Second,
		StalledInterval:     30 * time.Second,
		MaxStalledCount:     1,
		MaxAttempts:         5,
		PerAgentConcurrency: 1,
		PollInterval:        time.Second,
	}
}

// Validate enforces the queue floor values.
func (c *QueueConfig) Validate() error {
	if c.LockDuration < 30*time.Second {
		return fmt.Errorf("TIGER_QUEUE_LOCK_DURATION must be at least 30s, got %s", c.LockDuration)
	}
	if c.StalledInterval < 5*time.Second {
		return fmt.Errorf("TIGER_QUEUE_STALLED_INTERVAL must be at least 5s, got %s", c.StalledInterval)
	}
	if c.PerAgentConcurrency <= 0 {
		return fmt.Errorf("TIGER_QUEUE_PER_AGENT_CONCURRENCY must be positive, got %d", c.PerAgentConcurrency)
	}
	return nil
}

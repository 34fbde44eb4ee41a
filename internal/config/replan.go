package config

import (
	"fmt"
	"time"
)

// ReplanConfig controls automatic re-planning when the queue drains.
type ReplanConfig struct {
	// AutoReplan enables the replan evaluation on monitor ticks.
	AutoReplan bool `env:"TIGER_AUTO_REPLAN"`

	// MinInterval throttles consecutive replan triggers.
	MinInterval time.Duration `env:"TIGER_REPLAN_MIN_INTERVAL"`

	// RequirementPath is the planning input document; its content hash is
	// part of the replan signature.
	RequirementPath string `env:"TIGER_REPLAN_REQUIREMENT_PATH"`

	// Command is the planner executable invoked on replan; Workdir is its
	// working directory.
	Command string `env:"TIGER_REPLAN_COMMAND"`
	Workdir string `env:"TIGER_REPLAN_WORKDIR"`

	// RepoURL and BaseBranch identify the planning target; both are part of
	// the signature and replan is skipped when either is unset.
	RepoURL    string `env:"TIGER_REPLAN_REPO_URL"`
	BaseBranch string `env:"TIGER_REPLAN_BASE_BRANCH"`

	// Timeout bounds one planner invocation.
	Timeout time.Duration `env:"TIGER_REPLAN_TIMEOUT"`
}

// DefaultReplanConfig returns the documented defaults.
func DefaultReplanConfig() ReplanConfig {
	return ReplanConfig{
		MinInterval: 5 * time.Minute,
		Timeout:     15 * time.Minute,
	}
}

// Validate checks replan settings when auto-replan is enabled.
func (c *ReplanConfig) Validate() error {
	if !c.AutoReplan {
		return nil
	}
	if c.Command == "" {
		return fmt.Errorf("TIGER_REPLAN_COMMAND is required when TIGER_AUTO_REPLAN is set")
	}
	if c.MinInterval <= 0 {
		return fmt.Errorf("TIGER_REPLAN_MIN_INTERVAL must be positive, got %s", c.MinInterval)
	}
	return nil
}

package config

import (
	"fmt"
	"time"
)

// JudgeConfig tunes the judge gateway, including the acceptance bar for
// research reports.
type JudgeConfig struct {
	// PollInterval is how often the gateway scans for tasks awaiting review.
	PollInterval time.Duration `env:"TIGER_JUDGE_POLL_INTERVAL"`

	// ReworkCooldown delays the requeue of a task sent back for rework.
	ReworkCooldown time.Duration `env:"TIGER_JUDGE_REWORK_COOLDOWN"`

	// Research acceptance thresholds.
	MinClaims              int     `env:"TIGER_JUDGE_MIN_CLAIMS"`
	MinEvidencePerClaim    float64 `env:"TIGER_JUDGE_MIN_EVIDENCE_PER_CLAIM"`
	MinDomains             int     `env:"TIGER_JUDGE_MIN_DOMAINS"`
	RequireCounterEvidence bool    `env:"TIGER_JUDGE_REQUIRE_COUNTER_EVIDENCE"`
	MinConfidence          float64 `env:"TIGER_JUDGE_MIN_CONFIDENCE"`
}

// DefaultJudgeConfig returns the documented defaults.
func DefaultJudgeConfig() JudgeConfig {
	return JudgeConfig{
		PollInterval:           15 * time.Second,
		ReworkCooldown:         time.Minute,
		MinClaims:              3,
		MinEvidencePerClaim:    2,
		MinDomains:             2,
		RequireCounterEvidence: true,
		MinConfidence:          0.6,
	}
}

// Validate checks the thresholds.
func (c *JudgeConfig) Validate() error {
	if c.PollInterval <= 0 {
		return fmt.Errorf("TIGER_JUDGE_POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.ReworkCooldown < 0 {
		return fmt.Errorf("TIGER_JUDGE_REWORK_COOLDOWN must not be negative, got %s", c.ReworkCooldown)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("TIGER_JUDGE_MIN_CONFIDENCE must be in [0,1], got %v", c.MinConfidence)
	}
	return nil
}

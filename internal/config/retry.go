package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RetryConfig holds backoff policy and retry ceilings.
type RetryConfig struct {
	BaseDelay   time.Duration `env:"TIGER_RETRY_BASE_DELAY"`
	MaxDelay    time.Duration `env:"TIGER_RETRY_MAX_DELAY"`
	Factor      float64       `env:"TIGER_RETRY_FACTOR"`
	JitterRatio float64       `env:"TIGER_RETRY_JITTER_RATIO"`

	// GlobalRetryLimit caps every category when non-negative. A negative
	// value disables the global ceiling and category limits apply verbatim.
	GlobalRetryLimit int `env:"TIGER_RETRY_GLOBAL_LIMIT"`

	// CategoryLimitOverrides is a comma list of category=limit pairs, e.g.
	// "flaky=10,policy=1". Unknown categories are rejected at load time.
	CategoryLimitOverrides []string `env:"TIGER_RETRY_CATEGORY_LIMITS"`
}

// DefaultRetryConfig returns the documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:        30 * time.Second,
		MaxDelay:         30 * time.Minute,
		Factor:           2,
		JitterRatio:      0.2,
		GlobalRetryLimit: -1,
	}
}

// CategoryLimits parses the override pairs into a map.
func (c *RetryConfig) CategoryLimits() (map[string]int, error) {
	out := make(map[string]int, len(c.CategoryLimitOverrides))
	for _, pair := range c.CategoryLimitOverrides {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid category limit %q, want category=limit", pair)
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid category limit %q: limit must be a non-negative integer", pair)
		}
		out[strings.TrimSpace(name)] = n
	}
	return out, nil
}

// Validate checks the backoff shape.
func (c *RetryConfig) Validate() error {
	if c.BaseDelay <= 0 {
		return fmt.Errorf("TIGER_RETRY_BASE_DELAY must be positive, got %s", c.BaseDelay)
	}
	if c.MaxDelay < c.BaseDelay {
		return fmt.Errorf("TIGER_RETRY_MAX_DELAY must be >= base delay, got %s", c.MaxDelay)
	}
	if c.JitterRatio < 0 || c.JitterRatio > 1 {
		return fmt.Errorf("TIGER_RETRY_JITTER_RATIO must be in [0,1], got %g", c.JitterRatio)
	}
	if _, err := c.CategoryLimits(); err != nil {
		return err
	}
	return nil
}

package config

import (
	"fmt"

	"github.com/opentiger/tiger/internal/env"
)

// Config is the full supervisor configuration. Defaults are applied first;
// TIGER_* environment variables override individual fields.
type Config struct {
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	Queue     QueueConfig
	Retry     RetryConfig
	Judge     JudgeConfig
	Worker    WorkerConfig
	Cycle     CycleConfig
	Replan    ReplanConfig
	Snapshot  SnapshotConfig

	// Observability
	OTelEnabled bool   `env:"TIGER_OTEL_ENABLED"`
	ServiceName string `env:"TIGER_SERVICE_NAME"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables it.
	MetricsAddr string `env:"TIGER_METRICS_ADDR"`
}

// Load builds the configuration from defaults and environment.
func Load() (*Config, error) {
	cfg := &Config{
		Scheduler:   DefaultSchedulerConfig(),
		Queue:       DefaultQueueConfig(),
		Retry:       DefaultRetryConfig(),
		Judge:       DefaultJudgeConfig(),
		Worker:      DefaultWorkerConfig(),
		Cycle:       DefaultCycleConfig(),
		Replan:      DefaultReplanConfig(),
		Snapshot:    DefaultSnapshotConfig(),
		OTelEnabled: false,
		ServiceName: "tiger-supervisor",
		MetricsAddr: ":9464",
	}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	checks := []func() error{
		c.Database.Validate,
		c.Scheduler.Validate,
		c.Queue.Validate,
		c.Retry.Validate,
		c.Judge.Validate,
		c.Worker.Validate,
		c.Cycle.Validate,
		c.Replan.Validate,
		c.Snapshot.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

package config

import (
	"fmt"
	"time"
)

// WorkerConfig describes the external worker process launched per dispatched
// task, and the signals command the judge gateway queries for verdicts.
type WorkerConfig struct {
	// Command is the worker executable. It receives the task, run and agent
	// identity through TIGER_TASK_* environment variables and reports the
	// run outcome as JSON on stdout.
	Command string `env:"TIGER_WORKER_COMMAND"`

	// Workdir is the worker's working directory.
	Workdir string `env:"TIGER_WORKER_WORKDIR"`

	// ResultGrace extends the task timebox before the worker process is
	// killed; the cleanup sweep uses its own grace for the run record.
	ResultGrace time.Duration `env:"TIGER_WORKER_RESULT_GRACE"`

	// SignalsCommand gathers review signals for a task awaiting judgement.
	// When unset the judge gateway is not started.
	SignalsCommand string `env:"TIGER_SIGNALS_COMMAND"`

	// SignalsTimeout bounds one signals invocation.
	SignalsTimeout time.Duration `env:"TIGER_SIGNALS_TIMEOUT"`

	// WorkerAgents, TesterAgents and DocserAgents size the daemon's agent
	// pool per role. A zero-sized role receives no dispatches.
	WorkerAgents int `env:"TIGER_WORKER_AGENTS"`
	TesterAgents int `env:"TIGER_TESTER_AGENTS"`
	DocserAgents int `env:"TIGER_DOCSER_AGENTS"`

	// HeartbeatInterval is how often the pool renews its agents' liveness.
	// Must stay well under TIGER_HEARTBEAT_TIMEOUT.
	HeartbeatInterval time.Duration `env:"TIGER_AGENT_HEARTBEAT_INTERVAL"`
}

// DefaultWorkerConfig returns the documented defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ResultGrace:       2 * time.Minute,
		SignalsTimeout:    time.Minute,
		WorkerAgents:      2,
		TesterAgents:      1,
		DocserAgents:      1,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Validate checks worker settings.
func (c *WorkerConfig) Validate() error {
	if c.ResultGrace < 0 {
		return fmt.Errorf("TIGER_WORKER_RESULT_GRACE must not be negative, got %s", c.ResultGrace)
	}
	if c.SignalsTimeout <= 0 {
		return fmt.Errorf("TIGER_SIGNALS_TIMEOUT must be positive, got %s", c.SignalsTimeout)
	}
	if c.WorkerAgents < 0 || c.TesterAgents < 0 || c.DocserAgents < 0 {
		return fmt.Errorf("agent pool sizes must not be negative, got %d/%d/%d",
			c.WorkerAgents, c.TesterAgents, c.DocserAgents)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("TIGER_AGENT_HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	return nil
}

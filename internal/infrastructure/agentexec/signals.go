package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/opentiger/tiger/internal/application/judge"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/infrastructure/subprocess"
)

// SignalSource shells out to the configured signals command. The command
// receives the task and run identity in the environment and prints a
// judge.Signals JSON document on stdout.
type SignalSource struct {
	runner subprocess.Runner
	cfg    config.WorkerConfig
}

var _ judge.SignalSource = (*SignalSource)(nil)

// NewSignalSource creates the exec-backed signal source.
func NewSignalSource(runner subprocess.Runner, cfg config.WorkerConfig) (*SignalSource, error) {
	if cfg.SignalsCommand == "" {
		return nil, fmt.Errorf("signals command is not configured")
	}
	return &SignalSource{runner: runner, cfg: cfg}, nil
}

// Signals runs the signals command for one task under review. A non-zero
// exit or malformed output is an error; the gateway leaves the task parked
// and retries on the next tick.
func (s *SignalSource) Signals(ctx context.Context, task *domain.Task, run *domain.Run) (*judge.Signals, error) {
	proc, err := s.runner.Run(ctx, subprocess.Spec{
		Command: s.cfg.SignalsCommand,
		Dir:     s.cfg.Workdir,
		Timeout: s.cfg.SignalsTimeout,
		Env: append(os.Environ(),
			"TIGER_TASK_ID="+task.ID,
			"TIGER_RUN_ID="+run.ID,
			"TIGER_TASK_KIND="+string(task.Kind),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("signals command did not start for task %s: %w", task.ID, err)
	}
	if proc.TimedOut {
		return nil, fmt.Errorf("signals command timed out for task %s", task.ID)
	}
	if proc.ExitCode != 0 {
		return nil, fmt.Errorf("signals command exited with code %d for task %s: %s",
			proc.ExitCode, task.ID, proc.Stderr)
	}

	var sig judge.Signals
	if err := json.Unmarshal([]byte(proc.Stdout), &sig); err != nil {
		return nil, fmt.Errorf("failed to decode signals for task %s: %w", task.ID, err)
	}
	return &sig, nil
}

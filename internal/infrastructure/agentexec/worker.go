// Package agentexec bridges the engine to external agent processes: a
// worker adapter that launches one process per dispatched run, and a signal
// source that shells out for review signals. Both go through the subprocess
// runner so tests can stub the process boundary.
package agentexec

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/opentiger/tiger/internal/application/dispatch"
	"github.com/opentiger/tiger/internal/application/runs"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/infrastructure/subprocess"
)

// workerReport is the JSON document the worker command prints on stdout when
// it finishes. Missing or unparseable output falls back to the exit code.
type workerReport struct {
	Status       string            `json:"status"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	ErrorMeta    *domain.ErrorMeta `json:"errorMeta,omitempty"`
	TokensUsed   int64             `json:"tokensUsed,omitempty"`
	CostUSD      float64           `json:"costUsd,omitempty"`
}

// taskBrief is the task document handed to the worker process.
type taskBrief struct {
	ID             string              `json:"id"`
	Title          string              `json:"title"`
	Goal           string              `json:"goal"`
	Kind           domain.TaskKind     `json:"kind"`
	Role           domain.AgentRole    `json:"role"`
	Lane           domain.TaskLane     `json:"lane"`
	AllowedPaths   []string            `json:"allowedPaths,omitempty"`
	Commands       []string            `json:"commands,omitempty"`
	RiskLevel      domain.RiskLevel    `json:"riskLevel"`
	TargetArea     string              `json:"targetArea,omitempty"`
	TimeboxMinutes int                 `json:"timeboxMinutes"`
	RetryCount     int                 `json:"retryCount"`
	Context        *domain.TaskContext `json:"context,omitempty"`
}

// Worker launches the configured worker command for each dispatched run and
// settles the run through the runs service when the process exits.
type Worker struct {
	runner  subprocess.Runner
	results *runs.Service
	cfg     config.WorkerConfig

	mu      sync.Mutex
	running map[string]context.CancelFunc // keyed by task id
}

var _ dispatch.WorkerAdapter = (*Worker)(nil)

// NewWorker creates the exec-backed worker adapter.
func NewWorker(runner subprocess.Runner, results *runs.Service, cfg config.WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("worker command is not configured")
	}
	return &Worker{
		runner:  runner,
		results: results,
		cfg:     cfg,
		running: make(map[string]context.CancelFunc),
	}, nil
}

// Cancel kills the worker process of the task, if one is running. Used by
// the cancellation listener; the run itself is settled by the store.
func (w *Worker) Cancel(taskID string) bool {
	w.mu.Lock()
	cancel, ok := w.running[taskID]
	w.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// StartWork launches the worker process in the background. The process gets
// the full timebox plus the result grace before it is killed; the settlement
// outlives the dispatch request.
func (w *Worker) StartWork(ctx context.Context, task *domain.Task, run *domain.Run, agent *domain.Agent) error {
	taskDoc, err := json.Marshal(taskBrief{
		ID:             task.ID,
		Title:          task.Title,
		Goal:           task.Goal,
		Kind:           task.Kind,
		Role:           task.Role,
		Lane:           task.Lane,
		AllowedPaths:   task.AllowedPaths,
		Commands:       task.Commands,
		RiskLevel:      task.RiskLevel,
		TargetArea:     task.TargetArea,
		TimeboxMinutes: task.TimeboxMinutes,
		RetryCount:     task.RetryCount,
		Context:        task.Context,
	})
	if err != nil {
		return fmt.Errorf("failed to encode task %s for worker: %w", task.ID, err)
	}

	timeout := time.Duration(task.TimeboxMinutes)*time.Minute + w.cfg.ResultGrace
	spec := subprocess.Spec{
		Command: w.cfg.Command,
		Dir:     w.cfg.Workdir,
		Timeout: timeout,
		Env: append(os.Environ(),
			"TIGER_TASK_ID="+task.ID,
			"TIGER_RUN_ID="+run.ID,
			"TIGER_AGENT_ID="+agent.ID,
			"TIGER_AGENT_ROLE="+string(agent.Role),
			"TIGER_TASK="+string(taskDoc),
		),
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.mu.Lock()
	w.running[task.ID] = cancel
	w.mu.Unlock()

	go w.supervise(procCtx, task.ID, run.ID, spec, timeout)
	return nil
}

// supervise waits for the worker process and reports its result.
func (w *Worker) supervise(ctx context.Context, taskID, runID string, spec subprocess.Spec, timeout time.Duration) {
	defer func() {
		w.mu.Lock()
		if cancel, ok := w.running[taskID]; ok {
			delete(w.running, taskID)
			cancel()
		}
		w.mu.Unlock()
	}()

	proc, err := w.runner.Run(ctx, spec)
	if ctx.Err() == context.Canceled {
		// Cancelled tasks are settled by the store; no result to report.
		slog.InfoContext(ctx, "worker process stopped by cancellation",
			"task_id", taskID, "run_id", runID)
		return
	}

	var result runs.Result
	switch {
	case err != nil:
		result = runs.Result{
			RunID:        runID,
			Status:       domain.RunFailed,
			ErrorMessage: fmt.Sprintf("worker did not start: %v", err),
		}
	case proc.TimedOut:
		result = runs.Result{
			RunID:        runID,
			Status:       domain.RunFailed,
			ErrorMessage: fmt.Sprintf("worker timed out after %s", timeout),
		}
	default:
		result = w.interpret(runID, proc)
	}

	if err := w.results.HandleResult(ctx, result); err != nil {
		slog.ErrorContext(ctx, "failed to settle worker result",
			"run_id", runID, "status", result.Status, "error", err)
	}
}

// interpret maps process output to a run result. A well-formed report on
// stdout wins; otherwise the exit code decides.
func (w *Worker) interpret(runID string, proc *subprocess.Result) runs.Result {
	var report workerReport
	if err := json.Unmarshal([]byte(proc.Stdout), &report); err == nil && report.Status != "" {
		status := domain.RunFailed
		if report.Status == string(domain.RunSuccess) {
			status = domain.RunSuccess
		}
		return runs.Result{
			RunID:        runID,
			Status:       status,
			ErrorMessage: report.ErrorMessage,
			ErrorMeta:    report.ErrorMeta,
			TokensUsed:   report.TokensUsed,
			CostUSD:      report.CostUSD,
		}
	}

	if proc.ExitCode == 0 {
		return runs.Result{RunID: runID, Status: domain.RunSuccess}
	}
	msg := proc.Stderr
	if msg == "" {
		msg = fmt.Sprintf("worker exited with code %d", proc.ExitCode)
	}
	return runs.Result{RunID: runID, Status: domain.RunFailed, ErrorMessage: msg}
}

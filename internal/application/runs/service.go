// Package runs settles finished run attempts reported by the worker adapter:
// successful runs move the task toward the judge gate or directly to done,
// failed runs are handed to the retry controller.
package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/retry"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/metrics"
)

// Repository defines the storage operations run settlement needs.
type Repository interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	GetRun(ctx context.Context, id string) (*domain.Run, error)
	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// FinishRun records the terminal run status, error fields and usage.
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, meta *domain.ErrorMeta, finishedAt time.Time) error

	// CompleteTask CASes the task from running to done.
	CompleteTask(ctx context.Context, taskID string) error

	// BlockTask CASes the task from running to blocked with the reason.
	BlockTask(ctx context.Context, taskID string, reason domain.BlockReason) error

	MarkAgentIdle(ctx context.Context, agentID string) error

	// AddCycleUsage accumulates tokens and cost onto the active cycle.
	AddCycleUsage(ctx context.Context, tokens int64, costUSD float64) error
}

// Result is the worker adapter's report for one finished run.
type Result struct {
	RunID        string
	Status       domain.RunStatus
	ErrorMessage string
	ErrorMeta    *domain.ErrorMeta
	TokensUsed   int64
	CostUSD      float64
}

// Service settles run results.
type Service struct {
	repo    Repository
	leases  *lease.Manager
	retrier *retry.Controller
	clk     clock.Clock
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Service) { s.clk = clk }
}

// NewService creates a run settlement service.
func NewService(repo Repository, leases *lease.Manager, retrier *retry.Controller, opts ...Option) *Service {
	s := &Service{repo: repo, leases: leases, retrier: retrier, clk: clock.WallClock}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleResult settles one finished run. Idempotent: a run that is already
// finished is ignored.
func (s *Service) HandleResult(ctx context.Context, res Result) error {
	run, err := s.repo.GetRun(ctx, res.RunID)
	if err != nil {
		return fmt.Errorf("failed to fetch run %s: %w", res.RunID, err)
	}
	if run.Finished() {
		slog.DebugContext(ctx, "ignoring duplicate run result", "run_id", run.ID)
		return nil
	}
	task, err := s.repo.GetTask(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("failed to fetch task %s: %w", run.TaskID, err)
	}

	now := s.clk.Now().UTC()
	metrics.RunsFinished.WithLabelValues(string(res.Status)).Inc()
	metrics.RunDuration.Observe(now.Sub(run.StartedAt).Seconds())

	if res.TokensUsed > 0 || res.CostUSD > 0 {
		if err := s.repo.AddCycleUsage(ctx, res.TokensUsed, res.CostUSD); err != nil {
			slog.ErrorContext(ctx, "failed to record cycle usage",
				"run_id", run.ID, "error", err)
		}
	}

	switch res.Status {
	case domain.RunSuccess:
		return s.settleSuccess(ctx, task, run, now)
	case domain.RunFailed:
		return s.settleFailure(ctx, run, res, now)
	case domain.RunCancelled:
		if err := s.repo.FinishRun(ctx, run.ID, domain.RunCancelled, res.ErrorMessage, nil, now); err != nil {
			return fmt.Errorf("failed to finish cancelled run %s: %w", run.ID, err)
		}
		s.releaseAgent(ctx, run)
		return nil
	default:
		return fmt.Errorf("run %s reported non-terminal status %q", run.ID, res.Status)
	}
}

// settleSuccess finishes the run and moves the task to the judge gate, or
// straight to done for roles whose output is not reviewed.
func (s *Service) settleSuccess(ctx context.Context, task *domain.Task, run *domain.Run, now time.Time) error {
	err := s.repo.Atomic(ctx, func(ctx context.Context, r Repository) error {
		if err := r.FinishRun(ctx, run.ID, domain.RunSuccess, "", nil, now); err != nil {
			return err
		}
		if reviewApplies(task) {
			return r.BlockTask(ctx, task.ID, domain.BlockAwaitingJudge)
		}
		return r.CompleteTask(ctx, task.ID)
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			slog.WarnContext(ctx, "task left running before success settled",
				"task_id", task.ID, "run_id", run.ID)
			return nil
		}
		return fmt.Errorf("failed to settle successful run %s: %w", run.ID, err)
	}
	s.releaseAgent(ctx, run)
	slog.InfoContext(ctx, "run succeeded",
		"task_id", task.ID,
		"run_id", run.ID,
		"awaiting_judge", reviewApplies(task))
	return nil
}

// settleFailure finishes the run and delegates the retry decision.
func (s *Service) settleFailure(ctx context.Context, run *domain.Run, res Result, now time.Time) error {
	if err := s.repo.FinishRun(ctx, run.ID, domain.RunFailed, res.ErrorMessage, res.ErrorMeta, now); err != nil {
		return fmt.Errorf("failed to finish failed run %s: %w", run.ID, err)
	}
	run.Status = domain.RunFailed
	run.ErrorMessage = res.ErrorMessage
	run.ErrorMeta = res.ErrorMeta
	run.FinishedAt = &now
	return s.retrier.HandleRunFailure(ctx, run)
}

// reviewApplies reports whether the task must pass the judge gate before it
// is done. Docser output ships without review.
func reviewApplies(task *domain.Task) bool {
	return task.Role != domain.RoleDocser
}

func (s *Service) releaseAgent(ctx context.Context, run *domain.Run) {
	if run.AgentID == "" {
		return
	}
	if err := s.leases.Release(ctx, run.TaskID, run.AgentID); err != nil {
		slog.ErrorContext(ctx, "failed to release lease after run",
			"task_id", run.TaskID, "agent_id", run.AgentID, "error", err)
	}
	if err := s.repo.MarkAgentIdle(ctx, run.AgentID); err != nil {
		slog.ErrorContext(ctx, "failed to re-idle agent after run",
			"agent_id", run.AgentID, "error", err)
	}
}

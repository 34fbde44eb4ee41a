// Package retry decides what happens after a failed run: classify the
// failure, check the category ceiling, and either terminate the task with an
// actionable reason or requeue it with a backoff cooldown.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/backoff"
	"github.com/opentiger/tiger/internal/classify"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/metrics"
)

// Controller applies the retry policy to failed runs.
type Controller struct {
	repo   Repository
	leases *lease.Manager
	queue  queue.Queue
	cfg    config.RetryConfig
	limits map[string]int
	clk    clock.Clock
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clk = clk }
}

// NewController creates a retry controller. Category limit overrides from the
// config are validated here.
func NewController(repo Repository, leases *lease.Manager, q queue.Queue, cfg config.RetryConfig, opts ...Option) (*Controller, error) {
	limits, err := cfg.CategoryLimits()
	if err != nil {
		return nil, fmt.Errorf("invalid retry config: %w", err)
	}
	c := &Controller{
		repo:   repo,
		leases: leases,
		queue:  q,
		cfg:    cfg,
		limits: limits,
		clk:    clock.WallClock,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// HandleRunFailure settles a failed run. The agent's lease is released and
// the agent re-idled regardless of the retry decision.
func (c *Controller) HandleRunFailure(ctx context.Context, run *domain.Run) error {
	task, err := c.repo.GetTask(ctx, run.TaskID)
	if err != nil {
		return fmt.Errorf("failed to fetch task %s: %w", run.TaskID, err)
	}

	res := classify.Classify(run.ErrorMessage, run.ErrorMeta)
	ceiling := c.ceiling(res.Category)

	defer c.releaseAgent(ctx, run)

	if !res.Retryable || task.RetryCount >= ceiling {
		return c.terminate(ctx, task, run, res, ceiling)
	}
	return c.requeue(ctx, task, run, res)
}

// ceiling resolves the retry ceiling for a category. An operator override
// replaces the built-in category limit; the global cap still applies.
func (c *Controller) ceiling(cat classify.Category) int {
	if n, ok := c.limits[string(cat)]; ok {
		if c.cfg.GlobalRetryLimit >= 0 && c.cfg.GlobalRetryLimit < n {
			return c.cfg.GlobalRetryLimit
		}
		return n
	}
	return classify.EffectiveLimit(cat, c.cfg.GlobalRetryLimit)
}

func (c *Controller) terminate(ctx context.Context, task *domain.Task, run *domain.Run, res classify.Result, ceiling int) error {
	reason := classify.ActionableReason(res.Code, run.ErrorMessage)
	if err := c.repo.FailTask(ctx, task.ID, reason); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			slog.WarnContext(ctx, "task left running before terminal failure settled",
				"task_id", task.ID)
			return nil
		}
		return fmt.Errorf("failed to terminate task %s: %w", task.ID, err)
	}
	metrics.TerminalFailures.WithLabelValues(res.Code).Inc()
	slog.InfoContext(ctx, "task failed permanently",
		"task_id", task.ID,
		"run_id", run.ID,
		"code", res.Code,
		"category", res.Category,
		"retry_count", task.RetryCount,
		"ceiling", ceiling,
		"reason", reason)
	return nil
}

func (c *Controller) requeue(ctx context.Context, task *domain.Task, run *domain.Run, res classify.Result) error {
	now := c.clk.Now().UTC()
	cooldown := backoff.Cooldown(task.ID, task.RetryCount, backoff.Config{
		BaseDelay:   c.cfg.BaseDelay,
		MaxDelay:    c.cfg.MaxDelay,
		Factor:      c.cfg.Factor,
		JitterRatio: c.cfg.JitterRatio,
	}, run.ErrorMessage, now)
	newCount := task.RetryCount + 1

	err := c.repo.Atomic(ctx, func(ctx context.Context, r Repository) error {
		if err := r.RequeueTask(ctx, task.ID, newCount); err != nil {
			return err
		}
		return r.AppendEvent(ctx, &domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventTaskRequeued,
			EntityType: domain.EntityTask,
			EntityID:   task.ID,
			Payload: domain.NewPayload(map[string]any{
				"runId":      run.ID,
				"code":       res.Code,
				"category":   res.Category,
				"retryCount": newCount,
				"cooldownMs": cooldown.Milliseconds(),
			}),
			CreatedAt: now,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			slog.WarnContext(ctx, "task left running before retry settled",
				"task_id", task.ID)
			return nil
		}
		return fmt.Errorf("failed to requeue task %s: %w", task.ID, err)
	}

	if _, err := c.queue.Enqueue(ctx, queue.SharedQueue, queue.RetryJobName(task.ID),
		queue.Envelope{TaskID: task.ID, Priority: task.Priority},
		queue.EnqueueOptions{Priority: task.Priority, Delay: cooldown}); err != nil {
		return fmt.Errorf("failed to enqueue retry of task %s: %w", task.ID, err)
	}

	metrics.RetriesScheduled.WithLabelValues(string(res.Category)).Inc()
	slog.InfoContext(ctx, "task retry scheduled",
		"task_id", task.ID,
		"run_id", run.ID,
		"code", res.Code,
		"category", res.Category,
		"retry_count", newCount,
		"cooldown", cooldown)
	return nil
}

// releaseAgent frees the lease and re-idles the agent that ran the failed
// attempt. Best effort: the cleanup tick recovers anything missed here.
func (c *Controller) releaseAgent(ctx context.Context, run *domain.Run) {
	if run.AgentID == "" {
		return
	}
	if err := c.leases.Release(ctx, run.TaskID, run.AgentID); err != nil {
		slog.ErrorContext(ctx, "failed to release lease after run failure",
			"task_id", run.TaskID, "agent_id", run.AgentID, "error", err)
	}
	if err := c.repo.MarkAgentIdle(ctx, run.AgentID); err != nil {
		slog.ErrorContext(ctx, "failed to re-idle agent after run failure",
			"agent_id", run.AgentID, "error", err)
	}
}

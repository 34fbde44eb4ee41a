// Package cycle owns the supervisor epoch: end triggers, anomaly detection,
// periodic cleanup, stats snapshots and the replan loop.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/application/runs"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/metrics"
)

// Controller drives the monitor, cleanup and stats ticks.
type Controller struct {
	repo      Repository
	leases    *lease.Manager
	queue     queue.Queue
	runs      *runs.Service
	replanner *Replanner
	archiver  Archiver
	cfg       config.CycleConfig
	sched     config.SchedulerConfig
	clk       clock.Clock

	mu        sync.Mutex
	active    map[string]Anomaly
	manualEnd string
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(c *Controller) { c.clk = clk }
}

// WithArchiver sets the stats snapshot destination.
func WithArchiver(a Archiver) Option {
	return func(c *Controller) { c.archiver = a }
}

// NewController creates a cycle controller.
func NewController(repo Repository, leases *lease.Manager, q queue.Queue, runsSvc *runs.Service, replanner *Replanner, cfg config.CycleConfig, sched config.SchedulerConfig, opts ...Option) *Controller {
	c := &Controller{
		repo:      repo,
		leases:    leases,
		queue:     q,
		runs:      runsSvc,
		replanner: replanner,
		cfg:       cfg,
		sched:     sched,
		clk:       clock.WallClock,
		active:    make(map[string]Anomaly),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run starts the three tick loops and blocks until ctx is cancelled. A cycle
// is started if none is running.
func (c *Controller) Run(ctx context.Context) error {
	if _, err := c.EnsureCycle(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		tick     func(context.Context) error
	}{
		{"monitor", c.cfg.MonitorInterval, c.MonitorTick},
		{"cleanup", c.cfg.CleanupInterval, c.CleanupTick},
		{"stats", c.cfg.StatsInterval, c.StatsTick},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.clk.After(loop.interval):
				}
				if err := loop.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
					slog.ErrorContext(ctx, "tick failed", "loop", loop.name, "error", err)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

// EnsureCycle returns the running cycle, starting one when none exists.
func (c *Controller) EnsureCycle(ctx context.Context) (*domain.Cycle, error) {
	cycle, err := c.repo.ActiveCycle(ctx)
	if err == nil {
		return cycle, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("failed to fetch active cycle: %w", err)
	}
	cycle, err = c.repo.StartCycle(ctx, uuid.NewString(), c.clk.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to start cycle: %w", err)
	}
	slog.InfoContext(ctx, "cycle started", "cycle_id", cycle.ID, "number", cycle.Number)
	return cycle, nil
}

// RequestManualEnd asks the next monitor tick to end the cycle.
func (c *Controller) RequestManualEnd(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason == "" {
		reason = "manual end requested"
	}
	c.manualEnd = reason
}

// MonitorTick evaluates end triggers, anomalies, the cost limit and the
// replan condition.
func (c *Controller) MonitorTick(ctx context.Context) error {
	cycle, err := c.repo.ActiveCycle(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			_, err = c.EnsureCycle(ctx)
			return err
		}
		return fmt.Errorf("failed to fetch active cycle: %w", err)
	}
	stats, err := c.repo.ComputeCycleStats(ctx, cycle)
	if err != nil {
		return fmt.Errorf("failed to compute cycle stats: %w", err)
	}

	anomalies, err := c.scanAnomalies(ctx, cycle, stats)
	if err != nil {
		return err
	}
	critical := c.publishAnomalies(ctx, anomalies)

	if c.cfg.CostLimitUSD > 0 && stats.TotalCostUSD > c.cfg.CostLimitUSD {
		c.recordCostOverrun(ctx, cycle, stats)
	}

	if trigger, reason, ok := c.endTrigger(cycle, stats, critical); ok {
		if err := c.endAndRestart(ctx, cycle, stats, trigger, reason); err != nil {
			return err
		}
		return nil
	}

	return c.maybeReplan(ctx)
}

// endTrigger evaluates the cycle end conditions in priority order: manual,
// critical anomaly, time, task count, failure rate.
func (c *Controller) endTrigger(cycle *domain.Cycle, stats domain.CycleStats, critical *Anomaly) (domain.TriggerType, string, bool) {
	c.mu.Lock()
	manual := c.manualEnd
	c.manualEnd = ""
	c.mu.Unlock()
	if manual != "" {
		return domain.TriggerManual, manual, true
	}
	if critical != nil {
		return domain.TriggerManual, "critical anomaly: " + critical.Detail, true
	}
	now := c.clk.Now().UTC()
	if now.Sub(cycle.StartedAt) > c.cfg.MaxDuration {
		return domain.TriggerTime, fmt.Sprintf("cycle exceeded max duration %s", c.cfg.MaxDuration), true
	}
	if c.cfg.MaxTasks >= 0 && stats.TasksFinished() >= c.cfg.MaxTasks {
		return domain.TriggerTaskCount, fmt.Sprintf("%d tasks finished", stats.TasksFinished()), true
	}
	if stats.TasksFinished() >= c.cfg.MinTasksForFailureCheck && stats.FailureRate() > c.cfg.MaxFailureRate {
		return domain.TriggerFailureRate, fmt.Sprintf("failure rate %.2f over limit %.2f", stats.FailureRate(), c.cfg.MaxFailureRate), true
	}
	return "", "", false
}

// endAndRestart ends the current cycle and starts the next one.
func (c *Controller) endAndRestart(ctx context.Context, cycle *domain.Cycle, stats domain.CycleStats, trigger domain.TriggerType, reason string) error {
	now := c.clk.Now().UTC()
	status := domain.CycleCompleted
	if trigger == domain.TriggerFailureRate || trigger == domain.TriggerManual {
		status = domain.CycleAborted
	}
	err := c.repo.Atomic(ctx, func(ctx context.Context, r Repository) error {
		if err := r.EndCycle(ctx, cycle.ID, status, trigger, reason, stats, now); err != nil {
			return err
		}
		return r.AppendEvent(ctx, &domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventCycleEndTriggered,
			EntityType: domain.EntityCycle,
			EntityID:   cycle.ID,
			Payload: domain.NewPayload(map[string]any{
				"number":  cycle.Number,
				"trigger": trigger,
				"reason":  reason,
				"stats":   stats,
			}),
			CreatedAt: now,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to end cycle %d: %w", cycle.Number, err)
	}
	metrics.CycleEnds.WithLabelValues(string(trigger)).Inc()
	slog.InfoContext(ctx, "cycle ended",
		"cycle_id", cycle.ID,
		"number", cycle.Number,
		"trigger", trigger,
		"reason", reason)

	if err := c.CleanupTick(ctx); err != nil {
		slog.ErrorContext(ctx, "post-cycle cleanup failed", "error", err)
	}
	_, err = c.EnsureCycle(ctx)
	return err
}

// publishAnomalies diffs findings against the active set, emitting detected
// and cleared events. Returns the first critical anomaly, if any.
func (c *Controller) publishAnomalies(ctx context.Context, found []Anomaly) *Anomaly {
	now := c.clk.Now().UTC()
	seen := make(map[string]bool, len(found))
	var critical *Anomaly

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range found {
		seen[a.Key()] = true
		if a.Severity == SeverityCritical && critical == nil {
			critical = &found[i]
		}
		if _, known := c.active[a.Key()]; known {
			continue
		}
		c.active[a.Key()] = a
		metrics.AnomaliesDetected.WithLabelValues(a.Kind, a.Severity).Inc()
		slog.WarnContext(ctx, "anomaly detected",
			"kind", a.Kind, "severity", a.Severity, "subject", a.Subject, "detail", a.Detail)
		c.appendAnomalyEvent(ctx, domain.EventAnomalyDetected, a, now)
	}
	for key, a := range c.active {
		if seen[key] {
			continue
		}
		delete(c.active, key)
		slog.InfoContext(ctx, "anomaly cleared", "kind", a.Kind, "subject", a.Subject)
		c.appendAnomalyEvent(ctx, domain.EventAnomalyCleared, a, now)
	}
	return critical
}

// ClearAnomalies drops the active anomaly set, emitting cleared events.
func (c *Controller) ClearAnomalies(ctx context.Context) int {
	now := c.clk.Now().UTC()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.active)
	for key, a := range c.active {
		delete(c.active, key)
		c.appendAnomalyEvent(ctx, domain.EventAnomalyCleared, a, now)
	}
	return n
}

// ActiveAnomalies returns a copy of the current anomaly set.
func (c *Controller) ActiveAnomalies() []Anomaly {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Anomaly, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, a)
	}
	return out
}

func (c *Controller) appendAnomalyEvent(ctx context.Context, eventType string, a Anomaly, now time.Time) {
	err := c.repo.AppendEvent(ctx, &domain.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityType: domain.EntityCycle,
		EntityID:   a.Key(),
		Payload:    domain.NewPayload(a),
		CreatedAt:  now,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record anomaly event",
			"type", eventType, "kind", a.Kind, "error", err)
	}
}

// recordCostOverrun emits the cost limit event. The overrun also surfaces as
// a critical cost_spike anomaly, which ends the cycle on this same tick.
func (c *Controller) recordCostOverrun(ctx context.Context, cycle *domain.Cycle, stats domain.CycleStats) {
	err := c.repo.AppendEvent(ctx, &domain.Event{
		ID:         uuid.NewString(),
		Type:       domain.EventCostLimitExceeded,
		EntityType: domain.EntityCycle,
		EntityID:   cycle.ID,
		Payload: domain.NewPayload(map[string]any{
			"costUSD":  stats.TotalCostUSD,
			"limitUSD": c.cfg.CostLimitUSD,
		}),
		CreatedAt: c.clk.Now().UTC(),
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to record cost overrun", "error", err)
	}
}

// maybeReplan triggers the replanner when nothing is queued or running.
func (c *Controller) maybeReplan(ctx context.Context) error {
	if c.replanner == nil {
		return nil
	}
	depth, err := c.queue.Depth(ctx, queue.SharedQueue)
	if err != nil {
		return fmt.Errorf("failed to read queue depth: %w", err)
	}
	if depth > 0 {
		return nil
	}
	counts, err := c.repo.CountTasksByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count tasks: %w", err)
	}
	if counts[domain.TaskQueued] > 0 || counts[domain.TaskRunning] > 0 {
		return nil
	}
	return c.replanner.Evaluate(ctx)
}

// CleanupTick reclaims dead agents' leases, resets offline agents and
// cancels runs stuck past their timebox, returning their tasks to the queue
// at the same retry count.
func (c *Controller) CleanupTick(ctx context.Context) error {
	if _, err := c.leases.ReclaimDeadAgents(ctx); err != nil {
		return err
	}

	reset, err := c.repo.ResetOfflineAgents(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset offline agents: %w", err)
	}
	if reset > 0 {
		slog.InfoContext(ctx, "offline agents reset", "count", reset)
	}

	now := c.clk.Now().UTC()
	overdue, err := c.repo.ListOverdueRuns(ctx, now, c.sched.StuckRunGrace)
	if err != nil {
		return fmt.Errorf("failed to list overdue runs: %w", err)
	}
	for _, o := range overdue {
		msg := fmt.Sprintf("run exceeded timebox of %dm", o.Task.TimeboxMinutes)
		err := c.runs.HandleResult(ctx, runs.Result{
			RunID:        o.Run.ID,
			Status:       domain.RunCancelled,
			ErrorMessage: msg,
		})
		if err != nil {
			slog.ErrorContext(ctx, "failed to cancel stuck run",
				"run_id", o.Run.ID, "task_id", o.Task.ID, "error", err)
			continue
		}
		// Supervisor-side reaping keeps the retry count untouched; only a
		// failure reported by the worker charges the retry ledger.
		if err := c.repo.RequeueTask(ctx, o.Task.ID, o.Task.RetryCount); err != nil {
			slog.ErrorContext(ctx, "failed to requeue task after stuck run",
				"task_id", o.Task.ID, "error", err)
			continue
		}
		if _, err := c.queue.Enqueue(ctx, queue.SharedQueue, queue.TaskJobName(o.Task.ID),
			queue.Envelope{TaskID: o.Task.ID, Priority: o.Task.Priority},
			queue.EnqueueOptions{Priority: o.Task.Priority}); err != nil {
			slog.ErrorContext(ctx, "failed to enqueue task after stuck run",
				"task_id", o.Task.ID, "error", err)
			continue
		}
		slog.WarnContext(ctx, "stuck run cancelled",
			"run_id", o.Run.ID, "task_id", o.Task.ID, "timebox_minutes", o.Task.TimeboxMinutes)
	}
	return nil
}

// StatsTick recomputes and persists the running cycle's stats, and archives
// a snapshot when an archiver is configured.
func (c *Controller) StatsTick(ctx context.Context) error {
	cycle, err := c.repo.ActiveCycle(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to fetch active cycle: %w", err)
	}
	stats, err := c.repo.ComputeCycleStats(ctx, cycle)
	if err != nil {
		return fmt.Errorf("failed to compute cycle stats: %w", err)
	}
	if err := c.repo.SaveCycleStats(ctx, cycle.ID, stats); err != nil {
		return fmt.Errorf("failed to save cycle stats: %w", err)
	}
	cycle.Stats = stats

	slog.InfoContext(ctx, "cycle stats",
		"cycle_id", cycle.ID,
		"number", cycle.Number,
		"completed", stats.TasksCompleted,
		"failed", stats.TasksFailed,
		"cancelled", stats.TasksCancelled,
		"runs", stats.RunsTotal,
		"tokens", stats.TotalTokens,
		"cost_usd", stats.TotalCostUSD,
		"failure_rate", stats.FailureRate())

	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, cycle, c.clk.Now().UTC()); err != nil {
			slog.ErrorContext(ctx, "failed to archive stats snapshot",
				"cycle_id", cycle.ID, "error", err)
		}
	}
	return nil
}

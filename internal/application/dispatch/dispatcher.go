// Package dispatch consumes the task queue and hands work to agents: it
// derives the task's target area, enforces area conflict avoidance, picks
// the least-recently-used healthy agent, installs the lease, and records
// the run.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/metrics"
	"github.com/opentiger/tiger/internal/patharea"
)

// Re-enqueue delay when dispatch is refused transiently (conflict, no agent,
// lost CAS). Jitter spreads concurrent losers apart.
const (
	requeueBaseDelay = 3 * time.Second
	requeueJitter    = 3 * time.Second
)

// Dispatcher implements queue.Handler for task envelopes.
type Dispatcher struct {
	repo   Repository
	leases *lease.Manager
	queue  queue.Queue
	worker WorkerAdapter
	cfg    config.SchedulerConfig
	clk    clock.Clock
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(d *Dispatcher) { d.clk = clk }
}

// New creates a dispatcher.
func New(repo Repository, leases *lease.Manager, q queue.Queue, worker WorkerAdapter, cfg config.SchedulerConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:   repo,
		leases: leases,
		queue:  q,
		worker: worker,
		cfg:    cfg,
		clk:    clock.WallClock,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle dispatches one envelope. A nil return acks the job; stale envelopes
// are dropped, transient refusals are re-enqueued as a fresh job with a
// jittered delay before acking the original.
func (d *Dispatcher) Handle(ctx context.Context, job *queue.Job) error {
	taskID := job.Envelope.TaskID

	task, err := d.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "dropping envelope for missing task", "task_id", taskID)
			metrics.DispatchRefused.WithLabelValues("stale").Inc()
			return nil
		}
		return fmt.Errorf("failed to fetch task %s: %w", taskID, err)
	}
	if task.Status != domain.TaskQueued {
		slog.DebugContext(ctx, "dropping stale envelope",
			"task_id", taskID, "status", task.Status)
		metrics.DispatchRefused.WithLabelValues("stale").Inc()
		return nil
	}
	unmet, err := d.repo.CountUnmetDependencies(ctx, task.Dependencies)
	if err != nil {
		return fmt.Errorf("failed to check dependencies of task %s: %w", taskID, err)
	}
	if unmet > 0 {
		slog.InfoContext(ctx, "dropping envelope, dependencies unresolved",
			"task_id", taskID, "unmet", unmet)
		metrics.DispatchRefused.WithLabelValues("stale").Inc()
		return nil
	}

	if err := d.ensureTargetArea(ctx, task, job.ID); err != nil {
		return err
	}

	conflict, peerID, err := d.areaConflict(ctx, task)
	if err != nil {
		return err
	}
	if conflict {
		slog.InfoContext(ctx, "dispatch refused, target area conflict",
			"task_id", taskID, "target_area", task.TargetArea, "peer_task_id", peerID)
		metrics.DispatchRefused.WithLabelValues("conflict").Inc()
		return d.requeueLater(ctx, job)
	}

	agent, err := d.selectAgent(ctx, task, job.Envelope.AgentID)
	if err != nil {
		if errors.Is(err, domain.ErrNoEligibleAgent) {
			metrics.DispatchRefused.WithLabelValues("no_agent").Inc()
			return d.requeueLater(ctx, job)
		}
		return err
	}

	if _, err := d.leases.Acquire(ctx, task.ID, agent.ID); err != nil {
		if errors.Is(err, domain.ErrLeaseHeld) {
			slog.DebugContext(ctx, "dropping envelope, lease already held",
				"task_id", taskID)
			metrics.DispatchRefused.WithLabelValues("lease_lost").Inc()
			return nil
		}
		return err
	}

	run := &domain.Run{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		AgentID:   agent.ID,
		StartedAt: d.clk.Now().UTC(),
		Status:    domain.RunRunning,
	}
	err = d.repo.Atomic(ctx, func(ctx context.Context, r Repository) error {
		if err := r.MarkAgentBusy(ctx, agent.ID, task.ID); err != nil {
			return err
		}
		if err := r.TransitionTask(ctx, task.ID, domain.TaskQueued, domain.TaskRunning); err != nil {
			return err
		}
		return r.CreateRun(ctx, run)
	})
	if err != nil {
		d.rollbackLease(ctx, task.ID, agent.ID)
		if errors.Is(err, domain.ErrStaleTransition) {
			slog.DebugContext(ctx, "dropping envelope, lost dispatch race",
				"task_id", taskID, "agent_id", agent.ID)
			metrics.DispatchRefused.WithLabelValues("lease_lost").Inc()
			return nil
		}
		slog.ErrorContext(ctx, "dispatch transaction failed",
			"task_id", taskID, "agent_id", agent.ID, "error", err)
		return d.requeueLater(ctx, job)
	}

	if err := d.worker.StartWork(ctx, task, run, agent); err != nil {
		slog.ErrorContext(ctx, "worker start failed, rolling back dispatch",
			"task_id", taskID, "run_id", run.ID, "agent_id", agent.ID, "error", err)
		d.rollbackDispatch(ctx, task, run, agent, err)
		return d.requeueLater(ctx, job)
	}

	metrics.TasksDispatched.WithLabelValues(string(task.Role)).Inc()
	slog.InfoContext(ctx, "task dispatched",
		"task_id", task.ID,
		"run_id", run.ID,
		"agent_id", agent.ID,
		"role", task.Role,
		"target_area", task.TargetArea)
	return nil
}

// ensureTargetArea derives and persists the target area when the planner
// left it empty. Derivation is deterministic, so a concurrent writer would
// have written the same value.
func (d *Dispatcher) ensureTargetArea(ctx context.Context, task *domain.Task, jobID string) error {
	if task.TargetArea != "" {
		return nil
	}
	area := patharea.Derive("", task.Touches, task.AllowedPaths,
		task.Kind == domain.KindResearch, jobID, task.ID)
	if area == "" {
		return nil
	}
	if err := d.repo.SetTaskTargetArea(ctx, task.ID, area); err != nil {
		if errors.Is(err, domain.ErrTargetAreaImmutable) {
			return nil
		}
		return fmt.Errorf("failed to persist target area of task %s: %w", task.ID, err)
	}
	task.TargetArea = area
	return nil
}

// areaConflict reports whether an active peer holds the task's target area.
// Running peers always conflict. A queued peer conflicts only when it sorts
// ahead of the incoming task, so two queued tasks cannot refuse each other
// forever. Peers the task explicitly depends on never conflict.
func (d *Dispatcher) areaConflict(ctx context.Context, task *domain.Task) (bool, string, error) {
	if task.Lane != domain.LaneFeature {
		return false, "", nil
	}
	peers, err := d.repo.ListActivePeers(ctx, task.ID)
	if err != nil {
		return false, "", fmt.Errorf("failed to list active peers: %w", err)
	}
	deps := make(map[string]bool, len(task.Dependencies))
	for _, id := range task.Dependencies {
		deps[id] = true
	}
	taskPaths := append(append([]string{}, task.Touches...), task.AllowedPaths...)

	for _, peer := range peers {
		if peer.Lane != domain.LaneFeature || deps[peer.ID] {
			continue
		}
		sameArea := task.TargetArea != "" && peer.TargetArea == task.TargetArea
		peerPaths := append(append([]string{}, peer.Touches...), peer.AllowedPaths...)
		if !sameArea && !patharea.AnyOverlap(taskPaths, peerPaths) {
			continue
		}
		if peer.Status == domain.TaskRunning || sortsAhead(peer, task) {
			return true, peer.ID, nil
		}
	}
	return false, "", nil
}

// sortsAhead is the deterministic order used to break ties between two
// queued tasks contending for the same area.
func sortsAhead(a, b *domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// selectAgent picks the least-recently-used healthy idle agent for the
// task's role. When the envelope pins an agent, only that agent qualifies.
func (d *Dispatcher) selectAgent(ctx context.Context, task *domain.Task, pinnedAgentID string) (*domain.Agent, error) {
	cutoff := d.clk.Now().UTC().Add(-d.cfg.HeartbeatTimeout)
	agents, err := d.repo.ListEligibleAgents(ctx, task.Role, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible agents: %w", err)
	}
	for _, agent := range agents {
		if pinnedAgentID != "" && agent.ID != pinnedAgentID {
			continue
		}
		return agent, nil
	}
	return nil, domain.ErrNoEligibleAgent
}

// rollbackLease releases a lease acquired for a dispatch that did not land.
func (d *Dispatcher) rollbackLease(ctx context.Context, taskID, agentID string) {
	if err := d.leases.Release(ctx, taskID, agentID); err != nil {
		slog.ErrorContext(ctx, "failed to release lease during rollback",
			"task_id", taskID, "agent_id", agentID, "error", err)
	}
}

// rollbackDispatch undoes a committed dispatch whose worker never started:
// the run is cancelled, the task returns to queued and the agent to idle.
func (d *Dispatcher) rollbackDispatch(ctx context.Context, task *domain.Task, run *domain.Run, agent *domain.Agent, cause error) {
	err := d.repo.Atomic(ctx, func(ctx context.Context, r Repository) error {
		if err := r.FinishRun(ctx, run.ID, domain.RunCancelled, cause.Error(), d.clk.Now().UTC()); err != nil {
			return err
		}
		if err := r.TransitionTask(ctx, task.ID, domain.TaskRunning, domain.TaskQueued); err != nil {
			return err
		}
		return r.MarkAgentIdle(ctx, agent.ID)
	})
	if err != nil {
		slog.ErrorContext(ctx, "dispatch rollback failed",
			"task_id", task.ID, "run_id", run.ID, "error", err)
	}
	d.rollbackLease(ctx, task.ID, agent.ID)
}

// requeueLater replaces the job with a fresh delayed copy. The consumer's
// completion of the original job then observes lost ownership, which it
// tolerates.
func (d *Dispatcher) requeueLater(ctx context.Context, job *queue.Job) error {
	delay := requeueBaseDelay + rand.N(requeueJitter)
	if _, err := d.queue.Requeue(ctx, job.ID, queue.EnqueueOptions{
		Priority: job.Envelope.Priority,
		Delay:    delay,
	}); err != nil {
		return fmt.Errorf("failed to re-enqueue job %s: %w", job.ID, err)
	}
	return nil
}

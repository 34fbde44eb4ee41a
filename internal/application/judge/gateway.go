// Package judge turns external review signals into verdicts for tasks parked
// at the judge gate, and moves them to done or back into the queue for
// rework.
package judge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
)

// Gateway reviews tasks blocked on awaiting_judge.
type Gateway struct {
	repo    Repository
	queue   queue.Queue
	signals SignalSource
	cfg     config.JudgeConfig
	clk     clock.Clock
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(g *Gateway) { g.clk = clk }
}

// NewGateway creates a judge gateway.
func NewGateway(repo Repository, q queue.Queue, signals SignalSource, cfg config.JudgeConfig, opts ...Option) *Gateway {
	g := &Gateway{repo: repo, queue: q, signals: signals, cfg: cfg, clk: clock.WallClock}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Run reviews awaiting tasks on every poll interval until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.clk.After(g.cfg.PollInterval):
		}
		if err := g.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "judge tick failed", "error", err)
		}
	}
}

// Tick reviews every task currently awaiting a verdict.
func (g *Gateway) Tick(ctx context.Context) error {
	tasks, err := g.repo.ListAwaitingJudge(ctx)
	if err != nil {
		return fmt.Errorf("failed to list tasks awaiting judge: %w", err)
	}
	for _, task := range tasks {
		if err := g.review(ctx, task); err != nil {
			slog.ErrorContext(ctx, "review failed", "task_id", task.ID, "error", err)
		}
	}
	return nil
}

// review computes and applies one verdict. Exactly one judge.review event is
// emitted per verdict, in the same transaction that applies it.
func (g *Gateway) review(ctx context.Context, task *domain.Task) error {
	run, err := g.repo.LatestUnjudgedRun(ctx, task.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.DebugContext(ctx, "no unjudged run for awaiting task", "task_id", task.ID)
			return nil
		}
		return fmt.Errorf("failed to fetch unjudged run: %w", err)
	}

	sig, err := g.signals.Signals(ctx, task, run)
	if err != nil {
		return fmt.Errorf("failed to gather review signals: %w", err)
	}
	verdict, reasons := g.decide(task, sig)
	now := g.clk.Now().UTC()

	err = g.repo.Atomic(ctx, func(ctx context.Context, r Repository) error {
		if err := r.SetRunVerdict(ctx, run.ID, verdict, now); err != nil {
			return err
		}
		switch verdict {
		case domain.VerdictApprove:
			if err := r.CompleteTask(ctx, task.ID); err != nil {
				return err
			}
		case domain.VerdictRequestChanges:
			if err := r.MarkNeedsRework(ctx, task.ID); err != nil {
				return err
			}
		}
		return r.AppendEvent(ctx, &domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventJudgeReview,
			EntityType: domain.EntityTask,
			EntityID:   task.ID,
			Payload: domain.NewPayload(map[string]any{
				"runId":       run.ID,
				"verdict":     verdict,
				"reasons":     reasons,
				"suggestions": sig.Suggestions,
			}),
			CreatedAt: now,
		})
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			slog.DebugContext(ctx, "verdict already applied by a concurrent judge",
				"task_id", task.ID, "run_id", run.ID)
			return nil
		}
		return fmt.Errorf("failed to apply verdict: %w", err)
	}

	slog.InfoContext(ctx, "verdict applied",
		"task_id", task.ID,
		"run_id", run.ID,
		"verdict", verdict,
		"reasons", reasons)

	if verdict == domain.VerdictRequestChanges {
		return g.scheduleRework(ctx, task)
	}
	return nil
}

// decide computes the verdict. Every failed check adds a reason; an empty
// reason list means approve.
func (g *Gateway) decide(task *domain.Task, sig *Signals) (domain.Verdict, []string) {
	var reasons []string
	if !sig.PolicyCompliant {
		reasons = append(reasons, "policy non-compliant")
	}
	if sig.CIPassed != nil && !*sig.CIPassed {
		reasons = append(reasons, "ci failed")
	}
	if sig.LLMApproved != nil && !*sig.LLMApproved {
		reasons = append(reasons, "reviewer requested changes")
	}
	if task.Kind == domain.KindResearch {
		reasons = append(reasons, g.researchReasons(sig.Research)...)
	}
	if len(reasons) > 0 {
		return domain.VerdictRequestChanges, reasons
	}
	return domain.VerdictApprove, nil
}

// researchReasons applies the acceptance bar for research reports.
func (g *Gateway) researchReasons(r *ResearchSignals) []string {
	if r == nil {
		return []string{"research report signals missing"}
	}
	var reasons []string
	if r.ClaimCount < g.cfg.MinClaims {
		reasons = append(reasons, fmt.Sprintf("too few claims: %d < %d", r.ClaimCount, g.cfg.MinClaims))
	}
	if r.EvidencePerClaim < g.cfg.MinEvidencePerClaim {
		reasons = append(reasons, fmt.Sprintf("insufficient evidence per claim: %.1f < %.1f", r.EvidencePerClaim, g.cfg.MinEvidencePerClaim))
	}
	if r.DomainCount < g.cfg.MinDomains {
		reasons = append(reasons, fmt.Sprintf("sources span too few domains: %d < %d", r.DomainCount, g.cfg.MinDomains))
	}
	if g.cfg.RequireCounterEvidence && !r.HasCounterEvidence {
		reasons = append(reasons, "no counter-evidence considered")
	}
	if r.Confidence < g.cfg.MinConfidence {
		reasons = append(reasons, fmt.Sprintf("confidence below floor: %.2f < %.2f", r.Confidence, g.cfg.MinConfidence))
	}
	return reasons
}

// scheduleRework returns a needs_rework task to the queue after the rework
// cooldown. The retry count increments: rework attempts consume budget.
func (g *Gateway) scheduleRework(ctx context.Context, task *domain.Task) error {
	newCount := task.RetryCount + 1
	if err := g.repo.RequeueReworkTask(ctx, task.ID, newCount); err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			return nil
		}
		return fmt.Errorf("failed to requeue rework task %s: %w", task.ID, err)
	}
	if _, err := g.queue.Enqueue(ctx, queue.SharedQueue, queue.RetryJobName(task.ID),
		queue.Envelope{TaskID: task.ID, Priority: task.Priority},
		queue.EnqueueOptions{Priority: task.Priority, Delay: g.cfg.ReworkCooldown}); err != nil {
		return fmt.Errorf("failed to enqueue rework of task %s: %w", task.ID, err)
	}
	slog.InfoContext(ctx, "rework scheduled",
		"task_id", task.ID,
		"retry_count", newCount,
		"cooldown", g.cfg.ReworkCooldown)
	return nil
}

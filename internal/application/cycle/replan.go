package cycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/mitchellh/hashstructure/v2"

	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/infrastructure/subprocess"
	"github.com/opentiger/tiger/internal/metrics"
)

// Replan skip reasons recorded in planner.replan_skipped events.
const (
	SkipNoSignature = "no_signature"
	SkipNoDiff      = "no_diff"
)

// replanSignature is the identity of one planning input. Two evaluations
// with equal signatures would produce the same plan, so the second is
// skipped.
type replanSignature struct {
	RequirementHash string
	RepoHeadSHA     string
	RepoURL         string
	BaseBranch      string
}

type replanPayload struct {
	Signature string `json:"signature"`
	ExitCode  int    `json:"exitCode,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Replanner re-runs the external planner when the queue drains. At most one
// planner runs at a time; consecutive triggers are throttled by MinInterval.
type Replanner struct {
	repo   Repository
	runner subprocess.Runner
	cfg    config.ReplanConfig
	clk    clock.Clock

	mu          sync.Mutex
	inFlight    bool
	lastAttempt time.Time
}

// NewReplanner creates a replanner.
func NewReplanner(repo Repository, runner subprocess.Runner, cfg config.ReplanConfig, clk clock.Clock) *Replanner {
	return &Replanner{repo: repo, runner: runner, cfg: cfg, clk: clk}
}

// Evaluate decides whether to spawn the planner. Called by the monitor tick
// when the queue is empty and nothing is running.
func (r *Replanner) Evaluate(ctx context.Context) error {
	if !r.cfg.AutoReplan {
		return nil
	}
	now := r.clk.Now().UTC()

	r.mu.Lock()
	if r.inFlight || now.Sub(r.lastAttempt) < r.cfg.MinInterval {
		r.mu.Unlock()
		return nil
	}
	r.lastAttempt = now
	r.mu.Unlock()

	sig, ok, err := r.signature(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return r.skip(ctx, now, "", SkipNoSignature)
	}

	last, err := r.repo.LastEventOfType(ctx, domain.EventReplanFinished)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("failed to fetch last replan event: %w", err)
	}
	if last != nil {
		var prev replanPayload
		if err := json.Unmarshal(last.Payload, &prev); err == nil &&
			prev.Signature == sig && prev.ExitCode == 0 {
			return r.skip(ctx, now, sig, SkipNoDiff)
		}
	}

	if err := r.record(ctx, domain.EventReplanTriggered, replanPayload{Signature: sig}, now); err != nil {
		return err
	}
	metrics.ReplanOutcomes.WithLabelValues("triggered").Inc()
	slog.InfoContext(ctx, "replan triggered", "signature", sig)

	r.mu.Lock()
	r.inFlight = true
	r.mu.Unlock()
	go r.runPlanner(context.WithoutCancel(ctx), sig)
	return nil
}

// runPlanner executes the planner and records the outcome.
func (r *Replanner) runPlanner(ctx context.Context, sig string) {
	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	res, err := r.runner.Run(ctx, subprocess.Spec{
		Command: r.cfg.Command,
		Dir:     r.cfg.Workdir,
		Timeout: r.cfg.Timeout,
	})
	now := r.clk.Now().UTC()
	if err != nil {
		metrics.ReplanOutcomes.WithLabelValues("failed").Inc()
		slog.ErrorContext(ctx, "planner did not start", "error", err)
		if rerr := r.record(ctx, domain.EventReplanFailed, replanPayload{Signature: sig, Reason: err.Error()}, now); rerr != nil {
			slog.ErrorContext(ctx, "failed to record replan failure", "error", rerr)
		}
		return
	}

	metrics.ReplanOutcomes.WithLabelValues("finished").Inc()
	slog.InfoContext(ctx, "replan finished",
		"signature", sig, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
	if err := r.record(ctx, domain.EventReplanFinished, replanPayload{Signature: sig, ExitCode: res.ExitCode}, now); err != nil {
		slog.ErrorContext(ctx, "failed to record replan finish", "error", err)
	}
}

// signature computes the replan signature. ok is false when the planning
// inputs are not configured or unavailable; a signatureless state never
// replans.
func (r *Replanner) signature(ctx context.Context) (string, bool, error) {
	if r.cfg.RequirementPath == "" || r.cfg.RepoURL == "" || r.cfg.BaseBranch == "" {
		return "", false, nil
	}
	content, err := os.ReadFile(r.cfg.RequirementPath)
	if err != nil {
		slog.WarnContext(ctx, "requirement document unreadable",
			"path", r.cfg.RequirementPath, "error", err)
		return "", false, nil
	}
	reqHash := sha256.Sum256(content)

	head, err := r.runner.Run(ctx, subprocess.Spec{
		Command: "git",
		Args:    []string{"rev-parse", "HEAD"},
		Dir:     r.cfg.Workdir,
		Timeout: 10 * time.Second,
	})
	if err != nil || head.ExitCode != 0 {
		slog.WarnContext(ctx, "failed to resolve repo head", "error", err)
		return "", false, nil
	}

	h, err := hashstructure.Hash(replanSignature{
		RequirementHash: hex.EncodeToString(reqHash[:]),
		RepoHeadSHA:     head.Stdout,
		RepoURL:         r.cfg.RepoURL,
		BaseBranch:      r.cfg.BaseBranch,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to hash replan signature: %w", err)
	}
	return fmt.Sprintf("%016x", h), true, nil
}

func (r *Replanner) skip(ctx context.Context, now time.Time, sig, reason string) error {
	metrics.ReplanOutcomes.WithLabelValues("skipped").Inc()
	slog.DebugContext(ctx, "replan skipped", "reason", reason, "signature", sig)
	return r.record(ctx, domain.EventReplanSkipped, replanPayload{Signature: sig, Reason: reason}, now)
}

func (r *Replanner) record(ctx context.Context, eventType string, payload replanPayload, now time.Time) error {
	err := r.repo.AppendEvent(ctx, &domain.Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		EntityType: domain.EntityCycle,
		EntityID:   "planner",
		Payload:    domain.NewPayload(payload),
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", eventType, err)
	}
	return nil
}

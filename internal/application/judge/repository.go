package judge

import (
	"context"
	"time"

	"github.com/opentiger/tiger/internal/domain"
)

// Repository defines the storage operations the judge gateway needs.
type Repository interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	// ListAwaitingJudge returns tasks in blocked/awaiting_judge order by
	// updatedAt ascending.
	ListAwaitingJudge(ctx context.Context) ([]*domain.Task, error)

	// LatestUnjudgedRun returns the task's newest successful run with
	// judgedAt unset, or domain.ErrNotFound.
	LatestUnjudgedRun(ctx context.Context, taskID string) (*domain.Run, error)

	// SetRunVerdict CASes judgedAt and the verdict onto a run whose
	// judgedAt is still unset. Returns domain.ErrStaleTransition when a
	// concurrent judge got there first.
	SetRunVerdict(ctx context.Context, runID string, verdict domain.Verdict, judgedAt time.Time) error

	// CompleteTask CASes the task from blocked/awaiting_judge to done with
	// a cleared block reason.
	CompleteTask(ctx context.Context, taskID string) error

	// MarkNeedsRework swaps the block reason from awaiting_judge to
	// needs_rework.
	MarkNeedsRework(ctx context.Context, taskID string) error

	// RequeueReworkTask CASes the task from blocked/needs_rework to queued
	// with the new retry count.
	RequeueReworkTask(ctx context.Context, taskID string, retryCount int) error

	AppendEvent(ctx context.Context, event *domain.Event) error
}

// Signals are the external review inputs a verdict is computed from. Nil
// pointer fields mean the signal is unavailable and does not vote.
type Signals struct {
	PolicyCompliant bool     `json:"policyCompliant"`
	PolicyNotes     []string `json:"policyNotes,omitempty"`

	CIPassed    *bool    `json:"ciPassed,omitempty"`
	LLMApproved *bool    `json:"llmApproved,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`

	// Research is set for research-kind tasks only.
	Research *ResearchSignals `json:"research,omitempty"`
}

// ResearchSignals describe the shape of a research report.
type ResearchSignals struct {
	ClaimCount         int     `json:"claimCount"`
	EvidencePerClaim   float64 `json:"evidencePerClaim"`
	DomainCount        int     `json:"domainCount"`
	HasCounterEvidence bool    `json:"hasCounterEvidence"`
	Confidence         float64 `json:"confidence"`
}

// SignalSource gathers review signals for one task and its run under review.
type SignalSource interface {
	Signals(ctx context.Context, task *domain.Task, run *domain.Run) (*Signals, error)
}

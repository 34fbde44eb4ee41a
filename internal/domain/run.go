package domain

import "time"

// RunStatus represents the state of one execution attempt.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Verdict is the judge decision attached to a successful run.
type Verdict string

const (
	VerdictApprove        Verdict = "approve"
	VerdictRequestChanges Verdict = "request_changes"
)

// ErrorMeta carries the structured failure shape reported by the worker
// adapter. FailureCode, when present, takes precedence over message-based
// classification.
type ErrorMeta struct {
	FailureCode      string   `json:"failureCode,omitempty"`
	FailedCommand    string   `json:"failedCommand,omitempty"`
	PolicyViolations []string `json:"policyViolations,omitempty"`
}

// Run is one execution attempt of a task by an agent. Runs are append-only:
// once FinishedAt is set, only JudgedAt and Verdict may change.
type Run struct {
	ID           string
	TaskID       string
	AgentID      string
	StartedAt    time.Time
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage string
	ErrorMeta    *ErrorMeta
	JudgedAt     *time.Time
	Verdict      *Verdict
}

// Finished reports whether the attempt reached a terminal run status.
func (r *Run) Finished() bool {
	return r.FinishedAt != nil
}

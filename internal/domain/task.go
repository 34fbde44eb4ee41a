package domain

import "time"

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskDone      TaskStatus = "done"
	TaskFailed    TaskStatus = "failed"
	TaskBlocked   TaskStatus = "blocked"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
// Blocked tasks are not terminal: they re-enter the queue after judge rework
// or leave through done/failed.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskDone, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// BlockReason tags why a blocked task is blocked.
// Non-empty iff the task status is TaskBlocked.
type BlockReason string

const (
	BlockNone          BlockReason = ""
	BlockAwaitingJudge BlockReason = "awaiting_judge"
	BlockNeedsRework   BlockReason = "needs_rework"
)

// TaskKind distinguishes code-changing work from research work.
type TaskKind string

const (
	KindCode     TaskKind = "code"
	KindResearch TaskKind = "research"
)

// AgentRole is the class of agent a task requires.
type AgentRole string

const (
	RoleWorker AgentRole = "worker"
	RoleTester AgentRole = "tester"
	RoleDocser AgentRole = "docser"
)

// TaskLane partitions tasks for conflict-avoidance purposes.
// Only the feature lane participates in target-area exclusion.
type TaskLane string

const (
	LaneFeature          TaskLane = "feature"
	LaneConflictRecovery TaskLane = "conflict_recovery"
	LaneDocser           TaskLane = "docser"
	LaneResearch         TaskLane = "research"
)

// RiskLevel is planner-assigned blast-radius estimate for a task.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Task is a unit of work handed to an agent.
//
// TargetArea is immutable once set; it partitions concurrent feature work so
// two agents never mutate overlapping regions of the repository. RetryCount
// only ever grows across the task's lifetime.
type Task struct {
	ID             string
	Title          string
	Goal           string
	Kind           TaskKind
	Role           AgentRole
	Lane           TaskLane
	Status         TaskStatus
	BlockReason    BlockReason
	AllowedPaths   []string
	Commands       []string
	Priority       int
	RiskLevel      RiskLevel
	TargetArea     string
	Touches        []string
	Dependencies   []string
	TimeboxMinutes int
	RetryCount     int
	Context        *TaskContext
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CanTransition reports whether a status transition is allowed by the task
// state machine. Administrative cancellation (any non-terminal -> cancelled)
// is allowed from every non-terminal state.
func CanTransition(from, to TaskStatus) bool {
	if from == to {
		return false
	}
	if to == TaskCancelled {
		return !from.IsTerminal()
	}
	switch from {
	case TaskQueued:
		return to == TaskRunning
	case TaskRunning:
		return to == TaskDone || to == TaskFailed || to == TaskBlocked || to == TaskQueued
	case TaskBlocked:
		return to == TaskDone || to == TaskQueued
	default:
		return false
	}
}

// Validate checks structural invariants before a task is persisted.
func (t *Task) Validate() error {
	if t.Title == "" || t.Goal == "" {
		return ErrEmptyTaskText
	}
	if t.TimeboxMinutes <= 0 {
		return ErrInvalidTimebox
	}
	if (t.BlockReason != BlockNone) != (t.Status == TaskBlocked) {
		return ErrBlockReasonMismatch
	}
	return nil
}

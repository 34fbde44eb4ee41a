package dispatch

import (
	"context"
	"time"

	"github.com/opentiger/tiger/internal/domain"
)

// Repository defines the storage operations the dispatcher needs. The CAS
// methods return domain.ErrStaleTransition when the conditional update
// matched no row, which is how concurrent dispatchers lose gracefully.
type Repository interface {
	// Atomic runs fn inside a single transaction, passing a repository
	// bound to it. A non-nil error rolls everything back.
	Atomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// SetTaskTargetArea persists a freshly derived target area. Returns
	// domain.ErrTargetAreaImmutable when the task already has one.
	SetTaskTargetArea(ctx context.Context, taskID, area string) error

	// ListActivePeers returns queued and running tasks other than taskID.
	ListActivePeers(ctx context.Context, excludeTaskID string) ([]*domain.Task, error)

	// CountUnmetDependencies reports how many of the given task ids are not
	// yet done. An empty slice reports zero.
	CountUnmetDependencies(ctx context.Context, taskIDs []string) (int, error)

	// ListEligibleAgents returns idle agents of the given role whose last
	// heartbeat is after cutoff, ordered by lastHeartbeat ascending so the
	// least-recently-used agent comes first.
	ListEligibleAgents(ctx context.Context, role domain.AgentRole, cutoff time.Time) ([]*domain.Agent, error)

	// MarkAgentBusy CASes the agent from idle to busy with currentTaskId set.
	MarkAgentBusy(ctx context.Context, agentID, taskID string) error

	// MarkAgentIdle clears currentTaskId and sets the agent idle.
	MarkAgentIdle(ctx context.Context, agentID string) error

	// TransitionTask CASes task.status from one state to another.
	TransitionTask(ctx context.Context, taskID string, from, to domain.TaskStatus) error

	CreateRun(ctx context.Context, run *domain.Run) error

	// FinishRun settles a run that never reached the worker.
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, finishedAt time.Time) error
}

// WorkerAdapter hands a dispatched task to the external worker process.
type WorkerAdapter interface {
	StartWork(ctx context.Context, task *domain.Task, run *domain.Run, agent *domain.Agent) error
}

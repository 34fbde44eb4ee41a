package retry

import (
	"context"

	"github.com/opentiger/tiger/internal/domain"
)

// Repository defines the storage operations the retry controller needs.
type Repository interface {
	// Atomic runs fn inside a single transaction, passing a repository
	// bound to it.
	Atomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// FailTask CASes the task from running to failed and records the
	// terminal reason on the task row.
	FailTask(ctx context.Context, taskID, reason string) error

	// RequeueTask CASes the task from running to queued with the new retry
	// count and a cleared block reason.
	RequeueTask(ctx context.Context, taskID string, retryCount int) error

	// MarkAgentIdle clears currentTaskId and sets the agent idle.
	MarkAgentIdle(ctx context.Context, agentID string) error

	AppendEvent(ctx context.Context, event *domain.Event) error
}

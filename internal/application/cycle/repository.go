package cycle

import (
	"context"
	"time"

	"github.com/opentiger/tiger/internal/domain"
)

// Repository defines the storage operations the cycle controller needs.
// StartCycle must serialize concurrent starters (advisory lock) so cycle
// numbers stay unique and strictly increasing.
type Repository interface {
	Atomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error

	// ActiveCycle returns the running cycle or domain.ErrNotFound.
	ActiveCycle(ctx context.Context) (*domain.Cycle, error)

	// StartCycle creates the next running cycle, numbered one past the
	// highest existing number.
	StartCycle(ctx context.Context, id string, startedAt time.Time) (*domain.Cycle, error)

	// EndCycle settles the running cycle with its final stats.
	EndCycle(ctx context.Context, cycleID string, status domain.CycleStatus, trigger domain.TriggerType, endReason string, stats domain.CycleStats, endedAt time.Time) error

	// ComputeCycleStats aggregates task and run outcomes since the cycle
	// started, on top of the usage counters accumulated on the row.
	ComputeCycleStats(ctx context.Context, cycle *domain.Cycle) (domain.CycleStats, error)

	// SaveCycleStats persists recomputed stats on the cycle row.
	SaveCycleStats(ctx context.Context, cycleID string, stats domain.CycleStats) error

	// CountTasksByStatus returns task counts keyed by status.
	CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error)

	// ListOverdueRuns returns running runs older than their task's timebox
	// plus grace, together with the owning task.
	ListOverdueRuns(ctx context.Context, now time.Time, grace time.Duration) ([]*OverdueRun, error)

	// ListDeadAgents returns non-offline agents whose last heartbeat is
	// strictly before cutoff.
	ListDeadAgents(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error)

	// ResetOfflineAgents clears currentTaskId on offline agents. Returns
	// the number touched.
	ResetOfflineAgents(ctx context.Context) (int, error)

	// RequeueTask CASes the task from running to queued with the given
	// retry count.
	RequeueTask(ctx context.Context, taskID string, retryCount int) error

	// LastProgressAt returns when a task last reached a terminal state, or
	// nil if none ever has.
	LastProgressAt(ctx context.Context) (*time.Time, error)

	// LastEventOfType returns the newest event of the type, or
	// domain.ErrNotFound.
	LastEventOfType(ctx context.Context, eventType string) (*domain.Event, error)

	AppendEvent(ctx context.Context, event *domain.Event) error
}

// OverdueRun pairs a stuck run with its task.
type OverdueRun struct {
	Run  *domain.Run
	Task *domain.Task
}

// Archiver persists a cycle stats snapshot outside the database.
type Archiver interface {
	Archive(ctx context.Context, cycle *domain.Cycle, at time.Time) error
}

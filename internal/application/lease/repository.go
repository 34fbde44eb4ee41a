package lease

import (
	"context"
	"time"

	"github.com/opentiger/tiger/internal/domain"
)

// Repository defines the storage operations the lease manager needs.
// All methods are safe for concurrent use; Acquire and ReclaimAgentLeases
// are atomic.
type Repository interface {
	// AcquireLease creates the exclusive lease for taskID. Returns
	// domain.ErrLeaseHeld when a non-expired lease exists; an expired lease
	// row is replaced.
	AcquireLease(ctx context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error)

	// ReleaseLease deletes the lease for taskID when owned by agentID.
	ReleaseLease(ctx context.Context, taskID, agentID string) error

	// RecordHeartbeat upserts the agent row and stamps lastHeartbeat=now.
	// A new or offline agent comes back as idle; a busy agent stays busy,
	// heartbeats never regress busy to idle.
	RecordHeartbeat(ctx context.Context, agentID string, role domain.AgentRole, now time.Time) error

	// ListDeadAgents returns non-offline agents whose lastHeartbeat is
	// strictly before cutoff (or who never heartbeated).
	ListDeadAgents(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error)

	// AgentHasRunningRunSince reports whether the agent owns a running run
	// started at or after the given time.
	AgentHasRunningRunSince(ctx context.Context, agentID string, since time.Time) (bool, error)

	// ReclaimAgentLeases atomically returns every leased task of the agent
	// from running to queued (retry count untouched, block reason cleared),
	// deletes the agent's leases, and marks the agent offline. Returns the
	// number of tasks requeued.
	ReclaimAgentLeases(ctx context.Context, agentID string) (int, error)
}

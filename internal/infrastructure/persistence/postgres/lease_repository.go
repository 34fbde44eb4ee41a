package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentiger/tiger/internal/domain"
)

// AcquireLease creates the exclusive lease for the task. The unique index on
// task_id makes the claim race-safe; an expired lease row is replaced in the
// same statement.
func (s *Store) AcquireLease(ctx context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error) {
	row := s.db.QueryRow(ctx, `
		INSERT INTO leases (id, task_id, agent_id, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET
			id = EXCLUDED.id,
			agent_id = EXCLUDED.agent_id,
			expires_at = EXCLUDED.expires_at,
			created_at = now()
		WHERE leases.expires_at <= now()
		RETURNING id, task_id, agent_id, expires_at, created_at`,
		newID(), taskID, agentID, expiresAt.UTC())

	var l domain.Lease
	err := row.Scan(&l.ID, &l.TaskID, &l.AgentID, &l.ExpiresAt, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrLeaseHeld
		}
		return nil, fmt.Errorf("failed to acquire lease on task %s: %w", taskID, err)
	}
	return &l, nil
}

// ReleaseLease deletes the lease for the task when owned by the agent.
// Releasing a lease that is already gone is not an error.
func (s *Store) ReleaseLease(ctx context.Context, taskID, agentID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM leases WHERE task_id = $1 AND agent_id = $2`,
		taskID, agentID)
	if err != nil {
		return fmt.Errorf("failed to release lease on task %s: %w", taskID, err)
	}
	return nil
}

// ReclaimAgentLeases atomically requeues every leased running task of the
// agent, drops the agent's leases, and marks the agent offline.
func (s *Store) ReclaimAgentLeases(ctx context.Context, agentID string) (int, error) {
	var requeued int
	err := s.executeInTransaction(ctx, "reclaim_agent_leases", func(txStore *Store) error {
		tag, err := txStore.db.Exec(ctx, `
			UPDATE tasks SET status = 'queued', block_reason = '', updated_at = now()
			WHERE status = 'running'
				AND id IN (SELECT task_id FROM leases WHERE agent_id = $1)`,
			agentID)
		if err != nil {
			return fmt.Errorf("failed to requeue leased tasks: %w", err)
		}
		requeued = int(tag.RowsAffected())

		if _, err := txStore.db.Exec(ctx,
			`DELETE FROM leases WHERE agent_id = $1`, agentID); err != nil {
			return fmt.Errorf("failed to drop agent leases: %w", err)
		}

		if _, err := txStore.db.Exec(ctx, `
			UPDATE agents SET status = 'offline', current_task_id = ''
			WHERE id = $1`, agentID); err != nil {
			return fmt.Errorf("failed to mark agent offline: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim leases of agent %s: %w", agentID, err)
	}
	return requeued, nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentiger/tiger/internal/domain"
)

const agentColumns = `id, role, status, current_task_id, last_heartbeat, metadata`

func scanAgent(row pgx.Row) (*domain.Agent, error) {
	var a domain.Agent
	err := row.Scan(&a.ID, &a.Role, &a.Status, &a.CurrentTaskID,
		&a.LastHeartbeat, &a.Metadata)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func scanAgents(rows pgx.Rows) ([]*domain.Agent, error) {
	defer rows.Close()
	var agents []*domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// RecordHeartbeat upserts the agent row and stamps lastHeartbeat. A new or
// offline agent comes back as idle; a busy agent stays busy.
func (s *Store) RecordHeartbeat(ctx context.Context, agentID string, role domain.AgentRole, now time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, role, status, last_heartbeat)
		VALUES ($1, $2, 'idle', $3)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			last_heartbeat = EXCLUDED.last_heartbeat,
			status = CASE WHEN agents.status = 'busy' THEN 'busy' ELSE 'idle' END`,
		agentID, role, now.UTC())
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for agent %s: %w", agentID, err)
	}
	return nil
}

// ListDeadAgents returns non-offline agents whose last heartbeat is strictly
// before cutoff, or who never heartbeated.
func (s *Store) ListDeadAgents(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE status <> 'offline'
			AND (last_heartbeat IS NULL OR last_heartbeat < $1)`,
		cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list dead agents: %w", err)
	}
	return scanAgents(rows)
}

// ListEligibleAgents returns idle agents of the role with a heartbeat after
// cutoff, least recently used first.
func (s *Store) ListEligibleAgents(ctx context.Context, role domain.AgentRole, cutoff time.Time) ([]*domain.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE role = $1 AND status = 'idle' AND last_heartbeat > $2
		ORDER BY last_heartbeat ASC`,
		role, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible agents: %w", err)
	}
	return scanAgents(rows)
}

// MarkAgentBusy CASes the agent from idle to busy with the current task set.
func (s *Store) MarkAgentBusy(ctx context.Context, agentID, taskID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET status = 'busy', current_task_id = $2
		WHERE id = $1 AND status = 'idle'`,
		agentID, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark agent %s busy: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// MarkAgentIdle clears the current task and sets the agent idle. Offline
// agents stay offline until their next heartbeat.
func (s *Store) MarkAgentIdle(ctx context.Context, agentID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE agents SET status = 'idle', current_task_id = ''
		WHERE id = $1 AND status = 'busy'`,
		agentID)
	if err != nil {
		return fmt.Errorf("failed to mark agent %s idle: %w", agentID, err)
	}
	return nil
}

// ResetOfflineAgents clears stale current task pointers on offline agents.
func (s *Store) ResetOfflineAgents(ctx context.Context) (int, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE agents SET current_task_id = ''
		WHERE status = 'offline' AND current_task_id <> ''`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset offline agents: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AgentHasRunningRunSince reports whether the agent owns a running run
// started at or after the given time.
func (s *Store) AgentHasRunningRunSince(ctx context.Context, agentID string, since time.Time) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM runs
			WHERE agent_id = $1 AND status = 'running' AND started_at >= $2
		)`,
		agentID, since.UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check running runs for agent %s: %w", agentID, err)
	}
	return exists, nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentiger/tiger/internal/domain"
)

const taskColumns = `id, title, goal, kind, role, lane, status, block_reason,
	allowed_paths, commands, priority, risk_level, target_area, touches,
	dependencies, timebox_minutes, retry_count, context, created_at, updated_at`

// scanTask reads one task row in taskColumns order.
func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	err := row.Scan(
		&t.ID, &t.Title, &t.Goal, &t.Kind, &t.Role, &t.Lane, &t.Status,
		&t.BlockReason, &t.AllowedPaths, &t.Commands, &t.Priority,
		&t.RiskLevel, &t.TargetArea, &t.Touches, &t.Dependencies,
		&t.TimeboxMinutes, &t.RetryCount, &t.Context, &t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanTasks(rows pgx.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CreateTask inserts a validated task in queued state.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, title, goal, kind, role, lane, status,
			block_reason, allowed_paths, commands, priority, risk_level,
			target_area, touches, dependencies, timebox_minutes, retry_count,
			context, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $19)`,
		task.ID, task.Title, task.Goal, task.Kind, task.Role, task.Lane,
		task.Status, task.BlockReason, task.AllowedPaths, task.Commands,
		task.Priority, task.RiskLevel, task.TargetArea, task.Touches,
		task.Dependencies, task.TimeboxMinutes, task.RetryCount, task.Context,
		task.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at ASC`,
		status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return scanTasks(rows)
}

// SetTaskTargetArea persists a freshly derived target area. The area column
// is write-once: a second write is rejected with ErrTargetAreaImmutable.
func (s *Store) SetTaskTargetArea(ctx context.Context, taskID, area string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET target_area = $2, updated_at = now()
		WHERE id = $1 AND target_area = ''`,
		taskID, area)
	if err != nil {
		return fmt.Errorf("failed to set target area on task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		var existing string
		err := s.db.QueryRow(ctx,
			`SELECT target_area FROM tasks WHERE id = $1`, taskID).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check target area on task %s: %w", taskID, err)
		}
		return domain.ErrTargetAreaImmutable
	}
	return nil
}

// ListActivePeers returns queued and running tasks other than excludeTaskID.
func (s *Store) ListActivePeers(ctx context.Context, excludeTaskID string) ([]*domain.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('queued', 'running') AND id <> $1`,
		excludeTaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active peers: %w", err)
	}
	return scanTasks(rows)
}

// CountUnmetDependencies reports how many of the given task ids are not done.
// Missing ids count as unmet.
func (s *Store) CountUnmetDependencies(ctx context.Context, taskIDs []string) (int, error) {
	if len(taskIDs) == 0 {
		return 0, nil
	}
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM unnest($1::text[]) AS dep(id)
		WHERE NOT EXISTS (
			SELECT 1 FROM tasks t WHERE t.id = dep.id AND t.status = 'done'
		)`,
		taskIDs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unmet dependencies: %w", err)
	}
	return count, nil
}

// TransitionTask CASes task.status from one state to another. Leaving the
// blocked state clears the block reason.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from, to domain.TaskStatus) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	reason := ""
	if to != domain.TaskBlocked {
		tag, err := s.db.Exec(ctx, `
			UPDATE tasks SET status = $3, block_reason = $4, updated_at = now()
			WHERE id = $1 AND status = $2`,
			taskID, from, to, reason)
		if err != nil {
			return fmt.Errorf("failed to transition task %s: %w", taskID, err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrStaleTransition
		}
		return nil
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`,
		taskID, from, to)
	if err != nil {
		return fmt.Errorf("failed to transition task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// FailTask CASes the task from running to failed and records the terminal
// reason on the row.
func (s *Store) FailTask(ctx context.Context, taskID, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'failed', block_reason = '',
			failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		taskID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// RequeueTask CASes the task from running to queued with the new retry count.
func (s *Store) RequeueTask(ctx context.Context, taskID string, retryCount int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'queued', block_reason = '',
			retry_count = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		taskID, retryCount)
	if err != nil {
		return fmt.Errorf("failed to requeue task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// BlockTask CASes the task from running to blocked with the reason.
func (s *Store) BlockTask(ctx context.Context, taskID string, reason domain.BlockReason) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'blocked', block_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'running'`,
		taskID, reason)
	if err != nil {
		return fmt.Errorf("failed to block task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// completeTaskFrom CASes a task to done from the given state and block
// reason, clearing the reason.
func (s *Store) completeTaskFrom(ctx context.Context, taskID string, from domain.TaskStatus, reason domain.BlockReason) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'done', block_reason = '', updated_at = now()
		WHERE id = $1 AND status = $2 AND block_reason = $3`,
		taskID, from, reason)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// ListAwaitingJudge returns tasks parked at the judge gate, oldest first.
func (s *Store) ListAwaitingJudge(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'blocked' AND block_reason = 'awaiting_judge'
		ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks awaiting judge: %w", err)
	}
	return scanTasks(rows)
}

// MarkNeedsRework swaps the block reason from awaiting_judge to needs_rework.
func (s *Store) MarkNeedsRework(ctx context.Context, taskID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET block_reason = 'needs_rework', updated_at = now()
		WHERE id = $1 AND status = 'blocked' AND block_reason = 'awaiting_judge'`,
		taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task %s for rework: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// RequeueReworkTask CASes the task from blocked/needs_rework back to queued
// with the new retry count.
func (s *Store) RequeueReworkTask(ctx context.Context, taskID string, retryCount int) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE tasks SET status = 'queued', block_reason = '',
			retry_count = $2, updated_at = now()
		WHERE id = $1 AND status = 'blocked' AND block_reason = 'needs_rework'`,
		taskID, retryCount)
	if err != nil {
		return fmt.Errorf("failed to requeue rework task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// CountTasksByStatus returns task counts keyed by status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status domain.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// LastProgressAt returns when a task last reached a terminal state.
func (s *Store) LastProgressAt(ctx context.Context) (*time.Time, error) {
	var at *time.Time
	err := s.db.QueryRow(ctx, `
		SELECT max(updated_at) FROM tasks
		WHERE status IN ('done', 'failed', 'cancelled')`).Scan(&at)
	if err != nil {
		return nil, fmt.Errorf("failed to query last progress: %w", err)
	}
	return at, nil
}

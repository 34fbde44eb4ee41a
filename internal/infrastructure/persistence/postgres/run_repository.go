package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentiger/tiger/internal/application/cycle"
	"github.com/opentiger/tiger/internal/domain"
)

const runColumns = `id, task_id, agent_id, started_at, finished_at, status,
	error_message, error_meta, judged_at, verdict`

func scanRun(row pgx.Row) (*domain.Run, error) {
	var r domain.Run
	err := row.Scan(&r.ID, &r.TaskID, &r.AgentID, &r.StartedAt, &r.FinishedAt,
		&r.Status, &r.ErrorMessage, &r.ErrorMeta, &r.JudgedAt, &r.Verdict)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRun inserts a new running attempt.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO runs (id, task_id, agent_id, started_at, status)
		VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.TaskID, run.AgentID, run.StartedAt.UTC(), run.Status)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return run, nil
}

// finishRun settles a run that is still unfinished. A run that is already
// terminal reports ErrStaleTransition; runs are append-only after that.
func (s *Store) finishRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, meta *domain.ErrorMeta, finishedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE runs SET status = $2, error_message = $3, error_meta = $4,
			finished_at = $5
		WHERE id = $1 AND finished_at IS NULL`,
		runID, status, errorMessage, meta, finishedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// LatestUnjudgedRun returns the task's newest successful run that has not
// been judged yet.
func (s *Store) LatestUnjudgedRun(ctx context.Context, taskID string) (*domain.Run, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE task_id = $1 AND status = 'success' AND judged_at IS NULL
		ORDER BY started_at DESC LIMIT 1`,
		taskID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get unjudged run for task %s: %w", taskID, err)
	}
	return run, nil
}

// SetRunVerdict CASes the verdict onto a run whose judgedAt is still unset.
func (s *Store) SetRunVerdict(ctx context.Context, runID string, verdict domain.Verdict, judgedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE runs SET verdict = $2, judged_at = $3
		WHERE id = $1 AND judged_at IS NULL`,
		runID, verdict, judgedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to set verdict on run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// ListOverdueRuns returns running runs older than their task's timebox plus
// grace, with the owning task.
func (s *Store) ListOverdueRuns(ctx context.Context, now time.Time, grace time.Duration) ([]*cycle.OverdueRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT r.id, r.task_id, r.agent_id, r.started_at, r.finished_at,
			r.status, r.error_message, r.error_meta, r.judged_at, r.verdict,
			`+prefixedTaskColumns("t")+`
		FROM runs r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.status = 'running'
			AND r.started_at + make_interval(mins => t.timebox_minutes, secs => $2) < $1`,
		now.UTC(), grace.Seconds())
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue runs: %w", err)
	}
	defer rows.Close()

	var overdue []*cycle.OverdueRun
	for rows.Next() {
		var r domain.Run
		var t domain.Task
		err := rows.Scan(
			&r.ID, &r.TaskID, &r.AgentID, &r.StartedAt, &r.FinishedAt,
			&r.Status, &r.ErrorMessage, &r.ErrorMeta, &r.JudgedAt, &r.Verdict,
			&t.ID, &t.Title, &t.Goal, &t.Kind, &t.Role, &t.Lane, &t.Status,
			&t.BlockReason, &t.AllowedPaths, &t.Commands, &t.Priority,
			&t.RiskLevel, &t.TargetArea, &t.Touches, &t.Dependencies,
			&t.TimeboxMinutes, &t.RetryCount, &t.Context, &t.CreatedAt,
			&t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overdue run: %w", err)
		}
		overdue = append(overdue, &cycle.OverdueRun{Run: &r, Task: &t})
	}
	return overdue, rows.Err()
}

// prefixedTaskColumns qualifies every task column with a table alias for
// joined queries.
func prefixedTaskColumns(alias string) string {
	return alias + `.id, ` + alias + `.title, ` + alias + `.goal, ` +
		alias + `.kind, ` + alias + `.role, ` + alias + `.lane, ` +
		alias + `.status, ` + alias + `.block_reason, ` + alias + `.allowed_paths, ` +
		alias + `.commands, ` + alias + `.priority, ` + alias + `.risk_level, ` +
		alias + `.target_area, ` + alias + `.touches, ` + alias + `.dependencies, ` +
		alias + `.timebox_minutes, ` + alias + `.retry_count, ` + alias + `.context, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentiger/tiger/internal/domain"
)

// cycleStartLockKey is the advisory lock serializing cycle creation so
// numbers stay unique and strictly increasing.
const cycleStartLockKey = 0x7419

const cycleColumns = `id, number, status, started_at, ended_at, trigger_type,
	end_reason, stats, total_tokens, total_cost_usd`

func scanCycle(row pgx.Row) (*domain.Cycle, error) {
	var c domain.Cycle
	err := row.Scan(&c.ID, &c.Number, &c.Status, &c.StartedAt, &c.EndedAt,
		&c.TriggerType, &c.EndReason, &c.Stats,
		&c.Stats.TotalTokens, &c.Stats.TotalCostUSD)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ActiveCycle returns the running cycle.
func (s *Store) ActiveCycle(ctx context.Context) (*domain.Cycle, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+cycleColumns+` FROM cycles WHERE status = 'running'`)
	c, err := scanCycle(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get active cycle: %w", err)
	}
	return c, nil
}

// StartCycle creates the next running cycle, numbered one past the highest
// existing number. Concurrent starters serialize on an advisory lock; the
// loser adopts the cycle the winner created.
func (s *Store) StartCycle(ctx context.Context, id string, startedAt time.Time) (*domain.Cycle, error) {
	var started *domain.Cycle
	err := s.executeInTransaction(ctx, "start_cycle", func(txStore *Store) error {
		if _, err := txStore.db.Exec(ctx,
			`SELECT pg_advisory_xact_lock($1)`, cycleStartLockKey); err != nil {
			return fmt.Errorf("failed to take cycle start lock: %w", err)
		}

		existing, err := txStore.ActiveCycle(ctx)
		if err == nil {
			started = existing
			return nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		row := txStore.db.QueryRow(ctx, `
			INSERT INTO cycles (id, number, status, started_at)
			SELECT $1, COALESCE(max(number), 0) + 1, 'running', $2 FROM cycles
			RETURNING `+cycleColumns,
			id, startedAt.UTC())
		started, err = scanCycle(row)
		if err != nil {
			return fmt.Errorf("failed to insert cycle: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// EndCycle settles the running cycle with its final stats.
func (s *Store) EndCycle(ctx context.Context, cycleID string, status domain.CycleStatus, trigger domain.TriggerType, endReason string, stats domain.CycleStats, endedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE cycles SET status = $2, trigger_type = $3, end_reason = $4,
			stats = $5, ended_at = $6
		WHERE id = $1 AND status = 'running'`,
		cycleID, status, trigger, endReason, stats, endedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to end cycle %s: %w", cycleID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStaleTransition
	}
	return nil
}

// SaveCycleStats persists recomputed stats on the cycle row.
func (s *Store) SaveCycleStats(ctx context.Context, cycleID string, stats domain.CycleStats) error {
	_, err := s.db.Exec(ctx,
		`UPDATE cycles SET stats = $2 WHERE id = $1`, cycleID, stats)
	if err != nil {
		return fmt.Errorf("failed to save stats for cycle %s: %w", cycleID, err)
	}
	return nil
}

// AddCycleUsage accumulates tokens and cost onto the active cycle. A missing
// active cycle drops the sample rather than failing the run settlement.
func (s *Store) AddCycleUsage(ctx context.Context, tokens int64, costUSD float64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE cycles SET total_tokens = total_tokens + $1,
			total_cost_usd = total_cost_usd + $2
		WHERE status = 'running'`,
		tokens, costUSD)
	if err != nil {
		return fmt.Errorf("failed to add cycle usage: %w", err)
	}
	return nil
}

// ComputeCycleStats aggregates task and run outcomes since the cycle
// started, on top of the usage counters accumulated on the row.
func (s *Store) ComputeCycleStats(ctx context.Context, cycle *domain.Cycle) (domain.CycleStats, error) {
	var stats domain.CycleStats
	since := cycle.StartedAt.UTC()

	err := s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'done'),
			count(*) FILTER (WHERE status = 'failed'),
			count(*) FILTER (WHERE status = 'cancelled')
		FROM tasks WHERE updated_at >= $1`,
		since).Scan(&stats.TasksCompleted, &stats.TasksFailed, &stats.TasksCancelled)
	if err != nil {
		return stats, fmt.Errorf("failed to aggregate task stats: %w", err)
	}

	err = s.db.QueryRow(ctx,
		`SELECT count(*) FROM runs WHERE started_at >= $1`, since).
		Scan(&stats.RunsTotal)
	if err != nil {
		return stats, fmt.Errorf("failed to count runs: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE type = 'pr.opened'),
			count(*) FILTER (WHERE type = 'pr.merged')
		FROM events WHERE created_at >= $1`,
		since).Scan(&stats.PRsOpened, &stats.PRsMerged)
	if err != nil {
		return stats, fmt.Errorf("failed to count PR events: %w", err)
	}

	err = s.db.QueryRow(ctx,
		`SELECT total_tokens, total_cost_usd FROM cycles WHERE id = $1`,
		cycle.ID).Scan(&stats.TotalTokens, &stats.TotalCostUSD)
	if err != nil {
		return stats, fmt.Errorf("failed to read usage counters: %w", err)
	}
	return stats, nil
}

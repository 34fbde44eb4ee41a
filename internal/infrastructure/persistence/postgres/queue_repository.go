package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/domain"
)

// Queue job states.
const (
	jobStateReady  = "ready"
	jobStateActive = "active"
	jobStateDead   = "dead"
)

const jobColumns = `id, queue_name, name, payload, priority, state,
	attempts_made, max_attempts, stalled_count, delay_until, locked_until,
	locked_by, created_at`

func scanJob(row pgx.Row) (*queue.Job, error) {
	var j queue.Job
	var state string
	var lockedUntil *time.Time
	err := row.Scan(&j.ID, &j.Queue, &j.Name, &j.Envelope, &j.Envelope.Priority,
		&state, &j.AttemptsMade, &j.MaxAttempts, &j.StalledCount,
		&j.DelayUntil, &lockedUntil, &j.LockedBy, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lockedUntil != nil {
		j.LockedUntil = *lockedUntil
	}
	return &j, nil
}

// Enqueue adds a fresh job. Earlier jobs for the same task never block a new
// enqueue; every call creates a new job id.
func (s *Store) Enqueue(ctx context.Context, queueName, jobName string, env queue.Envelope, opts queue.EnqueueOptions) (string, error) {
	if opts.Priority != 0 {
		env.Priority = opts.Priority
	}
	jobID := newID()
	_, err := s.db.Exec(ctx, `
		INSERT INTO queue_jobs (id, queue_name, name, payload, priority, state,
			max_attempts, delay_until)
		VALUES ($1, $2, $3, $4, $5, 'ready', $6, now() + ($7 * interval '1 second'))`,
		jobID, queueName, jobName, env, env.Priority, s.queueMaxAttempts,
		opts.Delay.Seconds())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", jobName, err)
	}
	return jobID, nil
}

// Claim atomically moves the best ready job to active and locks it to the
// consumer. SKIP LOCKED keeps concurrent consumers from serializing on the
// same row. Returns a nil job when the queue is empty.
func (s *Store) Claim(ctx context.Context, queueName, consumerID string, lockDuration time.Duration) (*queue.Job, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE queue_jobs SET state = 'active', locked_by = $2,
			locked_until = now() + ($3 * interval '1 second')
		WHERE id = (
			SELECT id FROM queue_jobs
			WHERE queue_name = $1 AND state = 'ready' AND delay_until <= now()
			ORDER BY priority DESC, created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		queueName, consumerID, lockDuration.Seconds())
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job from queue %s: %w", queueName, err)
	}
	return job, nil
}

// Renew extends the lock of an active job held by the consumer.
func (s *Store) Renew(ctx context.Context, jobID, consumerID string, lockDuration time.Duration) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE queue_jobs SET locked_until = now() + ($3 * interval '1 second')
		WHERE id = $1 AND locked_by = $2 AND state = 'active'`,
		jobID, consumerID, lockDuration.Seconds())
	if err != nil {
		return fmt.Errorf("failed to renew lock on job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// Complete removes a settled job held by the consumer.
func (s *Store) Complete(ctx context.Context, jobID, consumerID string) error {
	tag, err := s.db.Exec(ctx, `
		DELETE FROM queue_jobs
		WHERE id = $1 AND locked_by = $2 AND state = 'active'`,
		jobID, consumerID)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// Fail records one failed delivery attempt. The job goes back to ready until
// attemptsMade reaches maxAttempts, then it is dead-lettered.
func (s *Store) Fail(ctx context.Context, jobID, consumerID, reason string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE queue_jobs SET
			attempts_made = attempts_made + 1,
			failed_reason = $3,
			locked_by = '',
			locked_until = NULL,
			state = CASE
				WHEN attempts_made + 1 >= max_attempts THEN 'dead'
				ELSE 'ready'
			END,
			name = CASE
				WHEN attempts_made + 1 >= max_attempts THEN 'dead:' || (payload->>'taskId')
				ELSE name
			END
		WHERE id = $1 AND locked_by = $2 AND state = 'active'`,
		jobID, consumerID, reason)
	if err != nil {
		return fmt.Errorf("failed to fail job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobOwnershipLost
	}
	return nil
}

// Requeue deletes the original job and inserts a fresh one carrying the same
// envelope, optionally re-prioritized and delayed.
func (s *Store) Requeue(ctx context.Context, jobID string, opts queue.EnqueueOptions) (string, error) {
	var newJobID string
	err := s.executeInTransaction(ctx, "queue_requeue", func(txStore *Store) error {
		var queueName, name string
		var env queue.Envelope
		err := txStore.db.QueryRow(ctx, `
			DELETE FROM queue_jobs WHERE id = $1
			RETURNING queue_name, name, payload`,
			jobID).Scan(&queueName, &name, &env)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to remove job %s: %w", jobID, err)
		}
		newJobID, err = txStore.Enqueue(ctx, queueName, name, env, opts)
		return err
	})
	if err != nil {
		return "", err
	}
	return newJobID, nil
}

// SweepStalled returns expired-lock jobs to ready, dead-lettering any job
// that stalled more than maxStalledCount times.
func (s *Store) SweepStalled(ctx context.Context, maxStalledCount int) (int, int, error) {
	var requeued, deadLettered int
	err := s.executeInTransaction(ctx, "queue_sweep_stalled", func(txStore *Store) error {
		rows, err := txStore.db.Query(ctx, `
			UPDATE queue_jobs SET
				stalled_count = stalled_count + 1,
				locked_by = '',
				locked_until = NULL,
				state = CASE
					WHEN stalled_count + 1 > $1 THEN 'dead'
					ELSE 'ready'
				END,
				name = CASE
					WHEN stalled_count + 1 > $1 THEN 'dead:' || (payload->>'taskId')
					ELSE name
				END
			WHERE state = 'active' AND locked_until < now()
			RETURNING state`,
			maxStalledCount)
		if err != nil {
			return fmt.Errorf("failed to sweep stalled jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var state string
			if err := rows.Scan(&state); err != nil {
				return fmt.Errorf("failed to scan swept job: %w", err)
			}
			if state == jobStateDead {
				deadLettered++
			} else {
				requeued++
			}
		}
		return rows.Err()
	})
	if err != nil {
		return 0, 0, err
	}
	return requeued, deadLettered, nil
}

// Depth reports ready jobs in a queue, including delayed ones.
func (s *Store) Depth(ctx context.Context, queueName string) (int, error) {
	var depth int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM queue_jobs
		WHERE queue_name = $1 AND state = 'ready'`,
		queueName).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to get depth of queue %s: %w", queueName, err)
	}
	return depth, nil
}

// ListDeadLetters returns dead-lettered jobs, newest first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*queue.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM queue_jobs
		WHERE state = 'dead'
		ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Obliterate removes every job whose queue name matches the pattern.
func (s *Store) Obliterate(ctx context.Context, pattern string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM queue_jobs WHERE queue_name LIKE $1`, pattern)
	if err != nil {
		return 0, fmt.Errorf("failed to obliterate queues matching %q: %w", pattern, err)
	}
	return tag.RowsAffected(), nil
}

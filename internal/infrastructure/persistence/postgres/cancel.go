package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/opentiger/tiger/internal/domain"
)

// cancelChannel is the NOTIFY channel carrying cancelled task ids.
const cancelChannel = "tiger_task_cancel"

// CancelTask administratively cancels a task from any non-terminal state.
// The lease is dropped, unfinished runs are marked cancelled, ready queue
// jobs for the task are removed, and listeners are notified so a live
// worker process can be stopped.
func (s *Store) CancelTask(ctx context.Context, taskID, reason string) error {
	return s.executeInTransaction(ctx, "cancel_task", func(tx *Store) error {
		var status domain.TaskStatus
		err := tx.db.QueryRow(ctx,
			`SELECT status FROM tasks WHERE id = $1 FOR UPDATE`, taskID).Scan(&status)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to fetch task %s: %w", taskID, err)
		}
		if status.IsTerminal() {
			return fmt.Errorf("task %s is %s: %w", taskID, status, domain.ErrNotCancellable)
		}

		now := time.Now().UTC()
		_, err = tx.db.Exec(ctx, `
			UPDATE tasks SET status = 'cancelled', block_reason = '', updated_at = $2
			WHERE id = $1`, taskID, now)
		if err != nil {
			return fmt.Errorf("failed to cancel task %s: %w", taskID, err)
		}
		_, err = tx.db.Exec(ctx, `DELETE FROM leases WHERE task_id = $1`, taskID)
		if err != nil {
			return fmt.Errorf("failed to drop lease for task %s: %w", taskID, err)
		}
		_, err = tx.db.Exec(ctx, `
			UPDATE runs SET status = 'cancelled', error_message = $2, finished_at = $3
			WHERE task_id = $1 AND finished_at IS NULL`,
			taskID, reason, now)
		if err != nil {
			return fmt.Errorf("failed to cancel runs for task %s: %w", taskID, err)
		}
		_, err = tx.db.Exec(ctx, `
			DELETE FROM queue_jobs WHERE state = 'ready' AND payload->>'taskId' = $1`,
			taskID)
		if err != nil {
			return fmt.Errorf("failed to drop queued jobs for task %s: %w", taskID, err)
		}

		err = tx.AppendEvent(ctx, &domain.Event{
			Type:       domain.EventTaskCancelled,
			EntityType: domain.EntityTask,
			EntityID:   taskID,
			Payload:    domain.NewPayload(map[string]string{"reason": reason}),
			CreatedAt:  now,
		})
		if err != nil {
			return err
		}

		_, err = tx.db.Exec(ctx, `SELECT pg_notify($1, $2)`, cancelChannel, taskID)
		if err != nil {
			return fmt.Errorf("failed to notify cancellation of task %s: %w", taskID, err)
		}
		return nil
	})
}

// SubscribeToCancellations returns a channel of cancelled task ids. A
// dedicated connection LISTENs until ctx is cancelled; the channel is closed
// on exit.
func (s *Store) SubscribeToCancellations(ctx context.Context) (<-chan string, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+cancelChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", cancelChannel, err)
	}

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer conn.Release()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.ErrorContext(ctx, "cancellation listener stopped", "error", err)
				}
				return
			}
			select {
			case ch <- n.Payload:
			default:
				slog.WarnContext(ctx, "cancellation notification dropped", "task_id", n.Payload)
			}
		}
	}()
	return ch, nil
}

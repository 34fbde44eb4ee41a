// Package postgres implements every repository interface of the engine plus
// the durable queue on a single PostgreSQL database via pgx.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opentiger/tiger/internal/application/cycle"
	"github.com/opentiger/tiger/internal/application/dispatch"
	"github.com/opentiger/tiger/internal/application/judge"
	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/application/retry"
	"github.com/opentiger/tiger/internal/application/runs"
	"github.com/opentiger/tiger/internal/domain"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so every query
// method works identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides the PostgreSQL implementation of all repository interfaces.
//
// Methods whose names collide across consumer interfaces with different
// semantics (CompleteTask, FinishRun) live on the per-consumer views below;
// everything else is shared on the Store itself.
type Store struct {
	pool *pgxpool.Pool
	db   querier

	// queueMaxAttempts is stamped onto every enqueued job.
	queueMaxAttempts int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithQueueMaxAttempts sets the delivery attempt ceiling stamped on new jobs.
func WithQueueMaxAttempts(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.queueMaxAttempts = n
		}
	}
}

// Compile-time verification that the store and its views cover every
// consumer interface.
var (
	_ lease.Repository    = (*Store)(nil)
	_ queue.Queue         = (*Store)(nil)
	_ dispatch.Repository = dispatchView{}
	_ retry.Repository    = retryView{}
	_ runs.Repository     = runsView{}
	_ judge.Repository    = judgeView{}
	_ cycle.Repository    = cycleView{}
)

// newID generates a row id.
func newID() string {
	return uuid.NewString()
}

// NewStore creates a store over an existing connection pool.
func NewStore(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, db: pool, queueMaxAttempts: 5}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// finalizeTx handles transaction cleanup for normal error/success cases.
// Rolls back on error, commits on success.
// Note: panics are handled separately in the defer blocks before finalizeTx is called.
func finalizeTx(ctx context.Context, tx pgx.Tx, err *error) {
	if *err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			slog.ErrorContext(ctx, "rollback failed",
				"original_error", *err,
				"rollback_error", rbErr)
			*err = fmt.Errorf("transaction failed: %w (rollback error: %v)", *err, rbErr)
		}
	} else {
		*err = tx.Commit(ctx)
		if *err != nil {
			slog.ErrorContext(ctx, "transaction commit failed",
				"error", *err)
		}
	}
}

// executeInTransaction executes a callback within a transaction with logging
// and panic recovery.
func (s *Store) executeInTransaction(ctx context.Context, operationName string, fn func(txStore *Store) error) (err error) {
	start := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to begin transaction",
			"operation", operationName,
			"error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.ErrorContext(ctx, "transaction panic, rolling back",
				"operation", operationName,
				"panic", p)
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				slog.ErrorContext(ctx, "rollback after panic failed",
					"operation", operationName,
					"panic", p,
					"rollback_error", rbErr)
			}
			panic(p)
		}

		finalizeTx(ctx, tx, &err)
		if err == nil {
			slog.DebugContext(ctx, "transaction completed",
				"operation", operationName,
				"duration_ms", time.Since(start).Milliseconds())
		}
	}()

	txStore := &Store{pool: s.pool, db: tx, queueMaxAttempts: s.queueMaxAttempts}

	err = fn(txStore)
	return
}

// Lease exposes the store as the lease manager's repository.
func (s *Store) Lease() lease.Repository { return s }

// Dispatch exposes the store as the dispatcher's repository.
func (s *Store) Dispatch() dispatch.Repository { return dispatchView{s} }

// Retry exposes the store as the retry controller's repository.
func (s *Store) Retry() retry.Repository { return retryView{s} }

// Runs exposes the store as the run settlement repository.
func (s *Store) Runs() runs.Repository { return runsView{s} }

// Judge exposes the store as the judge gateway's repository.
func (s *Store) Judge() judge.Repository { return judgeView{s} }

// Cycle exposes the store as the cycle controller's repository.
func (s *Store) Cycle() cycle.Repository { return cycleView{s} }

type dispatchView struct{ *Store }

func (v dispatchView) Atomic(ctx context.Context, fn func(ctx context.Context, r dispatch.Repository) error) error {
	return v.executeInTransaction(ctx, "dispatch_atomic", func(txStore *Store) error {
		return fn(ctx, dispatchView{txStore})
	})
}

// FinishRun settles a run that never reached the worker.
func (v dispatchView) FinishRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, finishedAt time.Time) error {
	return v.finishRun(ctx, runID, status, errorMessage, nil, finishedAt)
}

type retryView struct{ *Store }

func (v retryView) Atomic(ctx context.Context, fn func(ctx context.Context, r retry.Repository) error) error {
	return v.executeInTransaction(ctx, "retry_atomic", func(txStore *Store) error {
		return fn(ctx, retryView{txStore})
	})
}

type runsView struct{ *Store }

func (v runsView) Atomic(ctx context.Context, fn func(ctx context.Context, r runs.Repository) error) error {
	return v.executeInTransaction(ctx, "runs_atomic", func(txStore *Store) error {
		return fn(ctx, runsView{txStore})
	})
}

func (v runsView) FinishRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, meta *domain.ErrorMeta, finishedAt time.Time) error {
	return v.finishRun(ctx, runID, status, errorMessage, meta, finishedAt)
}

// CompleteTask moves a running task straight to done, for roles whose output
// skips the judge gate.
func (v runsView) CompleteTask(ctx context.Context, taskID string) error {
	return v.completeTaskFrom(ctx, taskID, domain.TaskRunning, domain.BlockNone)
}

type judgeView struct{ *Store }

func (v judgeView) Atomic(ctx context.Context, fn func(ctx context.Context, r judge.Repository) error) error {
	return v.executeInTransaction(ctx, "judge_atomic", func(txStore *Store) error {
		return fn(ctx, judgeView{txStore})
	})
}

// CompleteTask moves an approved task from the judge gate to done.
func (v judgeView) CompleteTask(ctx context.Context, taskID string) error {
	return v.completeTaskFrom(ctx, taskID, domain.TaskBlocked, domain.BlockAwaitingJudge)
}

type cycleView struct{ *Store }

func (v cycleView) Atomic(ctx context.Context, fn func(ctx context.Context, r cycle.Repository) error) error {
	return v.executeInTransaction(ctx, "cycle_atomic", func(txStore *Store) error {
		return fn(ctx, cycleView{txStore})
	})
}

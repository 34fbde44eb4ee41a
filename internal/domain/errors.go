package domain

import "errors"

// Domain errors returned by repository implementations and the engine.

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrLeaseHeld indicates a non-expired lease already exists for the task.
	ErrLeaseHeld = errors.New("lease already held")

	// ErrStaleTransition indicates a conditional status update matched no row,
	// meaning another actor moved the entity first.
	ErrStaleTransition = errors.New("stale status transition")

	// ErrInvalidTransition indicates the task state machine forbids the move.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotCancellable indicates the task or job is already terminal.
	ErrNotCancellable = errors.New("not cancellable")

	// ErrJobOwnershipLost indicates a queue job is no longer locked by the
	// worker attempting to settle it.
	ErrJobOwnershipLost = errors.New("job ownership lost")

	// ErrNoEligibleAgent indicates no idle, healthy agent matched the task role.
	ErrNoEligibleAgent = errors.New("no eligible agent")

	// ErrAreaConflict indicates a peer task occupies the same target area.
	ErrAreaConflict = errors.New("target area conflict")

	// ErrTargetAreaImmutable indicates an attempt to change a set target area.
	ErrTargetAreaImmutable = errors.New("target area is immutable")

	// ErrUnknownContextKind indicates an unrecognized context union tag.
	ErrUnknownContextKind = errors.New("unknown context kind")

	// ErrEmptyTaskText indicates a task with empty title or goal.
	ErrEmptyTaskText = errors.New("task title and goal must be non-empty")

	// ErrInvalidTimebox indicates a non-positive timebox.
	ErrInvalidTimebox = errors.New("timebox must be positive")

	// ErrBlockReasonMismatch indicates block reason and status disagree.
	ErrBlockReasonMismatch = errors.New("block reason must be set iff status is blocked")
)

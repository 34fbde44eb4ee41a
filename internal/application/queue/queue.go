// Package queue defines the durable job queue contract the dispatcher
// consumes from. Delivery is at-least-once; consumers must be idempotent.
package queue

import (
	"context"
	"time"
)

// Queue name for shared dispatch; per-agent queues are AgentQueue(id).
const SharedQueue = "tasks"

// AgentQueue returns the queue name dedicated to one agent.
func AgentQueue(agentID string) string {
	return "agent:" + agentID
}

// Job name prefixes. Fresh dispatches, scheduled retries, and dead-lettered
// jobs are distinguishable by name.
func TaskJobName(taskID string) string  { return "task:" + taskID }
func RetryJobName(taskID string) string { return "retry:" + taskID }
func DeadJobName(taskID string) string  { return "dead:" + taskID }

// Envelope is the payload carried by every queue job.
type Envelope struct {
	TaskID   string `json:"taskId"`
	AgentID  string `json:"agentId,omitempty"`
	Priority int    `json:"priority"`
}

// Job is one queued delivery of an envelope.
type Job struct {
	ID           string
	Queue        string
	Name         string
	Envelope     Envelope
	AttemptsMade int
	MaxAttempts  int
	StalledCount int
	DelayUntil   time.Time
	LockedUntil  time.Time
	LockedBy     string
	CreatedAt    time.Time
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Priority int
	Delay    time.Duration
}

// Queue is a durable priority queue with per-job retry metadata.
//
// Enqueue always creates a fresh job id; terminal state of earlier jobs for
// the same task never blocks re-enqueue. Claim atomically moves one ready job
// to in-flight and locks it to the consumer for lockDuration; Renew extends
// the lock while the consumer is alive. Fail increments attemptsMade and
// dead-letters the job once attemptsMade reaches maxAttempts; a dead-lettered
// job is renamed DeadJobName(taskID) so the dead set is greppable by name.
type Queue interface {
	Enqueue(ctx context.Context, queueName, jobName string, env Envelope, opts EnqueueOptions) (jobID string, err error)
	Claim(ctx context.Context, queueName, consumerID string, lockDuration time.Duration) (*Job, error)
	Renew(ctx context.Context, jobID, consumerID string, lockDuration time.Duration) error
	Complete(ctx context.Context, jobID, consumerID string) error
	Fail(ctx context.Context, jobID, consumerID, reason string) error

	// Requeue deletes the original job and adds a fresh one with a new
	// envelope, optionally re-prioritized and delayed.
	Requeue(ctx context.Context, jobID string, opts EnqueueOptions) (newJobID string, err error)

	// SweepStalled returns expired-lock jobs to ready state, dead-lettering
	// any job that stalled more than maxStalledCount times.
	SweepStalled(ctx context.Context, maxStalledCount int) (requeued, deadLettered int, err error)

	// Depth reports ready jobs in a queue.
	Depth(ctx context.Context, queueName string) (int, error)

	// ListDeadLetters returns dead-lettered jobs for review, newest first.
	ListDeadLetters(ctx context.Context, limit int) ([]*Job, error)

	// Obliterate removes every job whose queue name matches the pattern
	// (SQL LIKE syntax). Admin use only.
	Obliterate(ctx context.Context, pattern string) (int64, error)
}

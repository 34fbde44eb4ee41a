package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/metrics"
)

// Handler processes one claimed job. Returning nil completes the job;
// returning an error fails the delivery attempt. Handlers must be idempotent:
// the queue is at-least-once.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// Consumer polls one queue and feeds claimed jobs to a handler, renewing the
// job lock in a side loop while the handler runs.
type Consumer struct {
	queue      Queue
	handler    Handler
	queueName  string
	consumerID string
	cfg        config.QueueConfig
	clk        clock.Clock
	wg         sync.WaitGroup
	limiter    chan struct{}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) ConsumerOption {
	return func(c *Consumer) { c.clk = clk }
}

// NewConsumer creates a consumer for queueName. Concurrency is bounded by
// cfg.PerAgentConcurrency.
func NewConsumer(q Queue, handler Handler, queueName, consumerID string, cfg config.QueueConfig, opts ...ConsumerOption) *Consumer {
	concurrency := cfg.PerAgentConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	c := &Consumer{
		queue:      q,
		handler:    handler,
		queueName:  queueName,
		consumerID: consumerID,
		cfg:        cfg,
		clk:        clock.WallClock,
		limiter:    make(chan struct{}, concurrency),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled, then waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "queue consumer started",
		"queue", c.queueName,
		"consumer_id", c.consumerID,
		"poll_interval", c.cfg.PollInterval)

	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			slog.InfoContext(ctx, "queue consumer stopped", "queue", c.queueName)
			return nil
		case c.limiter <- struct{}{}:
		}

		job, err := c.queue.Claim(ctx, c.queueName, c.consumerID, c.cfg.LockDuration)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "claim failed", "queue", c.queueName, "error", err)
		}
		if job == nil {
			<-c.limiter
			select {
			case <-ctx.Done():
				c.wg.Wait()
				return nil
			case <-c.clk.After(c.cfg.PollInterval):
			}
			continue
		}

		c.wg.Add(1)
		go func(job *Job) {
			defer c.wg.Done()
			defer func() { <-c.limiter }()
			c.process(ctx, job)
		}(job)
	}
}

// process runs the handler with a lock-renewal loop alongside it.
func (c *Consumer) process(ctx context.Context, job *Job) {
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go c.renewLoop(renewCtx, job.ID)

	err := c.handler.Handle(ctx, job)
	stopRenew()

	if err != nil {
		if failErr := c.queue.Fail(ctx, job.ID, c.consumerID, err.Error()); failErr != nil {
			if errors.Is(failErr, domain.ErrJobOwnershipLost) {
				slog.WarnContext(ctx, "job lock lost before fail settled",
					"job_id", job.ID, "task_id", job.Envelope.TaskID)
				return
			}
			slog.ErrorContext(ctx, "failed to settle job failure",
				"job_id", job.ID, "error", failErr)
		}
		return
	}
	if err := c.queue.Complete(ctx, job.ID, c.consumerID); err != nil {
		if errors.Is(err, domain.ErrJobOwnershipLost) {
			slog.WarnContext(ctx, "job lock lost before completion settled",
				"job_id", job.ID, "task_id", job.Envelope.TaskID)
			return
		}
		slog.ErrorContext(ctx, "failed to complete job", "job_id", job.ID, "error", err)
	}
}

// renewLoop extends the job lock at half the lock duration until stopped.
func (c *Consumer) renewLoop(ctx context.Context, jobID string) {
	interval := c.cfg.LockDuration / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	timer := c.clk.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.Chan():
			if err := c.queue.Renew(ctx, jobID, c.consumerID, c.cfg.LockDuration); err != nil {
				slog.WarnContext(ctx, "lock renewal failed", "job_id", jobID, "error", err)
			}
			timer.Reset(interval)
		}
	}
}

// RunStalledSweep periodically returns expired-lock jobs to ready state.
// Runs until ctx is cancelled.
func RunStalledSweep(ctx context.Context, q Queue, cfg config.QueueConfig, clk clock.Clock) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-clk.After(cfg.StalledInterval):
		}
		requeued, dead, err := q.SweepStalled(ctx, cfg.MaxStalledCount)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.ErrorContext(ctx, "stalled sweep failed", "error", err)
			}
			continue
		}
		if requeued > 0 || dead > 0 {
			slog.InfoContext(ctx, "stalled jobs swept", "requeued", requeued, "dead_lettered", dead)
		}
		if depth, err := q.Depth(ctx, SharedQueue); err == nil {
			metrics.QueueDepth.WithLabelValues(SharedQueue).Set(float64(depth))
		}
	}
}

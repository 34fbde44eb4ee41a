package retry

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
)

type mockRepository struct {
	getTaskFunc       func(ctx context.Context, id string) (*domain.Task, error)
	failTaskFunc      func(ctx context.Context, taskID, reason string) error
	requeueTaskFunc   func(ctx context.Context, taskID string, retryCount int) error
	markAgentIdleFunc func(ctx context.Context, agentID string) error
	appendEventFunc   func(ctx context.Context, event *domain.Event) error
}

func (m *mockRepository) Atomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return m.getTaskFunc(ctx, id)
}

func (m *mockRepository) FailTask(ctx context.Context, taskID, reason string) error {
	if m.failTaskFunc == nil {
		return nil
	}
	return m.failTaskFunc(ctx, taskID, reason)
}

func (m *mockRepository) RequeueTask(ctx context.Context, taskID string, retryCount int) error {
	if m.requeueTaskFunc == nil {
		return nil
	}
	return m.requeueTaskFunc(ctx, taskID, retryCount)
}

func (m *mockRepository) MarkAgentIdle(ctx context.Context, agentID string) error {
	if m.markAgentIdleFunc == nil {
		return nil
	}
	return m.markAgentIdleFunc(ctx, agentID)
}

func (m *mockRepository) AppendEvent(ctx context.Context, event *domain.Event) error {
	if m.appendEventFunc == nil {
		return nil
	}
	return m.appendEventFunc(ctx, event)
}

type mockLeaseRepo struct {
	releaseFunc func(ctx context.Context, taskID, agentID string) error
}

func (m *mockLeaseRepo) AcquireLease(ctx context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error) {
	return &domain.Lease{TaskID: taskID, AgentID: agentID, ExpiresAt: expiresAt}, nil
}

func (m *mockLeaseRepo) ReleaseLease(ctx context.Context, taskID, agentID string) error {
	if m.releaseFunc == nil {
		return nil
	}
	return m.releaseFunc(ctx, taskID, agentID)
}

func (m *mockLeaseRepo) RecordHeartbeat(context.Context, string, domain.AgentRole, time.Time) error {
	return nil
}

func (m *mockLeaseRepo) ListDeadAgents(context.Context, time.Time) ([]*domain.Agent, error) {
	return nil, nil
}

func (m *mockLeaseRepo) AgentHasRunningRunSince(context.Context, string, time.Time) (bool, error) {
	return false, nil
}

func (m *mockLeaseRepo) ReclaimAgentLeases(context.Context, string) (int, error) {
	return 0, nil
}

type mockQueue struct {
	queue.Queue
	enqueueFunc func(ctx context.Context, queueName, jobName string, env queue.Envelope, opts queue.EnqueueOptions) (string, error)
}

func (m *mockQueue) Enqueue(ctx context.Context, queueName, jobName string, env queue.Envelope, opts queue.EnqueueOptions) (string, error) {
	if m.enqueueFunc == nil {
		return "j1", nil
	}
	return m.enqueueFunc(ctx, queueName, jobName, env, opts)
}

func newTestController(t *testing.T, repo Repository, lr lease.Repository, q queue.Queue, cfg config.RetryConfig) *Controller {
	t.Helper()
	clk := testclock.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	mgr := lease.NewManager(lr, config.DefaultSchedulerConfig(), lease.WithClock(clk))
	c, err := NewController(repo, mgr, q, cfg, WithClock(clk))
	require.NoError(t, err)
	return c
}

func failedRun(taskID, message string) *domain.Run {
	finished := time.Date(2025, 3, 1, 11, 59, 0, 0, time.UTC)
	return &domain.Run{
		ID:           "r1",
		TaskID:       taskID,
		AgentID:      "a1",
		Status:       domain.RunFailed,
		ErrorMessage: message,
		FinishedAt:   &finished,
	}
}

func TestFlakyFailureRequeuedWithCooldown(t *testing.T) {
	task := &domain.Task{ID: "t1", Status: domain.TaskRunning, RetryCount: 0, Priority: 5}

	var requeuedCount int
	var event *domain.Event
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		requeueTaskFunc: func(_ context.Context, taskID string, retryCount int) error {
			require.Equal(t, "t1", taskID)
			requeuedCount = retryCount
			return nil
		},
		appendEventFunc: func(_ context.Context, ev *domain.Event) error {
			event = ev
			return nil
		},
	}
	var gotName string
	var gotOpts queue.EnqueueOptions
	q := &mockQueue{enqueueFunc: func(_ context.Context, queueName, jobName string, env queue.Envelope, opts queue.EnqueueOptions) (string, error) {
		assert.Equal(t, queue.SharedQueue, queueName)
		assert.Equal(t, "t1", env.TaskID)
		gotName, gotOpts = jobName, opts
		return "j1", nil
	}}
	c := newTestController(t, repo, &mockLeaseRepo{}, q, config.DefaultRetryConfig())

	err := c.HandleRunFailure(context.Background(), failedRun("t1", "connection reset by peer"))
	require.NoError(t, err)
	assert.Equal(t, 1, requeuedCount)
	assert.Equal(t, queue.RetryJobName("t1"), gotName)
	assert.GreaterOrEqual(t, gotOpts.Delay, 30*time.Second, "first retry waits at least the base delay")
	require.NotNil(t, event)
	assert.Equal(t, domain.EventTaskRequeued, event.Type)
	assert.Equal(t, "t1", event.EntityID)
}

func TestPermissionFailureTerminatesImmediately(t *testing.T) {
	task := &domain.Task{ID: "t1", Status: domain.TaskRunning, RetryCount: 0}

	var failedReason string
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		failTaskFunc: func(_ context.Context, taskID, reason string) error {
			require.Equal(t, "t1", taskID)
			failedReason = reason
			return nil
		},
		requeueTaskFunc: func(context.Context, string, int) error {
			t.Fatal("permission failures must not be retried")
			return nil
		},
	}
	c := newTestController(t, repo, &mockLeaseRepo{}, &mockQueue{}, config.DefaultRetryConfig())

	run := failedRun("t1", "blocked on external directory permission prompt")
	require.NoError(t, c.HandleRunFailure(context.Background(), run))
	assert.Contains(t, failedReason, "allowedPaths")
}

func TestVerificationShapeNotRetried(t *testing.T) {
	task := &domain.Task{ID: "t1", Status: domain.TaskRunning, RetryCount: 0}

	var failedReason string
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		failTaskFunc: func(_ context.Context, _, reason string) error {
			failedReason = reason
			return nil
		},
	}
	c := newTestController(t, repo, &mockLeaseRepo{}, &mockQueue{}, config.DefaultRetryConfig())

	run := failedRun("t1", "run verify")
	run.ErrorMeta = &domain.ErrorMeta{FailureCode: "verification_command_missing_script"}
	require.NoError(t, c.HandleRunFailure(context.Background(), run))
	assert.Contains(t, failedReason, "verification_command_missing_script")
	assert.Contains(t, failedReason, "fix the task's commands")
}

func TestCeilingExhaustionTerminates(t *testing.T) {
	// test category ceiling is 3; a task already at 3 retries is done.
	task := &domain.Task{ID: "t1", Status: domain.TaskRunning, RetryCount: 3}

	failed := false
	repo := &mockRepository{
		getTaskFunc:  func(context.Context, string) (*domain.Task, error) { return task, nil },
		failTaskFunc: func(context.Context, string, string) error { failed = true; return nil },
		requeueTaskFunc: func(context.Context, string, int) error {
			t.Fatal("retry ceiling reached, must not requeue")
			return nil
		},
	}
	c := newTestController(t, repo, &mockLeaseRepo{}, &mockQueue{}, config.DefaultRetryConfig())

	run := failedRun("t1", "tests fail: 3 assertions did not hold")
	require.NoError(t, c.HandleRunFailure(context.Background(), run))
	assert.True(t, failed)
}

func TestGlobalLimitCapsCategoryCeiling(t *testing.T) {
	cfg := config.DefaultRetryConfig()
	cfg.GlobalRetryLimit = 1
	task := &domain.Task{ID: "t1", Status: domain.TaskRunning, RetryCount: 1}

	failed := false
	repo := &mockRepository{
		getTaskFunc:  func(context.Context, string) (*domain.Task, error) { return task, nil },
		failTaskFunc: func(context.Context, string, string) error { failed = true; return nil },
	}
	c := newTestController(t, repo, &mockLeaseRepo{}, &mockQueue{}, cfg)

	// flaky normally allows 6 retries; the global limit of 1 wins.
	run := failedRun("t1", "network error: fetch failed")
	require.NoError(t, c.HandleRunFailure(context.Background(), run))
	assert.True(t, failed)
}

func TestCategoryOverrideReplacesBuiltinLimit(t *testing.T) {
	cfg := config.DefaultRetryConfig()
	cfg.CategoryLimitOverrides = []string{"flaky=0"}
	task := &domain.Task{ID: "t1", Status: domain.TaskRunning, RetryCount: 0}

	failed := false
	repo := &mockRepository{
		getTaskFunc:  func(context.Context, string) (*domain.Task, error) { return task, nil },
		failTaskFunc: func(context.Context, string, string) error { failed = true; return nil },
	}
	c := newTestController(t, repo, &mockLeaseRepo{}, &mockQueue{}, cfg)

	run := failedRun("t1", "connection refused")
	require.NoError(t, c.HandleRunFailure(context.Background(), run))
	assert.True(t, failed)
}

func TestAgentReleasedOnEveryOutcome(t *testing.T) {
	task := &domain.Task{ID: "t1", Status: domain.TaskRunning, RetryCount: 0}

	var released, idled bool
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		markAgentIdleFunc: func(_ context.Context, agentID string) error {
			require.Equal(t, "a1", agentID)
			idled = true
			return nil
		},
	}
	lr := &mockLeaseRepo{releaseFunc: func(_ context.Context, taskID, agentID string) error {
		assert.Equal(t, "t1", taskID)
		assert.Equal(t, "a1", agentID)
		released = true
		return nil
	}}
	c := newTestController(t, repo, lr, &mockQueue{}, config.DefaultRetryConfig())

	require.NoError(t, c.HandleRunFailure(context.Background(), failedRun("t1", "socket hang up")))
	assert.True(t, released)
	assert.True(t, idled)
}

func TestProviderHintHonoredOverBackoff(t *testing.T) {
	task := &domain.Task{ID: "t1", Status: domain.TaskRunning, RetryCount: 0}

	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
	}
	var gotDelay time.Duration
	q := &mockQueue{enqueueFunc: func(_ context.Context, _, _ string, _ queue.Envelope, opts queue.EnqueueOptions) (string, error) {
		gotDelay = opts.Delay
		return "j1", nil
	}}
	c := newTestController(t, repo, &mockLeaseRepo{}, q, config.DefaultRetryConfig())

	run := failedRun("t1", "429 too many requests, retry in 300s")
	require.NoError(t, c.HandleRunFailure(context.Background(), run))
	assert.Equal(t, 300*time.Second, gotDelay, "provider hints are never shortened")
}

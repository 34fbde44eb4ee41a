package dispatch

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
	getTaskFunc                func(ctx context.Context, id string) (*domain.Task, error)
	setTaskTargetAreaFunc      func(ctx context.Context, taskID, area string) error
	listActivePeersFunc        func(ctx context.Context, excludeTaskID string) ([]*domain.Task, error)
	countUnmetDependenciesFunc func(ctx context.Context, taskIDs []string) (int, error)
	listEligibleAgentsFunc     func(ctx context.Context, role domain.AgentRole, cutoff time.Time) ([]*domain.Agent, error)
	markAgentBusyFunc          func(ctx context.Context, agentID, taskID string) error
	markAgentIdleFunc          func(ctx context.Context, agentID string) error
	transitionTaskFunc         func(ctx context.Context, taskID string, from, to domain.TaskStatus) error
	createRunFunc              func(ctx context.Context, run *domain.Run) error
	finishRunFunc              func(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, finishedAt time.Time) error
}

func (m *mockRepository) Atomic(ctx context.Context, fn func(ctx context.Context, r Repository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return m.getTaskFunc(ctx, id)
}

func (m *mockRepository) SetTaskTargetArea(ctx context.Context, taskID, area string) error {
	if m.setTaskTargetAreaFunc == nil {
		return nil
	}
	return m.setTaskTargetAreaFunc(ctx, taskID, area)
}

func (m *mockRepository) ListActivePeers(ctx context.Context, excludeTaskID string) ([]*domain.Task, error) {
	if m.listActivePeersFunc == nil {
		return nil, nil
	}
	return m.listActivePeersFunc(ctx, excludeTaskID)
}

func (m *mockRepository) CountUnmetDependencies(ctx context.Context, taskIDs []string) (int, error) {
	if m.countUnmetDependenciesFunc == nil {
		return 0, nil
	}
	return m.countUnmetDependenciesFunc(ctx, taskIDs)
}

func (m *mockRepository) ListEligibleAgents(ctx context.Context, role domain.AgentRole, cutoff time.Time) ([]*domain.Agent, error) {
	return m.listEligibleAgentsFunc(ctx, role, cutoff)
}

func (m *mockRepository) MarkAgentBusy(ctx context.Context, agentID, taskID string) error {
	if m.markAgentBusyFunc == nil {
		return nil
	}
	return m.markAgentBusyFunc(ctx, agentID, taskID)
}

func (m *mockRepository) MarkAgentIdle(ctx context.Context, agentID string) error {
	if m.markAgentIdleFunc == nil {
		return nil
	}
	return m.markAgentIdleFunc(ctx, agentID)
}

func (m *mockRepository) TransitionTask(ctx context.Context, taskID string, from, to domain.TaskStatus) error {
	if m.transitionTaskFunc == nil {
		return nil
	}
	return m.transitionTaskFunc(ctx, taskID, from, to)
}

func (m *mockRepository) CreateRun(ctx context.Context, run *domain.Run) error {
	if m.createRunFunc == nil {
		return nil
	}
	return m.createRunFunc(ctx, run)
}

func (m *mockRepository) FinishRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, finishedAt time.Time) error {
	if m.finishRunFunc == nil {
		return nil
	}
	return m.finishRunFunc(ctx, runID, status, errorMessage, finishedAt)
}

type mockLeaseRepo struct {
	acquireFunc func(ctx context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error)
	releaseFunc func(ctx context.Context, taskID, agentID string) error
}

func (m *mockLeaseRepo) AcquireLease(ctx context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error) {
	if m.acquireFunc == nil {
		return &domain.Lease{TaskID: taskID, AgentID: agentID, ExpiresAt: expiresAt}, nil
	}
	return m.acquireFunc(ctx, taskID, agentID, expiresAt)
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
	requeueFunc func(ctx context.Context, jobID string, opts queue.EnqueueOptions) (string, error)
}

func (m *mockQueue) Requeue(ctx context.Context, jobID string, opts queue.EnqueueOptions) (string, error) {
	return m.requeueFunc(ctx, jobID, opts)
}

type mockWorker struct {
	startWorkFunc func(ctx context.Context, task *domain.Task, run *domain.Run, agent *domain.Agent) error
}

func (m *mockWorker) StartWork(ctx context.Context, task *domain.Task, run *domain.Run, agent *domain.Agent) error {
	if m.startWorkFunc == nil {
		return nil
	}
	return m.startWorkFunc(ctx, task, run, agent)
}

func queuedTask(id string) *domain.Task {
	return &domain.Task{
		ID:             id,
		Title:          "task " + id,
		Goal:           "do something",
		Kind:           domain.KindCode,
		Role:           domain.RoleWorker,
		Lane:           domain.LaneFeature,
		Status:         domain.TaskQueued,
		Touches:        []string{"apps/web/auth"},
		TimeboxMinutes: 30,
	}
}

func newTestDispatcher(repo *mockRepository, lr lease.Repository, q queue.Queue, w WorkerAdapter) *Dispatcher {
	clk := testclock.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.DefaultSchedulerConfig()
	mgr := lease.NewManager(lr, cfg, lease.WithClock(clk))
	return New(repo, mgr, q, w, cfg, WithClock(clk))
}

func TestHandleDispatchesTask(t *testing.T) {
	task := queuedTask("t1")
	heartbeat := time.Date(2025, 3, 1, 11, 59, 30, 0, time.UTC)

	var busyAgent, runTask string
	var gotFrom, gotTo domain.TaskStatus
	var createdRun *domain.Run
	repo := &mockRepository{
		getTaskFunc: func(_ context.Context, id string) (*domain.Task, error) {
			require.Equal(t, "t1", id)
			return task, nil
		},
		listEligibleAgentsFunc: func(_ context.Context, role domain.AgentRole, _ time.Time) ([]*domain.Agent, error) {
			assert.Equal(t, domain.RoleWorker, role)
			return []*domain.Agent{
				{ID: "agent-lru", Role: role, Status: domain.AgentIdle, LastHeartbeat: &heartbeat},
			}, nil
		},
		markAgentBusyFunc: func(_ context.Context, agentID, taskID string) error {
			busyAgent, runTask = agentID, taskID
			return nil
		},
		transitionTaskFunc: func(_ context.Context, taskID string, from, to domain.TaskStatus) error {
			require.Equal(t, "t1", taskID)
			gotFrom, gotTo = from, to
			return nil
		},
		createRunFunc: func(_ context.Context, run *domain.Run) error {
			createdRun = run
			return nil
		},
	}
	var started bool
	worker := &mockWorker{
		startWorkFunc: func(_ context.Context, task *domain.Task, run *domain.Run, agent *domain.Agent) error {
			started = true
			assert.Equal(t, "t1", task.ID)
			assert.Equal(t, "agent-lru", agent.ID)
			return nil
		},
	}
	d := newTestDispatcher(repo, &mockLeaseRepo{}, &mockQueue{}, worker)

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, "agent-lru", busyAgent)
	assert.Equal(t, "t1", runTask)
	assert.Equal(t, domain.TaskQueued, gotFrom)
	assert.Equal(t, domain.TaskRunning, gotTo)
	require.NotNil(t, createdRun)
	assert.Equal(t, domain.RunRunning, createdRun.Status)
}

func TestHandleDropsStaleEnvelope(t *testing.T) {
	task := queuedTask("t1")
	task.Status = domain.TaskRunning
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
	}
	requeued := false
	q := &mockQueue{requeueFunc: func(context.Context, string, queue.EnqueueOptions) (string, error) {
		requeued = true
		return "", nil
	}}
	d := newTestDispatcher(repo, &mockLeaseRepo{}, q, &mockWorker{})

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
	assert.False(t, requeued, "stale envelopes are dropped, not re-enqueued")
}

func TestHandleUnmetDependenciesDropped(t *testing.T) {
	task := queuedTask("t1")
	task.Dependencies = []string{"t0"}
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		countUnmetDependenciesFunc: func(_ context.Context, ids []string) (int, error) {
			assert.Equal(t, []string{"t0"}, ids)
			return 1, nil
		},
		listEligibleAgentsFunc: func(context.Context, domain.AgentRole, time.Time) ([]*domain.Agent, error) {
			t.Fatal("must not reach agent selection")
			return nil, nil
		},
	}
	d := newTestDispatcher(repo, &mockLeaseRepo{}, &mockQueue{}, &mockWorker{})

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
}

func TestHandleAreaConflictRequeues(t *testing.T) {
	task := queuedTask("t1")
	task.TargetArea = "apps/web"
	peer := queuedTask("t2")
	peer.Status = domain.TaskRunning
	peer.TargetArea = "apps/web"

	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		listActivePeersFunc: func(context.Context, string) ([]*domain.Task, error) {
			return []*domain.Task{peer}, nil
		},
		listEligibleAgentsFunc: func(context.Context, domain.AgentRole, time.Time) ([]*domain.Agent, error) {
			t.Fatal("conflicting task must not reach agent selection")
			return nil, nil
		},
	}
	var gotDelay time.Duration
	q := &mockQueue{requeueFunc: func(_ context.Context, jobID string, opts queue.EnqueueOptions) (string, error) {
		assert.Equal(t, "j1", jobID)
		gotDelay = opts.Delay
		return "j2", nil
	}}
	d := newTestDispatcher(repo, &mockLeaseRepo{}, q, &mockWorker{})

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, gotDelay, requeueBaseDelay)
	assert.Less(t, gotDelay, requeueBaseDelay+requeueJitter)
}

func TestHandleConflictIgnoredForDependencyPeer(t *testing.T) {
	task := queuedTask("t1")
	task.TargetArea = "apps/web"
	task.Dependencies = []string{"t2"}
	peer := queuedTask("t2")
	peer.Status = domain.TaskRunning
	peer.TargetArea = "apps/web"

	heartbeat := time.Date(2025, 3, 1, 11, 59, 30, 0, time.UTC)
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		listActivePeersFunc: func(context.Context, string) ([]*domain.Task, error) {
			return []*domain.Task{peer}, nil
		},
		listEligibleAgentsFunc: func(_ context.Context, role domain.AgentRole, _ time.Time) ([]*domain.Agent, error) {
			return []*domain.Agent{{ID: "a1", Role: role, Status: domain.AgentIdle, LastHeartbeat: &heartbeat}}, nil
		},
	}
	d := newTestDispatcher(repo, &mockLeaseRepo{}, &mockQueue{}, &mockWorker{})

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
}

func TestHandleQueuedPeerConflictIsOrdered(t *testing.T) {
	base := time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC)
	task := queuedTask("t1")
	task.TargetArea = "apps/web"
	task.CreatedAt = base

	peerBehind := queuedTask("t2")
	peerBehind.TargetArea = "apps/web"
	peerBehind.CreatedAt = base.Add(time.Minute)

	heartbeat := time.Date(2025, 3, 1, 11, 59, 30, 0, time.UTC)
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		listActivePeersFunc: func(context.Context, string) ([]*domain.Task, error) {
			return []*domain.Task{peerBehind}, nil
		},
		listEligibleAgentsFunc: func(_ context.Context, role domain.AgentRole, _ time.Time) ([]*domain.Agent, error) {
			return []*domain.Agent{{ID: "a1", Role: role, Status: domain.AgentIdle, LastHeartbeat: &heartbeat}}, nil
		},
	}
	d := newTestDispatcher(repo, &mockLeaseRepo{}, &mockQueue{}, &mockWorker{})

	// The younger queued peer sorts behind this task, so dispatch proceeds.
	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
}

func TestHandleNoEligibleAgentRequeues(t *testing.T) {
	task := queuedTask("t1")
	task.Lane = domain.LaneDocser
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		listEligibleAgentsFunc: func(context.Context, domain.AgentRole, time.Time) ([]*domain.Agent, error) {
			return nil, nil
		},
	}
	requeued := false
	q := &mockQueue{requeueFunc: func(context.Context, string, queue.EnqueueOptions) (string, error) {
		requeued = true
		return "j2", nil
	}}
	d := newTestDispatcher(repo, &mockLeaseRepo{}, q, &mockWorker{})

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
	assert.True(t, requeued)
}

func TestHandleLeaseHeldDropsEnvelope(t *testing.T) {
	task := queuedTask("t1")
	task.Lane = domain.LaneDocser
	heartbeat := time.Date(2025, 3, 1, 11, 59, 30, 0, time.UTC)
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		listEligibleAgentsFunc: func(_ context.Context, role domain.AgentRole, _ time.Time) ([]*domain.Agent, error) {
			return []*domain.Agent{{ID: "a1", Role: role, Status: domain.AgentIdle, LastHeartbeat: &heartbeat}}, nil
		},
		markAgentBusyFunc: func(context.Context, string, string) error {
			t.Fatal("must not mark agent busy after losing the lease")
			return nil
		},
	}
	lr := &mockLeaseRepo{
		acquireFunc: func(context.Context, string, string, time.Time) (*domain.Lease, error) {
			return nil, domain.ErrLeaseHeld
		},
	}
	d := newTestDispatcher(repo, lr, &mockQueue{}, &mockWorker{})

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
}

func TestHandleWorkerFailureRollsBack(t *testing.T) {
	task := queuedTask("t1")
	task.Lane = domain.LaneDocser
	heartbeat := time.Date(2025, 3, 1, 11, 59, 30, 0, time.UTC)

	var released, cancelledRun, requeuedTask bool
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		listEligibleAgentsFunc: func(_ context.Context, role domain.AgentRole, _ time.Time) ([]*domain.Agent, error) {
			return []*domain.Agent{{ID: "a1", Role: role, Status: domain.AgentIdle, LastHeartbeat: &heartbeat}}, nil
		},
		finishRunFunc: func(_ context.Context, _ string, status domain.RunStatus, _ string, _ time.Time) error {
			cancelledRun = status == domain.RunCancelled
			return nil
		},
		transitionTaskFunc: func(_ context.Context, _ string, from, to domain.TaskStatus) error {
			if from == domain.TaskRunning && to == domain.TaskQueued {
				requeuedTask = true
			}
			return nil
		},
	}
	lr := &mockLeaseRepo{
		releaseFunc: func(context.Context, string, string) error {
			released = true
			return nil
		},
	}
	q := &mockQueue{requeueFunc: func(context.Context, string, queue.EnqueueOptions) (string, error) {
		return "j2", nil
	}}
	worker := &mockWorker{
		startWorkFunc: func(context.Context, *domain.Task, *domain.Run, *domain.Agent) error {
			return assert.AnError
		},
	}
	d := newTestDispatcher(repo, lr, q, worker)

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
	assert.True(t, released)
	assert.True(t, cancelledRun)
	assert.True(t, requeuedTask)
}

func TestEnsureTargetAreaDerivedAndPersisted(t *testing.T) {
	task := queuedTask("t1")
	task.Lane = domain.LaneDocser
	task.Touches = []string{"packages/core/parser"}
	heartbeat := time.Date(2025, 3, 1, 11, 59, 30, 0, time.UTC)

	var persisted string
	repo := &mockRepository{
		getTaskFunc: func(context.Context, string) (*domain.Task, error) { return task, nil },
		setTaskTargetAreaFunc: func(_ context.Context, taskID, area string) error {
			require.Equal(t, "t1", taskID)
			persisted = area
			return nil
		},
		listEligibleAgentsFunc: func(_ context.Context, role domain.AgentRole, _ time.Time) ([]*domain.Agent, error) {
			return []*domain.Agent{{ID: "a1", Role: role, Status: domain.AgentIdle, LastHeartbeat: &heartbeat}}, nil
		},
	}
	d := newTestDispatcher(repo, &mockLeaseRepo{}, &mockQueue{}, &mockWorker{})

	err := d.Handle(context.Background(), &queue.Job{ID: "j1", Envelope: queue.Envelope{TaskID: "t1"}})
	require.NoError(t, err)
	assert.Equal(t, "packages/core", persisted)
}

package agentexec

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/retry"
	"github.com/opentiger/tiger/internal/application/runs"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/infrastructure/persistence/memory"
	"github.com/opentiger/tiger/internal/infrastructure/subprocess"
)

type mockRunner struct {
	run func(ctx context.Context, spec subprocess.Spec) (*subprocess.Result, error)
}

func (m *mockRunner) Run(ctx context.Context, spec subprocess.Spec) (*subprocess.Result, error) {
	return m.run(ctx, spec)
}

func workerConfig() config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.Command = "tiger-agent"
	return cfg
}

// seedRunningTask installs a running task with a busy agent, a lease and an
// open run, the state StartWork is called in.
func seedRunningTask(t *testing.T, store *memory.Store, role domain.AgentRole) (*domain.Task, *domain.Run, *domain.Agent) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	task := &domain.Task{
		ID:             uuid.NewString(),
		Title:          "wire the adapter",
		Goal:           "exercise the process boundary",
		Kind:           domain.KindCode,
		Role:           role,
		Lane:           domain.LaneFeature,
		Status:         domain.TaskQueued,
		TimeboxMinutes: 10,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.CreateTask(ctx, task))
	require.NoError(t, store.TransitionTask(ctx, task.ID, domain.TaskQueued, domain.TaskRunning))

	agentID := "agent-" + uuid.NewString()[:8]
	require.NoError(t, store.RecordHeartbeat(ctx, agentID, role, now))
	require.NoError(t, store.MarkAgentBusy(ctx, agentID, task.ID))
	_, err := store.AcquireLease(ctx, task.ID, agentID, now.Add(time.Hour))
	require.NoError(t, err)

	run := &domain.Run{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		AgentID:   agentID,
		StartedAt: now,
		Status:    domain.RunRunning,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	return task, run, &domain.Agent{ID: agentID, Role: role}
}

func newRunsService(t *testing.T, store *memory.Store) *runs.Service {
	t.Helper()
	leases := lease.NewManager(store.Lease(), config.DefaultSchedulerConfig())
	retrier, err := retry.NewController(store.Retry(), leases, store, config.DefaultRetryConfig())
	require.NoError(t, err)
	return runs.NewService(store.Runs(), leases, retrier)
}

func TestWorkerReportsSuccessFromStdout(t *testing.T) {
	store := memory.NewStore()
	task, run, agent := seedRunningTask(t, store, domain.RoleWorker)

	runner := &mockRunner{run: func(_ context.Context, spec subprocess.Spec) (*subprocess.Result, error) {
		assert.Equal(t, "tiger-agent", spec.Command)
		assert.Contains(t, spec.Env, "TIGER_TASK_ID="+task.ID)
		assert.Contains(t, spec.Env, "TIGER_RUN_ID="+run.ID)
		return &subprocess.Result{
			Stdout: `{"status":"success","tokensUsed":1200,"costUsd":0.35}`,
		}, nil
	}}
	w, err := NewWorker(runner, newRunsService(t, store), workerConfig())
	require.NoError(t, err)

	require.NoError(t, w.StartWork(context.Background(), task, run, agent))

	require.Eventually(t, func() bool {
		got, err := store.GetRun(context.Background(), run.ID)
		return err == nil && got.Finished()
	}, 2*time.Second, 10*time.Millisecond)

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSuccess, got.Status)

	// Worker role output goes through the judge gate.
	updated, err := store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskBlocked, updated.Status)
	assert.Equal(t, domain.BlockAwaitingJudge, updated.BlockReason)
}

func TestWorkerExitCodeDecidesWithoutReport(t *testing.T) {
	store := memory.NewStore()
	task, run, agent := seedRunningTask(t, store, domain.RoleDocser)

	runner := &mockRunner{run: func(context.Context, subprocess.Spec) (*subprocess.Result, error) {
		return &subprocess.Result{ExitCode: 0, Stdout: "not json"}, nil
	}}
	w, err := NewWorker(runner, newRunsService(t, store), workerConfig())
	require.NoError(t, err)

	require.NoError(t, w.StartWork(context.Background(), task, run, agent))

	require.Eventually(t, func() bool {
		got, err := store.GetTask(context.Background(), task.ID)
		return err == nil && got.Status == domain.TaskDone
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerFailureCarriesStderr(t *testing.T) {
	store := memory.NewStore()
	task, run, agent := seedRunningTask(t, store, domain.RoleWorker)

	runner := &mockRunner{run: func(context.Context, subprocess.Spec) (*subprocess.Result, error) {
		return &subprocess.Result{ExitCode: 2, Stderr: "verification_command_failed: make test"}, nil
	}}
	w, err := NewWorker(runner, newRunsService(t, store), workerConfig())
	require.NoError(t, err)

	require.NoError(t, w.StartWork(context.Background(), task, run, agent))

	require.Eventually(t, func() bool {
		got, err := store.GetRun(context.Background(), run.ID)
		return err == nil && got.Finished()
	}, 2*time.Second, 10*time.Millisecond)

	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "verification_command_failed")
}

func TestWorkerCancelKillsProcess(t *testing.T) {
	store := memory.NewStore()
	task, run, agent := seedRunningTask(t, store, domain.RoleWorker)

	started := make(chan struct{})
	runner := &mockRunner{run: func(ctx context.Context, _ subprocess.Spec) (*subprocess.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	w, err := NewWorker(runner, newRunsService(t, store), workerConfig())
	require.NoError(t, err)

	require.NoError(t, w.StartWork(context.Background(), task, run, agent))
	<-started

	assert.True(t, w.Cancel(task.ID))
	require.Eventually(t, func() bool {
		return !w.Cancel(task.ID)
	}, 2*time.Second, 10*time.Millisecond)

	// The run is untouched: cancellation settlement belongs to the store.
	got, err := store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.False(t, got.Finished())
}

func TestWorkerRequiresCommand(t *testing.T) {
	_, err := NewWorker(&mockRunner{}, nil, config.DefaultWorkerConfig())
	require.Error(t, err)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewStore(WithClock(clk)), clk
}

func seedTask(t *testing.T, s *Store, id string, status domain.TaskStatus) {
	t.Helper()
	task := &domain.Task{
		ID:             id,
		Title:          "task " + id,
		Goal:           "do the thing",
		Kind:           domain.KindCode,
		Role:           domain.RoleWorker,
		Lane:           domain.LaneFeature,
		Status:         status,
		TimeboxMinutes: 30,
		CreatedAt:      time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.CreateTask(context.Background(), task))
}

func TestTargetAreaIsWriteOnce(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t1", domain.TaskQueued)

	require.NoError(t, s.SetTaskTargetArea(ctx, "t1", "apps/web"))
	err := s.SetTaskTargetArea(ctx, "t1", "apps/api")
	assert.ErrorIs(t, err, domain.ErrTargetAreaImmutable)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "apps/web", task.TargetArea)
}

func TestTransitionTaskIsConditional(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t1", domain.TaskQueued)

	require.NoError(t, s.TransitionTask(ctx, "t1", domain.TaskQueued, domain.TaskRunning))
	err := s.TransitionTask(ctx, "t1", domain.TaskQueued, domain.TaskRunning)
	assert.ErrorIs(t, err, domain.ErrStaleTransition)
}

func TestAcquireLeaseReplacesExpired(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t1", domain.TaskRunning)

	_, err := s.AcquireLease(ctx, "t1", "agent-a", clk.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = s.AcquireLease(ctx, "t1", "agent-b", clk.Now().Add(time.Minute))
	assert.ErrorIs(t, err, domain.ErrLeaseHeld)

	clk.Advance(2 * time.Minute)
	l, err := s.AcquireLease(ctx, "t1", "agent-b", clk.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "agent-b", l.AgentID)
}

func TestReclaimAgentLeasesRequeuesRunningTasks(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t1", domain.TaskRunning)
	seedTask(t, s, "t2", domain.TaskRunning)
	require.NoError(t, s.RecordHeartbeat(ctx, "agent-a", domain.RoleWorker, clk.Now()))

	_, err := s.AcquireLease(ctx, "t1", "agent-a", clk.Now().Add(time.Minute))
	require.NoError(t, err)
	_, err = s.AcquireLease(ctx, "t2", "agent-a", clk.Now().Add(time.Minute))
	require.NoError(t, err)

	n, err := s.ReclaimAgentLeases(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskQueued, task.Status)

	agents, err := s.ListDeadAgents(ctx, clk.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, agents, "offline agents are not dead candidates")
}

func TestHeartbeatNeverRegressesBusy(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.RecordHeartbeat(ctx, "agent-a", domain.RoleWorker, clk.Now()))
	require.NoError(t, s.MarkAgentBusy(ctx, "agent-a", "t1"))

	require.NoError(t, s.RecordHeartbeat(ctx, "agent-a", domain.RoleWorker, clk.Now()))
	agents, err := s.ListEligibleAgents(ctx, domain.RoleWorker, clk.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestQueueClaimOrdersByPriorityThenAge(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, queue.SharedQueue, "task:t1", queue.Envelope{TaskID: "t1", Priority: 1}, queue.EnqueueOptions{})
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.Enqueue(ctx, queue.SharedQueue, "task:t2", queue.Envelope{TaskID: "t2", Priority: 5}, queue.EnqueueOptions{})
	require.NoError(t, err)

	job, err := s.Claim(ctx, queue.SharedQueue, "c1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "t2", job.Envelope.TaskID)
}

func TestQueueDelayedJobNotClaimable(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, queue.SharedQueue, "retry:t1", queue.Envelope{TaskID: "t1"}, queue.EnqueueOptions{Delay: 30 * time.Second})
	require.NoError(t, err)

	job, err := s.Claim(ctx, queue.SharedQueue, "c1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	clk.Advance(30 * time.Second)
	job, err = s.Claim(ctx, queue.SharedQueue, "c1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "t1", job.Envelope.TaskID)
}

func TestQueueFailDeadLettersAtCeiling(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, queue.SharedQueue, "task:t1", queue.Envelope{TaskID: "t1"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		job, err := s.Claim(ctx, queue.SharedQueue, "c1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.Equal(t, id, job.ID)
		require.NoError(t, s.Fail(ctx, job.ID, "c1", "boom"))
	}

	job, err := s.Claim(ctx, queue.SharedQueue, "c1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, job)

	dead, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 5, dead[0].AttemptsMade)
	assert.Equal(t, queue.DeadJobName("t1"), dead[0].Name)
}

func TestQueueSweepStalledRequeuesThenDeadLetters(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, queue.SharedQueue, "task:t1", queue.Envelope{TaskID: "t1"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	job, err := s.Claim(ctx, queue.SharedQueue, "c1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	clk.Advance(2 * time.Minute)
	requeued, dead, err := s.SweepStalled(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, dead)

	job, err = s.Claim(ctx, queue.SharedQueue, "c2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)

	clk.Advance(2 * time.Minute)
	requeued, dead, err = s.SweepStalled(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, dead)

	letters, err := s.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, queue.DeadJobName("t1"), letters[0].Name)
}

func TestRequeueReplacesJob(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, queue.SharedQueue, "task:t1", queue.Envelope{TaskID: "t1", Priority: 1}, queue.EnqueueOptions{})
	require.NoError(t, err)

	newID, err := s.Requeue(ctx, id, queue.EnqueueOptions{Priority: 9})
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	_, err = s.Requeue(ctx, id, queue.EnqueueOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	job, err := s.Claim(ctx, queue.SharedQueue, "c1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 9, job.Envelope.Priority)
}

func TestStartCycleAdoptsRunningCycle(t *testing.T) {
	s, clk := newTestStore(t)
	ctx := context.Background()

	first, err := s.StartCycle(ctx, "c-1", clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, first.Number)

	second, err := s.StartCycle(ctx, "c-2", clk.Now())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "running cycle is adopted, not duplicated")

	require.NoError(t, s.EndCycle(ctx, first.ID, domain.CycleCompleted, domain.TriggerTime, "time limit", domain.CycleStats{}, clk.Now()))
	third, err := s.StartCycle(ctx, "c-3", clk.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, third.Number)
}

func TestJudgeCompleteTaskRequiresJudgeGate(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	seedTask(t, s, "t1", domain.TaskRunning)
	require.NoError(t, s.BlockTask(ctx, "t1", domain.BlockAwaitingJudge))

	require.NoError(t, s.Judge().CompleteTask(ctx, "t1"))
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDone, task.Status)
	assert.Equal(t, domain.BlockNone, task.BlockReason)

	err = s.Judge().CompleteTask(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrStaleTransition)
}

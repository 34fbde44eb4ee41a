package lease

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
)

type mockRepository struct {
	acquireLeaseFunc            func(ctx context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error)
	releaseLeaseFunc            func(ctx context.Context, taskID, agentID string) error
	recordHeartbeatFunc         func(ctx context.Context, agentID string, role domain.AgentRole, now time.Time) error
	listDeadAgentsFunc          func(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error)
	agentHasRunningRunSinceFunc func(ctx context.Context, agentID string, since time.Time) (bool, error)
	reclaimAgentLeasesFunc      func(ctx context.Context, agentID string) (int, error)
}

func (m *mockRepository) AcquireLease(ctx context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error) {
	return m.acquireLeaseFunc(ctx, taskID, agentID, expiresAt)
}

func (m *mockRepository) ReleaseLease(ctx context.Context, taskID, agentID string) error {
	return m.releaseLeaseFunc(ctx, taskID, agentID)
}

func (m *mockRepository) RecordHeartbeat(ctx context.Context, agentID string, role domain.AgentRole, now time.Time) error {
	return m.recordHeartbeatFunc(ctx, agentID, role, now)
}

func (m *mockRepository) ListDeadAgents(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error) {
	return m.listDeadAgentsFunc(ctx, cutoff)
}

func (m *mockRepository) AgentHasRunningRunSince(ctx context.Context, agentID string, since time.Time) (bool, error) {
	return m.agentHasRunningRunSinceFunc(ctx, agentID, since)
}

func (m *mockRepository) ReclaimAgentLeases(ctx context.Context, agentID string) (int, error) {
	return m.reclaimAgentLeasesFunc(ctx, agentID)
}

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		HeartbeatTimeout: 120 * time.Second,
		RunningRunGrace:  10 * time.Minute,
		LeaseDuration:    60 * time.Minute,
		StuckRunGrace:    5 * time.Minute,
	}
}

func TestAcquireUsesConfiguredDuration(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)

	var gotExpiry time.Time
	repo := &mockRepository{
		acquireLeaseFunc: func(_ context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error) {
			gotExpiry = expiresAt
			return &domain.Lease{TaskID: taskID, AgentID: agentID, ExpiresAt: expiresAt}, nil
		},
	}
	mgr := NewManager(repo, testSchedulerConfig(), WithClock(clk))

	lease, err := mgr.Acquire(context.Background(), "task-1", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", lease.TaskID)
	assert.Equal(t, now.Add(60*time.Minute), gotExpiry)
}

func TestAcquireHeldLease(t *testing.T) {
	repo := &mockRepository{
		acquireLeaseFunc: func(context.Context, string, string, time.Time) (*domain.Lease, error) {
			return nil, domain.ErrLeaseHeld
		},
	}
	mgr := NewManager(repo, testSchedulerConfig())

	_, err := mgr.Acquire(context.Background(), "task-1", "agent-2")
	require.ErrorIs(t, err, domain.ErrLeaseHeld)
}

func TestReclaimDeadAgents(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	cfg := testSchedulerConfig()

	var gotCutoff time.Time
	var reclaimedAgents []string
	repo := &mockRepository{
		listDeadAgentsFunc: func(_ context.Context, cutoff time.Time) ([]*domain.Agent, error) {
			gotCutoff = cutoff
			return []*domain.Agent{{ID: "agent-dead"}, {ID: "agent-inflight"}}, nil
		},
		agentHasRunningRunSinceFunc: func(_ context.Context, agentID string, since time.Time) (bool, error) {
			assert.Equal(t, now.Add(-cfg.RunningRunGrace), since)
			return agentID == "agent-inflight", nil
		},
		reclaimAgentLeasesFunc: func(_ context.Context, agentID string) (int, error) {
			reclaimedAgents = append(reclaimedAgents, agentID)
			return 2, nil
		},
	}
	mgr := NewManager(repo, cfg, WithClock(clk))

	n, err := mgr.ReclaimDeadAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, now.Add(-cfg.HeartbeatTimeout), gotCutoff)
	assert.Equal(t, []string{"agent-dead"}, reclaimedAgents,
		"agent with a recent running run must be skipped")
}

func TestReclaimContinuesPastPerAgentErrors(t *testing.T) {
	repo := &mockRepository{
		listDeadAgentsFunc: func(context.Context, time.Time) ([]*domain.Agent, error) {
			return []*domain.Agent{{ID: "agent-a"}, {ID: "agent-b"}}, nil
		},
		agentHasRunningRunSinceFunc: func(context.Context, string, time.Time) (bool, error) {
			return false, nil
		},
		reclaimAgentLeasesFunc: func(_ context.Context, agentID string) (int, error) {
			if agentID == "agent-a" {
				return 0, assert.AnError
			}
			return 1, nil
		},
	}
	mgr := NewManager(repo, testSchedulerConfig())

	n, err := mgr.ReclaimDeadAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHeartbeatStalenessIsStrict(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	timeout := 120 * time.Second

	atTimeout := now.Add(-timeout)
	withinTimeout := now.Add(-timeout + time.Millisecond)
	exactlyAtTimeout := &domain.Agent{ID: "a", LastHeartbeat: &atTimeout}
	justInside := &domain.Agent{ID: "b", LastHeartbeat: &withinTimeout}

	assert.False(t, exactlyAtTimeout.HealthyAt(now, timeout),
		"heartbeat exactly timeout old is stale")
	assert.True(t, justInside.HealthyAt(now, timeout))
}

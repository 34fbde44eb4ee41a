// Package lease owns the lease lifecycle: acquisition at dispatch, renewal
// through agent heartbeats, and reclamation of leases held by dead agents.
package lease

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/metrics"
)

// Manager coordinates leases between dispatchers and the cleanup sweep.
type Manager struct {
	repo Repository
	cfg  config.SchedulerConfig
	clk  clock.Clock
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(m *Manager) { m.clk = clk }
}

// NewManager creates a lease manager with the given repository and timing.
func NewManager(repo Repository, cfg config.SchedulerConfig, opts ...Option) *Manager {
	m := &Manager{repo: repo, cfg: cfg, clk: clock.WallClock}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire reserves taskID for agentID for the configured lease duration.
func (m *Manager) Acquire(ctx context.Context, taskID, agentID string) (*domain.Lease, error) {
	expiresAt := m.clk.Now().UTC().Add(m.cfg.LeaseDuration)
	lease, err := m.repo.AcquireLease(ctx, taskID, agentID, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for task %s: %w", taskID, err)
	}
	return lease, nil
}

// Release drops the lease held by agentID on taskID.
func (m *Manager) Release(ctx context.Context, taskID, agentID string) error {
	return m.repo.ReleaseLease(ctx, taskID, agentID)
}

// Heartbeat records agent liveness. Registration and re-idling go through
// here; a busy agent's status is left alone.
func (m *Manager) Heartbeat(ctx context.Context, agentID string, role domain.AgentRole) error {
	if err := m.repo.RecordHeartbeat(ctx, agentID, role, m.clk.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record heartbeat for agent %s: %w", agentID, err)
	}
	return nil
}

// ReclaimDeadAgents sweeps agents whose heartbeat is older than the timeout
// and recovers their leased tasks. Agents with a running run younger than the
// grace window are skipped: long in-flight work survives heartbeat jitter.
// Returns the number of tasks returned to the queue.
func (m *Manager) ReclaimDeadAgents(ctx context.Context) (int, error) {
	now := m.clk.Now().UTC()
	cutoff := now.Add(-m.cfg.HeartbeatTimeout)

	dead, err := m.repo.ListDeadAgents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list dead agents: %w", err)
	}

	var reclaimed int
	for _, agent := range dead {
		graceStart := now.Add(-m.cfg.RunningRunGrace)
		recent, err := m.repo.AgentHasRunningRunSince(ctx, agent.ID, graceStart)
		if err != nil {
			slog.ErrorContext(ctx, "failed to check in-flight runs",
				"agent_id", agent.ID, "error", err)
			continue
		}
		if recent {
			slog.DebugContext(ctx, "skipping reclamation, agent has a recent running run",
				"agent_id", agent.ID)
			continue
		}

		n, err := m.repo.ReclaimAgentLeases(ctx, agent.ID)
		if err != nil {
			slog.ErrorContext(ctx, "failed to reclaim agent leases",
				"agent_id", agent.ID, "error", err)
			continue
		}
		if n > 0 {
			metrics.LeasesReclaimed.Add(float64(n))
			slog.InfoContext(ctx, "reclaimed leases from dead agent",
				"agent_id", agent.ID, "tasks_requeued", n)
		}
		reclaimed += n
	}
	return reclaimed, nil
}

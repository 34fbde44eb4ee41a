package agentexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
)

// poolAgent is one logical agent identity owned by the daemon.
type poolAgent struct {
	id   string
	role domain.AgentRole
}

// Pool owns the daemon's logical agents. Heartbeating is what registers an
// agent and keeps it eligible for dispatch; when the daemon dies the
// heartbeats stop and the cleanup sweep reclaims its leases.
type Pool struct {
	leases   *lease.Manager
	agents   []poolAgent
	interval time.Duration
	clk      clock.Clock
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolClock injects a clock for tests.
func WithPoolClock(clk clock.Clock) PoolOption {
	return func(p *Pool) { p.clk = clk }
}

// NewPool builds the agent pool for one daemon instance. Agent ids embed the
// instance id so two daemons sharing a store never collide.
func NewPool(leases *lease.Manager, cfg config.WorkerConfig, instanceID string, opts ...PoolOption) (*Pool, error) {
	if cfg.WorkerAgents+cfg.TesterAgents+cfg.DocserAgents == 0 {
		return nil, fmt.Errorf("agent pool is empty, nothing would ever be dispatched")
	}
	p := &Pool{
		leases:   leases,
		interval: cfg.HeartbeatInterval,
		clk:      clock.WallClock,
	}
	sizes := []struct {
		role domain.AgentRole
		n    int
	}{
		{domain.RoleWorker, cfg.WorkerAgents},
		{domain.RoleTester, cfg.TesterAgents},
		{domain.RoleDocser, cfg.DocserAgents},
	}
	for _, s := range sizes {
		for i := 1; i <= s.n; i++ {
			p.agents = append(p.agents, poolAgent{
				id:   fmt.Sprintf("%s-%s-%d", s.role, instanceID, i),
				role: s.role,
			})
		}
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// AgentIDs returns the pool's agent ids, workers first.
func (p *Pool) AgentIDs() []string {
	ids := make([]string, len(p.agents))
	for i, a := range p.agents {
		ids[i] = a.id
	}
	return ids
}

// Run registers the agents and renews their heartbeats until ctx is
// cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.heartbeatAll(ctx)
	slog.InfoContext(ctx, "agent pool started",
		"agents", len(p.agents), "heartbeat_interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "agent pool stopped")
			return nil
		case <-p.clk.After(p.interval):
		}
		p.heartbeatAll(ctx)
	}
}

func (p *Pool) heartbeatAll(ctx context.Context) {
	for _, a := range p.agents {
		if err := p.leases.Heartbeat(ctx, a.id, a.role); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.ErrorContext(ctx, "agent heartbeat failed",
				"agent_id", a.id, "error", err)
		}
	}
}

package cycle

import (
	"context"
	"fmt"
	"time"

	"github.com/opentiger/tiger/internal/domain"
)

// Anomaly kinds reported by the monitor tick.
const (
	AnomalyStuckTask       = "stuck_task"
	AnomalyHighFailureRate = "high_failure_rate"
	AnomalyCostSpike       = "cost_spike"
	AnomalyNoProgress      = "no_progress"
	AnomalyAgentTimeout    = "agent_timeout"
)

// Anomaly severities. A critical anomaly ends the cycle.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// warningRatio is the fraction of a hard limit at which the softer warning
// anomaly fires.
const warningRatio = 0.8

// Anomaly is one monitor finding. Key identifies the finding across ticks so
// detections and clears pair up.
type Anomaly struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	Subject  string `json:"subject,omitempty"`
	Detail   string `json:"detail"`
}

// Key is the identity of the anomaly across ticks.
func (a Anomaly) Key() string {
	return a.Kind + ":" + a.Subject
}

// scanAnomalies runs every anomaly check against the current cycle state.
func (c *Controller) scanAnomalies(ctx context.Context, cycle *domain.Cycle, stats domain.CycleStats) ([]Anomaly, error) {
	now := c.clk.Now().UTC()
	var found []Anomaly

	overdue, err := c.repo.ListOverdueRuns(ctx, now, c.sched.StuckRunGrace)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue runs: %w", err)
	}
	for _, o := range overdue {
		found = append(found, Anomaly{
			Kind:     AnomalyStuckTask,
			Severity: SeverityWarning,
			Subject:  o.Task.ID,
			Detail: fmt.Sprintf("run %s exceeded timebox of %dm by %s",
				o.Run.ID, o.Task.TimeboxMinutes, now.Sub(o.Run.StartedAt)-time.Duration(o.Task.TimeboxMinutes)*time.Minute),
		})
	}

	if stats.TasksFinished() >= c.cfg.MinTasksForFailureCheck {
		rate := stats.FailureRate()
		if rate > c.cfg.MaxFailureRate*warningRatio {
			found = append(found, Anomaly{
				Kind:     AnomalyHighFailureRate,
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("failure rate %.2f approaching limit %.2f", rate, c.cfg.MaxFailureRate),
			})
		}
	}

	if c.cfg.CostLimitUSD > 0 {
		switch {
		case stats.TotalCostUSD > c.cfg.CostLimitUSD:
			found = append(found, Anomaly{
				Kind:     AnomalyCostSpike,
				Severity: SeverityCritical,
				Detail:   fmt.Sprintf("cycle cost $%.2f exceeded limit $%.2f", stats.TotalCostUSD, c.cfg.CostLimitUSD),
			})
		case stats.TotalCostUSD > c.cfg.CostLimitUSD*warningRatio:
			found = append(found, Anomaly{
				Kind:     AnomalyCostSpike,
				Severity: SeverityWarning,
				Detail:   fmt.Sprintf("cycle cost $%.2f approaching limit $%.2f", stats.TotalCostUSD, c.cfg.CostLimitUSD),
			})
		}
	}

	counts, err := c.repo.CountTasksByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	pending := counts[domain.TaskQueued] + counts[domain.TaskRunning]
	if pending > 0 && c.cfg.NoProgressWindow > 0 {
		last, err := c.repo.LastProgressAt(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch last progress: %w", err)
		}
		since := cycle.StartedAt
		if last != nil && last.After(since) {
			since = *last
		}
		if now.Sub(since) > c.cfg.NoProgressWindow {
			found = append(found, Anomaly{
				Kind:     AnomalyNoProgress,
				Severity: SeverityWarning,
				Detail: fmt.Sprintf("%d pending tasks and no task finished since %s",
					pending, since.Format(time.RFC3339)),
			})
		}
	}

	dead, err := c.repo.ListDeadAgents(ctx, now.Add(-c.sched.HeartbeatTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to list dead agents: %w", err)
	}
	for _, agent := range dead {
		found = append(found, Anomaly{
			Kind:     AnomalyAgentTimeout,
			Severity: SeverityWarning,
			Subject:  agent.ID,
			Detail:   fmt.Sprintf("agent %s missed heartbeats beyond %s", agent.ID, c.sched.HeartbeatTimeout),
		})
	}

	return found, nil
}

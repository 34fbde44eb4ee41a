package domain

import "time"

// AgentStatus is the registration state of a worker process.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Agent is a worker process capable of executing one task at a time.
// status=busy implies CurrentTaskID is non-empty and a matching lease exists.
type Agent struct {
	ID            string
	Role          AgentRole
	Status        AgentStatus
	CurrentTaskID string
	LastHeartbeat *time.Time
	Metadata      map[string]string
}

// HealthyAt reports whether the agent heartbeated within timeout of now.
// The comparison is strict: a heartbeat exactly timeout old is stale.
func (a *Agent) HealthyAt(now time.Time, timeout time.Duration) bool {
	if a.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*a.LastHeartbeat) < timeout
}

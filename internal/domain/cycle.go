package domain

import "time"

// CycleStatus is the state of a supervisor epoch.
type CycleStatus string

const (
	CycleRunning   CycleStatus = "running"
	CycleCompleted CycleStatus = "completed"
	CycleAborted   CycleStatus = "aborted"
)

// TriggerType names the condition that ended a cycle.
type TriggerType string

const (
	TriggerTime        TriggerType = "time"
	TriggerTaskCount   TriggerType = "task_count"
	TriggerFailureRate TriggerType = "failure_rate"
	TriggerManual      TriggerType = "manual"
)

// CycleStats aggregates task and run outcomes within one cycle.
type CycleStats struct {
	TasksCompleted int     `json:"tasksCompleted"`
	TasksFailed    int     `json:"tasksFailed"`
	TasksCancelled int     `json:"tasksCancelled"`
	TotalTokens    int64   `json:"totalTokens"`
	TotalCostUSD   float64 `json:"totalCostUSD"`
	RunsTotal      int     `json:"runsTotal"`
	PRsOpened      int     `json:"prsOpened"`
	PRsMerged      int     `json:"prsMerged"`
}

// TasksFinished is the count of tasks that reached any terminal state.
func (s CycleStats) TasksFinished() int {
	return s.TasksCompleted + s.TasksFailed + s.TasksCancelled
}

// FailureRate is failed over finished; zero when nothing finished.
func (s CycleStats) FailureRate() float64 {
	total := s.TasksFinished()
	if total == 0 {
		return 0
	}
	return float64(s.TasksFailed) / float64(total)
}

// Cycle is a bounded supervisor epoch. Numbers are strictly increasing and
// unique; at most one cycle is running at a time.
type Cycle struct {
	ID          string
	Number      int
	Status      CycleStatus
	StartedAt   time.Time
	EndedAt     *time.Time
	TriggerType TriggerType
	EndReason   string
	Stats       CycleStats
}

// Package memory implements every repository interface of the engine plus
// the durable queue in process memory. It backs single-node deployments and
// integration tests that should not need PostgreSQL.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/opentiger/tiger/internal/application/cycle"
	"github.com/opentiger/tiger/internal/application/dispatch"
	"github.com/opentiger/tiger/internal/application/judge"
	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/application/retry"
	"github.com/opentiger/tiger/internal/application/runs"
	"github.com/opentiger/tiger/internal/domain"
)

// Store keeps the whole engine state behind one mutex. The same method set
// as the postgres store, minus durability.
type Store struct {
	mu  sync.Mutex
	clk clock.Clock

	tasks  map[string]*domain.Task
	agents map[string]*domain.Agent
	leases map[string]*domain.Lease // keyed by task id
	runs   map[string]*domain.Run
	cycles []*domain.Cycle
	events []*domain.Event
	jobs   map[string]*memJob

	cancelSubs []chan string

	queueMaxAttempts int
}

var (
	_ lease.Repository    = (*Store)(nil)
	_ queue.Queue         = (*Store)(nil)
	_ dispatch.Repository = dispatchView{}
	_ retry.Repository    = retryView{}
	_ runs.Repository     = runsView{}
	_ judge.Repository    = judgeView{}
	_ cycle.Repository    = cycleView{}
)

// Option configures a Store.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clk = clk }
}

// WithQueueMaxAttempts sets the delivery attempt ceiling stamped on new jobs.
func WithQueueMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueMaxAttempts = n
		}
	}
}

// NewStore creates an empty in-memory store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		clk:              clock.WallClock,
		tasks:            make(map[string]*domain.Task),
		agents:           make(map[string]*domain.Agent),
		leases:           make(map[string]*domain.Lease),
		runs:             make(map[string]*domain.Run),
		jobs:             make(map[string]*memJob),
		queueMaxAttempts: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Lease exposes the store as the lease manager's repository.
func (s *Store) Lease() lease.Repository { return s }

// Dispatch exposes the store as the dispatcher's repository.
func (s *Store) Dispatch() dispatch.Repository { return dispatchView{s} }

// Retry exposes the store as the retry controller's repository.
func (s *Store) Retry() retry.Repository { return retryView{s} }

// Runs exposes the store as the run settlement repository.
func (s *Store) Runs() runs.Repository { return runsView{s} }

// Judge exposes the store as the judge gateway's repository.
func (s *Store) Judge() judge.Repository { return judgeView{s} }

// Cycle exposes the store as the cycle controller's repository.
func (s *Store) Cycle() cycle.Repository { return cycleView{s} }

// The in-process store has no transactions; Atomic runs the callback against
// the same store. Callers still get the error-propagation contract, not
// isolation, which is enough for a single supervisor process.

type dispatchView struct{ *Store }

func (v dispatchView) Atomic(ctx context.Context, fn func(ctx context.Context, r dispatch.Repository) error) error {
	return fn(ctx, v)
}

func (v dispatchView) FinishRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, finishedAt time.Time) error {
	return v.finishRun(runID, status, errorMessage, nil, finishedAt)
}

type retryView struct{ *Store }

func (v retryView) Atomic(ctx context.Context, fn func(ctx context.Context, r retry.Repository) error) error {
	return fn(ctx, v)
}

type runsView struct{ *Store }

func (v runsView) Atomic(ctx context.Context, fn func(ctx context.Context, r runs.Repository) error) error {
	return fn(ctx, v)
}

func (v runsView) FinishRun(ctx context.Context, runID string, status domain.RunStatus, errorMessage string, meta *domain.ErrorMeta, finishedAt time.Time) error {
	return v.finishRun(runID, status, errorMessage, meta, finishedAt)
}

func (v runsView) CompleteTask(ctx context.Context, taskID string) error {
	return v.completeTaskFrom(taskID, domain.TaskRunning, domain.BlockNone)
}

type judgeView struct{ *Store }

func (v judgeView) Atomic(ctx context.Context, fn func(ctx context.Context, r judge.Repository) error) error {
	return fn(ctx, v)
}

func (v judgeView) CompleteTask(ctx context.Context, taskID string) error {
	return v.completeTaskFrom(taskID, domain.TaskBlocked, domain.BlockAwaitingJudge)
}

type cycleView struct{ *Store }

func (v cycleView) Atomic(ctx context.Context, fn func(ctx context.Context, r cycle.Repository) error) error {
	return fn(ctx, v)
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	return &c
}

func cloneAgent(a *domain.Agent) *domain.Agent {
	c := *a
	return &c
}

func cloneRun(r *domain.Run) *domain.Run {
	c := *r
	return &c
}

func cloneCycle(c *domain.Cycle) *domain.Cycle {
	cp := *c
	return &cp
}

// CreateTask inserts a validated task.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = cloneTask(task)
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneTask(t), nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// SetTaskTargetArea persists a freshly derived target area, write-once.
func (s *Store) SetTaskTargetArea(ctx context.Context, taskID, area string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	if t.TargetArea != "" {
		return domain.ErrTargetAreaImmutable
	}
	t.TargetArea = area
	t.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// ListActivePeers returns queued and running tasks other than excludeTaskID.
func (s *Store) ListActivePeers(ctx context.Context, excludeTaskID string) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.ID == excludeTaskID {
			continue
		}
		if t.Status == domain.TaskQueued || t.Status == domain.TaskRunning {
			out = append(out, cloneTask(t))
		}
	}
	return out, nil
}

// CountUnmetDependencies reports how many of the task ids are not done.
func (s *Store) CountUnmetDependencies(ctx context.Context, taskIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unmet := 0
	for _, id := range taskIDs {
		t, ok := s.tasks[id]
		if !ok || t.Status != domain.TaskDone {
			unmet++
		}
	}
	return unmet, nil
}

// TransitionTask CASes task.status from one state to another.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from, to domain.TaskStatus) error {
	if !domain.CanTransition(from, to) {
		return domain.ErrInvalidTransition
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != from {
		return domain.ErrStaleTransition
	}
	t.Status = to
	if to != domain.TaskBlocked {
		t.BlockReason = domain.BlockNone
	}
	t.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// FailTask CASes the task from running to failed.
func (s *Store) FailTask(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskRunning {
		return domain.ErrStaleTransition
	}
	t.Status = domain.TaskFailed
	t.BlockReason = domain.BlockNone
	t.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// RequeueTask CASes the task from running to queued with the new retry count.
func (s *Store) RequeueTask(ctx context.Context, taskID string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskRunning {
		return domain.ErrStaleTransition
	}
	t.Status = domain.TaskQueued
	t.BlockReason = domain.BlockNone
	t.RetryCount = retryCount
	t.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// BlockTask CASes the task from running to blocked with the reason.
func (s *Store) BlockTask(ctx context.Context, taskID string, reason domain.BlockReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskRunning {
		return domain.ErrStaleTransition
	}
	t.Status = domain.TaskBlocked
	t.BlockReason = reason
	t.UpdatedAt = s.clk.Now().UTC()
	return nil
}

func (s *Store) completeTaskFrom(taskID string, from domain.TaskStatus, reason domain.BlockReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != from || t.BlockReason != reason {
		return domain.ErrStaleTransition
	}
	t.Status = domain.TaskDone
	t.BlockReason = domain.BlockNone
	t.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// ListAwaitingJudge returns tasks parked at the judge gate, oldest first.
func (s *Store) ListAwaitingJudge(ctx context.Context) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskBlocked && t.BlockReason == domain.BlockAwaitingJudge {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// MarkNeedsRework swaps the block reason from awaiting_judge to needs_rework.
func (s *Store) MarkNeedsRework(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskBlocked || t.BlockReason != domain.BlockAwaitingJudge {
		return domain.ErrStaleTransition
	}
	t.BlockReason = domain.BlockNeedsRework
	t.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// RequeueReworkTask CASes the task from blocked/needs_rework to queued.
func (s *Store) RequeueReworkTask(ctx context.Context, taskID string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != domain.TaskBlocked || t.BlockReason != domain.BlockNeedsRework {
		return domain.ErrStaleTransition
	}
	t.Status = domain.TaskQueued
	t.BlockReason = domain.BlockNone
	t.RetryCount = retryCount
	t.UpdatedAt = s.clk.Now().UTC()
	return nil
}

// CountTasksByStatus returns task counts keyed by status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// LastProgressAt returns when a task last reached a terminal state.
func (s *Store) LastProgressAt(ctx context.Context) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last *time.Time
	for _, t := range s.tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		if last == nil || t.UpdatedAt.After(*last) {
			at := t.UpdatedAt
			last = &at
		}
	}
	return last, nil
}

// RecordHeartbeat upserts the agent row and stamps lastHeartbeat.
func (s *Store) RecordHeartbeat(ctx context.Context, agentID string, role domain.AgentRole, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = now.UTC()
	a, ok := s.agents[agentID]
	if !ok {
		s.agents[agentID] = &domain.Agent{
			ID:            agentID,
			Role:          role,
			Status:        domain.AgentIdle,
			LastHeartbeat: &now,
		}
		return nil
	}
	a.Role = role
	a.LastHeartbeat = &now
	if a.Status != domain.AgentBusy {
		a.Status = domain.AgentIdle
	}
	return nil
}

// ListDeadAgents returns non-offline agents with a heartbeat strictly before
// cutoff, or none at all.
func (s *Store) ListDeadAgents(ctx context.Context, cutoff time.Time) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Agent
	for _, a := range s.agents {
		if a.Status == domain.AgentOffline {
			continue
		}
		if a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff) {
			out = append(out, cloneAgent(a))
		}
	}
	return out, nil
}

// ListEligibleAgents returns idle agents of the role heartbeating after
// cutoff, least recently used first.
func (s *Store) ListEligibleAgents(ctx context.Context, role domain.AgentRole, cutoff time.Time) ([]*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Agent
	for _, a := range s.agents {
		if a.Role != role || a.Status != domain.AgentIdle {
			continue
		}
		if a.LastHeartbeat == nil || !a.LastHeartbeat.After(cutoff) {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastHeartbeat.Before(*out[j].LastHeartbeat)
	})
	return out, nil
}

// MarkAgentBusy CASes the agent from idle to busy.
func (s *Store) MarkAgentBusy(ctx context.Context, agentID, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok || a.Status != domain.AgentIdle {
		return domain.ErrStaleTransition
	}
	a.Status = domain.AgentBusy
	a.CurrentTaskID = taskID
	return nil
}

// MarkAgentIdle clears the current task and sets a busy agent idle.
func (s *Store) MarkAgentIdle(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok || a.Status != domain.AgentBusy {
		return nil
	}
	a.Status = domain.AgentIdle
	a.CurrentTaskID = ""
	return nil
}

// ResetOfflineAgents clears stale current task pointers on offline agents.
func (s *Store) ResetOfflineAgents(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.agents {
		if a.Status == domain.AgentOffline && a.CurrentTaskID != "" {
			a.CurrentTaskID = ""
			n++
		}
	}
	return n, nil
}

// AgentHasRunningRunSince reports whether the agent owns a running run
// started at or after the given time.
func (s *Store) AgentHasRunningRunSince(ctx context.Context, agentID string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.AgentID == agentID && r.Status == domain.RunRunning && !r.StartedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

// AcquireLease creates the exclusive lease for the task, replacing an
// expired one.
func (s *Store) AcquireLease(ctx context.Context, taskID, agentID string, expiresAt time.Time) (*domain.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UTC()
	if existing, ok := s.leases[taskID]; ok && !existing.ExpiredAt(now) {
		return nil, domain.ErrLeaseHeld
	}
	l := &domain.Lease{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		AgentID:   agentID,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: now,
	}
	s.leases[taskID] = l
	c := *l
	return &c, nil
}

// ReleaseLease deletes the lease for the task when owned by the agent.
func (s *Store) ReleaseLease(ctx context.Context, taskID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.leases[taskID]; ok && l.AgentID == agentID {
		delete(s.leases, taskID)
	}
	return nil
}

// ReclaimAgentLeases requeues every leased running task of the agent, drops
// its leases, and marks the agent offline.
func (s *Store) ReclaimAgentLeases(ctx context.Context, agentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requeued := 0
	for taskID, l := range s.leases {
		if l.AgentID != agentID {
			continue
		}
		if t, ok := s.tasks[taskID]; ok && t.Status == domain.TaskRunning {
			t.Status = domain.TaskQueued
			t.BlockReason = domain.BlockNone
			t.UpdatedAt = s.clk.Now().UTC()
			requeued++
		}
		delete(s.leases, taskID)
	}
	if a, ok := s.agents[agentID]; ok {
		a.Status = domain.AgentOffline
		a.CurrentTaskID = ""
	}
	return requeued, nil
}

// CreateRun inserts a new running attempt.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneRun(r), nil
}

func (s *Store) finishRun(runID string, status domain.RunStatus, errorMessage string, meta *domain.ErrorMeta, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.FinishedAt != nil {
		return domain.ErrStaleTransition
	}
	at := finishedAt.UTC()
	r.Status = status
	r.ErrorMessage = errorMessage
	r.ErrorMeta = meta
	r.FinishedAt = &at
	return nil
}

// LatestUnjudgedRun returns the task's newest successful unjudged run.
func (s *Store) LatestUnjudgedRun(ctx context.Context, taskID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *domain.Run
	for _, r := range s.runs {
		if r.TaskID != taskID || r.Status != domain.RunSuccess || r.JudgedAt != nil {
			continue
		}
		if latest == nil || r.StartedAt.After(latest.StartedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, domain.ErrNotFound
	}
	return cloneRun(latest), nil
}

// SetRunVerdict CASes the verdict onto a run whose judgedAt is still unset.
func (s *Store) SetRunVerdict(ctx context.Context, runID string, verdict domain.Verdict, judgedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.JudgedAt != nil {
		return domain.ErrStaleTransition
	}
	at := judgedAt.UTC()
	r.JudgedAt = &at
	r.Verdict = &verdict
	return nil
}

// ListOverdueRuns returns running runs older than their task's timebox plus
// grace.
func (s *Store) ListOverdueRuns(ctx context.Context, now time.Time, grace time.Duration) ([]*cycle.OverdueRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*cycle.OverdueRun
	for _, r := range s.runs {
		if r.Status != domain.RunRunning {
			continue
		}
		t, ok := s.tasks[r.TaskID]
		if !ok {
			continue
		}
		deadline := r.StartedAt.Add(time.Duration(t.TimeboxMinutes)*time.Minute + grace)
		if deadline.Before(now) {
			out = append(out, &cycle.OverdueRun{Run: cloneRun(r), Task: cloneTask(t)})
		}
	}
	return out, nil
}

// ActiveCycle returns the running cycle.
func (s *Store) ActiveCycle(ctx context.Context) (*domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cycles {
		if c.Status == domain.CycleRunning {
			return cloneCycle(c), nil
		}
	}
	return nil, domain.ErrNotFound
}

// StartCycle creates the next running cycle, or adopts an existing one.
func (s *Store) StartCycle(ctx context.Context, id string, startedAt time.Time) (*domain.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cycles {
		if c.Status == domain.CycleRunning {
			return cloneCycle(c), nil
		}
	}
	number := 0
	for _, c := range s.cycles {
		if c.Number > number {
			number = c.Number
		}
	}
	c := &domain.Cycle{
		ID:        id,
		Number:    number + 1,
		Status:    domain.CycleRunning,
		StartedAt: startedAt.UTC(),
	}
	s.cycles = append(s.cycles, c)
	return cloneCycle(c), nil
}

// EndCycle settles the running cycle with its final stats.
func (s *Store) EndCycle(ctx context.Context, cycleID string, status domain.CycleStatus, trigger domain.TriggerType, endReason string, stats domain.CycleStats, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cycles {
		if c.ID == cycleID && c.Status == domain.CycleRunning {
			at := endedAt.UTC()
			c.Status = status
			c.TriggerType = trigger
			c.EndReason = endReason
			c.Stats = stats
			c.EndedAt = &at
			return nil
		}
	}
	return domain.ErrStaleTransition
}

// SaveCycleStats persists recomputed stats on the cycle.
func (s *Store) SaveCycleStats(ctx context.Context, cycleID string, stats domain.CycleStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cycles {
		if c.ID == cycleID {
			c.Stats = stats
			return nil
		}
	}
	return domain.ErrNotFound
}

// AddCycleUsage accumulates tokens and cost onto the active cycle.
func (s *Store) AddCycleUsage(ctx context.Context, tokens int64, costUSD float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cycles {
		if c.Status == domain.CycleRunning {
			c.Stats.TotalTokens += tokens
			c.Stats.TotalCostUSD += costUSD
			return nil
		}
	}
	return nil
}

// ComputeCycleStats aggregates task and run outcomes since the cycle started.
func (s *Store) ComputeCycleStats(ctx context.Context, cyc *domain.Cycle) (domain.CycleStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.CycleStats
	since := cyc.StartedAt
	for _, t := range s.tasks {
		if t.UpdatedAt.Before(since) {
			continue
		}
		switch t.Status {
		case domain.TaskDone:
			stats.TasksCompleted++
		case domain.TaskFailed:
			stats.TasksFailed++
		case domain.TaskCancelled:
			stats.TasksCancelled++
		}
	}
	for _, r := range s.runs {
		if !r.StartedAt.Before(since) {
			stats.RunsTotal++
		}
	}
	for _, e := range s.events {
		if e.CreatedAt.Before(since) {
			continue
		}
		switch e.Type {
		case domain.EventPROpened:
			stats.PRsOpened++
		case domain.EventPRMerged:
			stats.PRsMerged++
		}
	}
	for _, c := range s.cycles {
		if c.ID == cyc.ID {
			stats.TotalTokens = c.Stats.TotalTokens
			stats.TotalCostUSD = c.Stats.TotalCostUSD
		}
	}
	return stats, nil
}

// AppendEvent inserts one audit event.
func (s *Store) AppendEvent(ctx context.Context, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := *event
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clk.Now().UTC()
	}
	s.events = append(s.events, &e)
	return nil
}

// LastEventOfType returns the newest event of the type.
func (s *Store) LastEventOfType(ctx context.Context, eventType string) (*domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == eventType {
			e := *s.events[i]
			return &e, nil
		}
	}
	return nil, domain.ErrNotFound
}

// ListEventsByTypePrefix returns events whose type starts with the prefix,
// oldest first so callers can replay them in order.
func (s *Store) ListEventsByTypePrefix(ctx context.Context, prefix string, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Event
	for _, e := range s.events {
		if strings.HasPrefix(e.Type, prefix) {
			c := *e
			out = append(out, &c)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ListEventsForEntity returns the audit trail of one entity, newest first.
func (s *Store) ListEventsForEntity(ctx context.Context, entityType, entityID string, limit int) ([]*domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		if e.EntityType == entityType && e.EntityID == entityID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

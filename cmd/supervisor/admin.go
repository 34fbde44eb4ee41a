package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"github.com/opentiger/tiger/internal/application/cycle"
	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/application/retry"
	"github.com/opentiger/tiger/internal/application/runs"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/domain"
	"github.com/opentiger/tiger/internal/infrastructure/persistence/postgres"
	"github.com/opentiger/tiger/internal/infrastructure/snapshot"
)

// oneShotController builds a cycle controller for a single administrative
// operation. No replanner and no archiver; those belong to the daemon.
func oneShotController(cfg *config.Config, store *postgres.Store) (*cycle.Controller, error) {
	leases := lease.NewManager(store.Lease(), cfg.Scheduler)
	retrier, err := retry.NewController(store.Retry(), leases, store, cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry controller: %w", err)
	}
	runsSvc := runs.NewService(store.Runs(), leases, retrier)
	return cycle.NewController(store.Cycle(), leases, store, runsSvc, nil,
		cfg.Cycle, cfg.Scheduler), nil
}

func runStatus(ctx context.Context, cfg *config.Config, store *postgres.Store) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	active, err := store.ActiveCycle(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		fmt.Fprintln(w, "cycle:\tnone running")
	case err != nil:
		return fmt.Errorf("failed to fetch active cycle: %w", err)
	default:
		stats, err := store.ComputeCycleStats(ctx, active)
		if err != nil {
			return fmt.Errorf("failed to compute cycle stats: %w", err)
		}
		fmt.Fprintf(w, "cycle:\t#%d (%s)\n", active.Number, active.ID)
		fmt.Fprintf(w, "started:\t%s (%s ago)\n",
			active.StartedAt.Format(time.RFC3339), time.Since(active.StartedAt).Round(time.Second))
		fmt.Fprintf(w, "completed:\t%d\n", stats.TasksCompleted)
		fmt.Fprintf(w, "failed:\t%d\n", stats.TasksFailed)
		fmt.Fprintf(w, "cancelled:\t%d\n", stats.TasksCancelled)
		fmt.Fprintf(w, "runs:\t%d\n", stats.RunsTotal)
		fmt.Fprintf(w, "prs:\t%d opened, %d merged\n", stats.PRsOpened, stats.PRsMerged)
		fmt.Fprintf(w, "tokens:\t%d\n", stats.TotalTokens)
		fmt.Fprintf(w, "cost:\t$%.2f", stats.TotalCostUSD)
		if cfg.Cycle.CostLimitUSD > 0 {
			fmt.Fprintf(w, " (limit $%.2f)", cfg.Cycle.CostLimitUSD)
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "failure rate:\t%.2f (limit %.2f)\n",
			stats.FailureRate(), cfg.Cycle.MaxFailureRate)
	}

	counts, err := store.CountTasksByStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to count tasks: %w", err)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "tasks:")
	for _, status := range []domain.TaskStatus{
		domain.TaskQueued, domain.TaskRunning, domain.TaskBlocked,
		domain.TaskDone, domain.TaskFailed, domain.TaskCancelled,
	} {
		fmt.Fprintf(w, "  %s:\t%d\n", status, counts[status])
	}

	depth, err := store.Depth(ctx, queue.SharedQueue)
	if err != nil {
		return fmt.Errorf("failed to read queue depth: %w", err)
	}
	dead, err := store.ListDeadLetters(ctx, 1000)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "queue depth:\t%d\n", depth)
	fmt.Fprintf(w, "dead letters:\t%d\n", len(dead))

	anomalies, err := activeAnomalies(ctx, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "anomalies:\t%d\n", len(anomalies))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "config:")
	fmt.Fprintf(w, "  heartbeat timeout:\t%s\n", cfg.Scheduler.HeartbeatTimeout)
	fmt.Fprintf(w, "  lease duration:\t%s\n", cfg.Scheduler.LeaseDuration)
	fmt.Fprintf(w, "  cycle max duration:\t%s\n", cfg.Cycle.MaxDuration)
	fmt.Fprintf(w, "  cycle max tasks:\t%d\n", cfg.Cycle.MaxTasks)
	fmt.Fprintf(w, "  global retry limit:\t%d\n", cfg.Retry.GlobalRetryLimit)
	fmt.Fprintf(w, "  auto replan:\t%t\n", cfg.Replan.AutoReplan)
	return nil
}

// activeAnomalies replays anomaly events to reconstruct the set the monitor
// currently considers active.
func activeAnomalies(ctx context.Context, store *postgres.Store) (map[string]cycle.Anomaly, error) {
	events, err := store.ListEventsByTypePrefix(ctx, "anomaly.", 500)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomaly events: %w", err)
	}
	active := make(map[string]cycle.Anomaly)
	for _, e := range events {
		switch e.Type {
		case domain.EventAnomalyDetected:
			var a cycle.Anomaly
			if err := json.Unmarshal(e.Payload, &a); err != nil {
				continue
			}
			active[e.EntityID] = a
		case domain.EventAnomalyCleared:
			delete(active, e.EntityID)
		}
	}
	return active, nil
}

func runAnomalies(ctx context.Context, store *postgres.Store) error {
	active, err := activeAnomalies(ctx, store)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		fmt.Println("no active anomalies")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "KIND\tSEVERITY\tSUBJECT\tDETAIL")
	for _, a := range active {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Kind, a.Severity, a.Subject, a.Detail)
	}
	return nil
}

func runClearAnomalies(ctx context.Context, store *postgres.Store) error {
	active, err := activeAnomalies(ctx, store)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for key, a := range active {
		err := store.AppendEvent(ctx, &domain.Event{
			ID:         uuid.NewString(),
			Type:       domain.EventAnomalyCleared,
			EntityType: domain.EntityCycle,
			EntityID:   key,
			Payload:    domain.NewPayload(a),
			CreatedAt:  now,
		})
		if err != nil {
			return fmt.Errorf("failed to clear anomaly %s: %w", key, err)
		}
	}
	fmt.Printf("cleared %d anomalies\n", len(active))
	return nil
}

func runEndCycle(ctx context.Context, cfg *config.Config, store *postgres.Store, args []string) error {
	fs := flag.NewFlagSet("end-cycle", flag.ContinueOnError)
	reason := fs.String("reason", "", "reason recorded on the cycle end event")
	if err := fs.Parse(args); err != nil {
		return err
	}

	controller, err := oneShotController(cfg, store)
	if err != nil {
		return err
	}

	_, err = store.ActiveCycle(ctx)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		// Nothing to end, just start one.
	case err != nil:
		return fmt.Errorf("failed to fetch active cycle: %w", err)
	default:
		controller.RequestManualEnd(*reason)
		if err := controller.MonitorTick(ctx); err != nil {
			return fmt.Errorf("failed to end cycle: %w", err)
		}
	}

	active, err := controller.EnsureCycle(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("cycle #%d running (%s)\n", active.Number, active.ID)
	return nil
}

func runCleanup(ctx context.Context, cfg *config.Config, store *postgres.Store) error {
	controller, err := oneShotController(cfg, store)
	if err != nil {
		return err
	}
	if err := controller.CleanupTick(ctx); err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	fmt.Println("cleanup complete")
	return nil
}

func runDeadLetters(ctx context.Context, store *postgres.Store) error {
	jobs, err := store.ListDeadLetters(ctx, 100)
	if err != nil {
		return fmt.Errorf("failed to list dead letters: %w", err)
	}
	if len(jobs) == 0 {
		fmt.Println("no dead-lettered jobs")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "JOB\tNAME\tTASK\tATTEMPTS\tSTALLED\tCREATED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			job.ID, job.Name, job.Envelope.TaskID,
			job.AttemptsMade, job.MaxAttempts, job.StalledCount,
			job.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// submitDoc is the JSON shape accepted by the submit command.
type submitDoc struct {
	Title          string              `json:"title"`
	Goal           string              `json:"goal"`
	Kind           domain.TaskKind     `json:"kind"`
	Role           domain.AgentRole    `json:"role"`
	Lane           domain.TaskLane     `json:"lane"`
	AllowedPaths   []string            `json:"allowedPaths"`
	Commands       []string            `json:"commands"`
	Priority       int                 `json:"priority"`
	RiskLevel      domain.RiskLevel    `json:"riskLevel"`
	Touches        []string            `json:"touches"`
	Dependencies   []string            `json:"dependencies"`
	TimeboxMinutes int                 `json:"timeboxMinutes"`
	Context        *domain.TaskContext `json:"context"`
}

func runSubmit(ctx context.Context, store *postgres.Store, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	file := fs.String("file", "", "path of the task JSON document (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return fmt.Errorf("-file is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("failed to read task document: %w", err)
	}
	var doc submitDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse task document: %w", err)
	}

	now := time.Now().UTC()
	task := &domain.Task{
		ID:             uuid.NewString(),
		Title:          doc.Title,
		Goal:           doc.Goal,
		Kind:           doc.Kind,
		Role:           doc.Role,
		Lane:           doc.Lane,
		Status:         domain.TaskQueued,
		AllowedPaths:   doc.AllowedPaths,
		Commands:       doc.Commands,
		Priority:       doc.Priority,
		RiskLevel:      doc.RiskLevel,
		Touches:        doc.Touches,
		Dependencies:   doc.Dependencies,
		TimeboxMinutes: doc.TimeboxMinutes,
		Context:        doc.Context,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if task.Kind == "" {
		task.Kind = domain.KindCode
	}
	if task.Role == "" {
		task.Role = domain.RoleWorker
	}
	if task.Lane == "" {
		task.Lane = domain.LaneFeature
	}
	if task.RiskLevel == "" {
		task.RiskLevel = domain.RiskLow
	}
	if task.TimeboxMinutes == 0 {
		task.TimeboxMinutes = 30
	}

	if err := store.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	jobID, err := store.Enqueue(ctx, queue.SharedQueue, queue.TaskJobName(task.ID),
		queue.Envelope{TaskID: task.ID, Priority: task.Priority}, queue.EnqueueOptions{})
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	fmt.Printf("task %s queued (job %s)\n", task.ID, jobID)
	return nil
}

func runCancel(ctx context.Context, store *postgres.Store, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	reason := fs.String("reason", "cancelled by operator", "reason recorded on the cancel event")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: cancel [-reason ...] <task-id>")
	}
	taskID := fs.Arg(0)
	if err := store.CancelTask(ctx, taskID, *reason); err != nil {
		return err
	}
	fmt.Printf("task %s cancelled\n", taskID)
	return nil
}

func runObliterate(ctx context.Context, store *postgres.Store, args []string) error {
	fs := flag.NewFlagSet("obliterate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: obliterate <queue-name-pattern>")
	}
	removed, err := store.Obliterate(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("removed %d jobs\n", removed)
	return nil
}

func runSnapshots(ctx context.Context, cfg *config.Config) error {
	archiver, err := snapshot.New(ctx, cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to create snapshot archiver: %w", err)
	}
	if archiver == nil {
		return fmt.Errorf("snapshot archiving is not configured, set TIGER_SNAPSHOT_TYPE")
	}
	lister, ok := archiver.(snapshot.Lister)
	if !ok {
		return fmt.Errorf("snapshot backend %s does not support listing", cfg.Snapshot.Type)
	}
	names, err := lister.List(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

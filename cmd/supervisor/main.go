// The supervisor runs the task lifecycle engine: queue consumers, the
// dispatcher, the judge gateway and the cycle controller. Without a
// subcommand it runs as a daemon; subcommands are one-shot administrative
// operations against the same database.
//
// Usage:
//
//	tiger-supervisor                 run the daemon
//	tiger-supervisor status          engine and cycle overview
//	tiger-supervisor anomalies       list active anomalies
//	tiger-supervisor clear-anomalies acknowledge active anomalies
//	tiger-supervisor end-cycle       end the running cycle and start the next
//	tiger-supervisor new-cycle       alias for end-cycle, starts a cycle when none runs
//	tiger-supervisor cleanup         reclaim dead agents and cancel stuck runs
//	tiger-supervisor dead-letters    list dead-lettered queue jobs
//	tiger-supervisor submit          create a task from a JSON file and enqueue it
//	tiger-supervisor cancel          cancel a task from any non-terminal state
//	tiger-supervisor obliterate      purge queue jobs by queue name pattern
//	tiger-supervisor snapshots       list archived cycle snapshots
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opentiger/tiger/internal/application/cycle"
	"github.com/opentiger/tiger/internal/application/dispatch"
	"github.com/opentiger/tiger/internal/application/judge"
	"github.com/opentiger/tiger/internal/application/lease"
	"github.com/opentiger/tiger/internal/application/queue"
	"github.com/opentiger/tiger/internal/application/retry"
	"github.com/opentiger/tiger/internal/application/runs"
	"github.com/opentiger/tiger/internal/config"
	"github.com/opentiger/tiger/internal/infrastructure/agentexec"
	"github.com/opentiger/tiger/internal/infrastructure/observability"
	"github.com/opentiger/tiger/internal/infrastructure/persistence/postgres"
	"github.com/opentiger/tiger/internal/infrastructure/snapshot"
	"github.com/opentiger/tiger/internal/infrastructure/subprocess"
	"github.com/opentiger/tiger/internal/metrics"
)

func main() {
	cmd := "daemon"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd = args[0]
		args = args[1:]
	}
	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cmd == "daemon" {
		return runDaemon(ctx, cfg)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	switch cmd {
	case "status":
		return runStatus(ctx, cfg, store)
	case "anomalies":
		return runAnomalies(ctx, store)
	case "clear-anomalies":
		return runClearAnomalies(ctx, store)
	case "end-cycle", "new-cycle":
		return runEndCycle(ctx, cfg, store, args)
	case "cleanup":
		return runCleanup(ctx, cfg, store)
	case "dead-letters":
		return runDeadLetters(ctx, store)
	case "submit":
		return runSubmit(ctx, store, args)
	case "cancel":
		return runCancel(ctx, store, args)
	case "obliterate":
		return runObliterate(ctx, store, args)
	case "snapshots":
		return runSnapshots(ctx, cfg)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*postgres.Store, error) {
	store, err := postgres.NewStoreWithConfig(ctx, cfg.Database,
		postgres.WithQueueMaxAttempts(cfg.Queue.MaxAttempts))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	return store, nil
}

func runDaemon(ctx context.Context, cfg *config.Config) error {
	obsCfg := observability.Config{Enabled: cfg.OTelEnabled, ServiceName: cfg.ServiceName}

	lp, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown logger provider", "error", err)
		}
	}()
	slog.SetDefault(logger)

	tp, err := observability.InitTracerProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown tracer provider", "error", err)
		}
	}()

	mp, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("failed to init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mp.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown meter provider", "error", err)
		}
	}()

	slog.InfoContext(ctx, "starting tiger supervisor")

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runner := subprocess.ExecRunner{}
	leases := lease.NewManager(store.Lease(), cfg.Scheduler)

	retrier, err := retry.NewController(store.Retry(), leases, store, cfg.Retry)
	if err != nil {
		return fmt.Errorf("failed to create retry controller: %w", err)
	}
	runsSvc := runs.NewService(store.Runs(), leases, retrier)

	worker, err := agentexec.NewWorker(runner, runsSvc, cfg.Worker)
	if err != nil {
		return fmt.Errorf("TIGER_WORKER_COMMAND is required for the daemon: %w", err)
	}
	dispatcher := dispatch.New(store.Dispatch(), leases, store, worker, cfg.Scheduler)

	instanceID := uuid.NewString()[:8]
	consumer := queue.NewConsumer(store, dispatcher, queue.SharedQueue, "supervisor-"+instanceID, cfg.Queue)

	pool, err := agentexec.NewPool(leases, cfg.Worker, instanceID)
	if err != nil {
		return fmt.Errorf("failed to build agent pool: %w", err)
	}

	cancellations, err := store.SubscribeToCancellations(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}
	go func() {
		for taskID := range cancellations {
			if worker.Cancel(taskID) {
				slog.InfoContext(ctx, "worker process stopped for cancelled task", "task_id", taskID)
			}
		}
	}()

	archiver, err := snapshot.New(ctx, cfg.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to create snapshot archiver: %w", err)
	}
	if closer, ok := archiver.(io.Closer); ok {
		defer closer.Close()
	}

	replanner := cycle.NewReplanner(store.Cycle(), runner, cfg.Replan, clock.WallClock)
	var ctrlOpts []cycle.Option
	if archiver != nil {
		ctrlOpts = append(ctrlOpts, cycle.WithArchiver(archiver))
	}
	controller := cycle.NewController(store.Cycle(), leases, store, runsSvc, replanner,
		cfg.Cycle, cfg.Scheduler, ctrlOpts...)

	errResult := make(chan error, 1)
	go func() {
		if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errResult <- fmt.Errorf("queue consumer failed: %w", err)
		}
	}()
	go queue.RunStalledSweep(ctx, store, cfg.Queue, clock.WallClock)
	go func() {
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errResult <- fmt.Errorf("agent pool failed: %w", err)
		}
	}()

	if cfg.Worker.SignalsCommand != "" {
		signals, err := agentexec.NewSignalSource(runner, cfg.Worker)
		if err != nil {
			return fmt.Errorf("failed to create signal source: %w", err)
		}
		gateway := judge.NewGateway(store.Judge(), store, signals, cfg.Judge)
		go gateway.Run(ctx)
	} else {
		slog.WarnContext(ctx, "TIGER_SIGNALS_COMMAND not set, judge gateway disabled")
	}

	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errResult <- fmt.Errorf("cycle controller failed: %w", err)
		}
	}()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	select {
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down")
		return nil
	case err := <-errResult:
		return err
	}
}

// serveMetrics exposes the Prometheus registry and shuts down with ctx.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "failed to shutdown metrics server", "error", err)
		}
	}()

	slog.InfoContext(ctx, "metrics endpoint listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.ErrorContext(ctx, "failed to serve metrics", "error", err)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aristath/taskforge/internal/backend"
	"github.com/aristath/taskforge/internal/config"
	"github.com/aristath/taskforge/internal/events"
	"github.com/aristath/taskforge/internal/logging"
	"github.com/aristath/taskforge/internal/orchestrator"
	"github.com/aristath/taskforge/internal/persistence"
	"github.com/aristath/taskforge/internal/scheduler"
	"github.com/aristath/taskforge/internal/worker"
)

// replaySize is the number of recent events kept for snapshots.
const replaySize = 512

// app is the fully wired engine shared by serve, run and import.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *persistence.SQLiteStore
	graph    *scheduler.Graph
	bus      *events.EventBus
	procMgr  *backend.ProcessManager
	registry *prometheus.Registry
	pool     *orchestrator.Pool
	batches  *orchestrator.BatchRunner
}

// newApp opens the store, restores the graph from it and builds the pool.
// Tasks a previous process left IN_PROGRESS come back as READY.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := persistence.NewSQLiteStore(ctx, cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	graph := scheduler.NewGraph(
		scheduler.WithPersister(store),
		scheduler.WithLogger(logging.Component(logger, "graph")),
	)
	tasks, err := store.ListTasks(ctx, "")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	recovered, err := graph.Load(ctx, tasks)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("restoring graph: %w", err)
	}
	for _, t := range recovered {
		logger.Warn("recovered interrupted task", "task_id", t.ID, "status", t.Status)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := orchestrator.NewMetrics(reg)
	bus := events.NewEventBus(events.WithReplay(replaySize), events.WithDropHook(metrics.EventDropped))

	pm := backend.NewProcessManager()
	workers, err := buildRegistry(cfg, pm, logger)
	if err != nil {
		bus.Close()
		store.Close()
		return nil, err
	}

	deps := worker.Deps{
		Graph:    graph,
		Context:  backend.NewFileIndexBuilder(),
		Applier:  backend.NewDirApplier(backend.NewFileLocks()),
		Events:   bus,
		Attempts: store,
		Logger:   logger,
	}
	sc := cfg.Scheduler
	pool := orchestrator.NewPool(orchestrator.Config{
		MaxConcurrent:    sc.MaxConcurrent,
		DispatchInterval: sc.DispatchInterval.Std(),
		IdleAgentTTL:     sc.IdleAgentTTL.Std(),
		Worker: worker.Config{
			MaxAttempts:         sc.MaxAttempts,
			GenerationTimeout:   sc.GenerationTimeout.Std(),
			VerificationTimeout: sc.VerificationTimeout.Std(),
			WorkDir:             sc.WorkDir,
		},
	}, graph, workers, bus, deps,
		orchestrator.WithAgentStore(store),
		orchestrator.WithMetrics(metrics),
	)

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		graph:    graph,
		bus:      bus,
		procMgr:  pm,
		registry: reg,
		pool:     pool,
		batches:  orchestrator.NewBatchRunner(pool, orchestrator.WithBatchStore(store)),
	}, nil
}

// buildRegistry creates one profile per configured worker kind. Every
// generator is wrapped with retry and a circuit breaker per provider.
func buildRegistry(cfg *config.Config, pm *backend.ProcessManager, logger *slog.Logger) (*worker.Registry, error) {
	breakers := backend.NewCircuitBreakerRegistry(logging.Component(logger, "breaker"))
	registry := worker.NewRegistry()

	for _, kind := range worker.Kinds {
		agentCfg, ok := cfg.Agents[kind.String()]
		if !ok {
			logger.Warn("no agent configured for worker kind", "kind", kind.String())
			continue
		}
		providerCfg := cfg.Providers[agentCfg.Provider]
		gen, err := backend.New(backend.Config{
			Type:         providerCfg.Type,
			WorkDir:      cfg.Scheduler.WorkDir,
			Model:        agentCfg.Model,
			Provider:     providerCfg.Provider,
			SystemPrompt: agentCfg.SystemPrompt,
			Command:      providerCfg.Command,
		}, pm)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", kind, err)
		}
		registry.Register(worker.Profile{
			Kind:         kind,
			Provider:     agentCfg.Provider,
			SystemPrompt: agentCfg.SystemPrompt,
			Generator:    backend.NewResilientGenerator(gen, agentCfg.Provider, breakers, backend.DefaultRetryConfig()),
			Verifier:     backend.NewCommandVerifier(agentCfg.VerifyCommands, pm),
		})
	}
	return registry, nil
}

// processGrace is how long provider processes get to exit after SIGTERM.
const processGrace = 2 * time.Second

// close stops batches and executions, terminates leftover subprocesses and
// releases the store.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.batches.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing batches: %w", err))
	}
	if err := a.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing pool: %w", err))
	}
	if err := a.procMgr.Shutdown(ctx, processGrace); err != nil {
		errs = append(errs, fmt.Errorf("stopping subprocesses: %w", err))
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}

// Package bootstrap wires every service's dependencies in one place.
// Grounded on common/bootstrap/{bootstrap,components}.go's staged Setup
// (config -> logger -> db -> queue -> cache, cleanup-func stack, Shutdown
// in LIFO order), extended with this module's two-phase orchestrator/
// dispatcher wiring: the Dispatcher's Webhook/Subflow/Map executors need
// the Orchestrator (TokenIssuer), runapi.Service (RunSpawner) and
// mapengine.Engine (BatchSpawner), which are built on the Orchestrator, but
// the Orchestrator needs the finished Dispatcher to execute nodes, so
// Orchestrator is constructed first with a nil Dispatcher and wired via
// SetDispatcher/SetSpawner once the executors and runapi.Service exist.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/casstore"
	"github.com/lyzr/flowengine/internal/config"
	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/executor"
	"github.com/lyzr/flowengine/internal/graph"
	"github.com/lyzr/flowengine/internal/logger"
	"github.com/lyzr/flowengine/internal/mapengine"
	"github.com/lyzr/flowengine/internal/orchestrator"
	"github.com/lyzr/flowengine/internal/queue"
	"github.com/lyzr/flowengine/internal/repository"
	"github.com/lyzr/flowengine/internal/runapi"
	"github.com/lyzr/flowengine/internal/scheduler"
	"github.com/lyzr/flowengine/internal/streampublisher"
)

// Setup initializes every component a binary in this module might need:
// config, logger, database, Redis, dispatch queue, CAS store, every
// repository, the executor dispatcher, the orchestrator, the map engine,
// the run API service, and the scheduler.
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Components{cleanupFuncs: make([]func() error, 0)}

	var err error
	if options.customConfig != nil {
		c.Config = options.customConfig
	} else {
		c.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	c.Logger = logger.New(c.Config.Service.LogLevel, c.Config.Service.LogFormat)
	c.Logger.Info("initializing service", "service", serviceName, "environment", c.Config.Service.Environment)

	c.Logger.Info("connecting to database")
	c.DB, err = db.New(ctx, c.Config, c.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.addCleanup(func() error { c.DB.Close(); return nil })

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.RedisAddr(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if err := c.Redis.Ping(ctx).Err(); err != nil {
		c.Shutdown(ctx)
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	c.addCleanup(c.Redis.Close)

	switch c.Config.Queue.Type {
	case "memory":
		c.Queue = queue.NewMemoryQueue(30 * time.Second)
	case "redis":
		c.Queue = queue.NewRedisQueue(c.Redis, c.Logger)
	default:
		c.Shutdown(ctx)
		return nil, fmt.Errorf("unknown queue type: %s", c.Config.Queue.Type)
	}
	c.addCleanup(c.Queue.Close)

	c.CAS = casstore.New(c.Redis, c.Logger, 0)
	c.StreamPublisher = streampublisher.New(c.Redis, c.Logger)

	c.Runs = repository.NewRunRepository(c.DB)
	c.RunEvents = repository.NewRunEventRepository(c.DB)
	c.Workflows = repository.NewWorkflowRepository(c.DB)
	c.WorkflowVersions = repository.NewWorkflowVersionRepository(c.DB)
	c.Batches = repository.NewBatchOperationRepository(c.DB)
	c.BatchResults = repository.NewBatchResultRepository(c.DB)
	c.ScheduledEvents = repository.NewScheduledEventRepository(c.DB)
	c.SuspensionTokens = repository.NewSuspensionTokenRepository(c.DB)

	// Phase 1: Orchestrator without Dispatcher/Spawner, so the Webhook/
	// Subflow/Map executors below can take it as their collaborator.
	c.Orchestrator = orchestrator.New(orchestrator.Deps{
		Runs: c.Runs, RunEvents: c.RunEvents, Workflows: c.Workflows, WorkflowVersions: c.WorkflowVersions,
		Batches: c.Batches, ScheduledEvents: c.ScheduledEvents, SuspensionTokens: c.SuspensionTokens,
		DB: c.DB, Queue: c.Queue, CAS: c.CAS, Logger: c.Logger, StreamPublisher: c.StreamPublisher,
	})

	c.MapEngine = mapengine.New(mapengine.Deps{
		Runs: c.Runs, RunEvents: c.RunEvents, Workflows: c.Workflows, WorkflowVersions: c.WorkflowVersions,
		Batches: c.Batches, BatchResults: c.BatchResults, Orchestrator: c.Orchestrator, Logger: c.Logger,
	})

	c.RunAPI = runapi.New(runapi.Deps{
		Runs: c.Runs, RunEvents: c.RunEvents, Workflows: c.Workflows, WorkflowVersions: c.WorkflowVersions,
		SuspensionTokens: c.SuspensionTokens, Orchestrator: c.Orchestrator, MapEngine: c.MapEngine, Logger: c.Logger,
	})

	// Phase 2: build the Dispatcher now that the Orchestrator (Webhook's
	// TokenIssuer), RunAPI (Subflow's RunSpawner) and MapEngine (Map's
	// BatchSpawner) exist, then close the wiring loop.
	retryPolicy := executor.RetryPolicy{
		MaxAttempts: c.Config.Executor.RetryMaxAttempts,
		BaseDelay:   c.Config.Executor.RetryBaseDelay,
		MaxDelay:    c.Config.Executor.RetryMaxDelay,
	}
	c.Dispatcher = executor.NewDispatcher(map[string]executor.Executor{
		string(graph.NodeHTTP):        executor.NewHTTPExecutor(c.Config.Executor.HTTPTimeout, retryPolicy, c.Logger),
		string(graph.NodeCode):        executor.NewCodeExecutor(c.Config.Executor.CodeSandboxBudget, c.Logger),
		string(graph.NodeDelay):       executor.NewDelayExecutor(),
		string(graph.NodeWebhookWait): executor.NewWebhookExecutor(c.Orchestrator),
		string(graph.NodeRouter):      executor.NewRouterExecutor(),
		string(graph.NodeLLM):         executor.NewLLMExecutor(c.Config.Executor.HTTPTimeout, retryPolicy, c.Logger),
		string(graph.NodeSubflow):     executor.NewSubflowExecutor(c.RunAPI),
		string(graph.NodeMap):         executor.NewMapExecutor(c.MapEngine),
	})
	c.Orchestrator.SetDispatcher(c.Dispatcher)
	c.Orchestrator.SetSpawner(c.RunAPI)

	c.Scheduler = scheduler.New(scheduler.Deps{
		DB: c.DB, ScheduledEvents: c.ScheduledEvents, SuspensionTokens: c.SuspensionTokens,
		Workflows: c.Workflows, Runs: c.Runs, Batches: c.Batches,
		Orchestrator: c.Orchestrator, RunAPI: c.RunAPI, MapEngine: c.MapEngine,
		Config: c.Config.Scheduler, Logger: c.Logger,
	})

	c.Logger.Info("service initialization complete", "service", serviceName)
	return c, nil
}

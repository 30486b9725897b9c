package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/casstore"
	"github.com/lyzr/flowengine/internal/config"
	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/executor"
	"github.com/lyzr/flowengine/internal/logger"
	"github.com/lyzr/flowengine/internal/mapengine"
	"github.com/lyzr/flowengine/internal/orchestrator"
	"github.com/lyzr/flowengine/internal/queue"
	"github.com/lyzr/flowengine/internal/repository"
	"github.com/lyzr/flowengine/internal/runapi"
	"github.com/lyzr/flowengine/internal/scheduler"
	"github.com/lyzr/flowengine/internal/streampublisher"
)

// Components holds every initialized dependency a binary in this module
// might need. Both cmd/runapi and cmd/runner call Setup and pick the
// fields they use; wiring the unused ones costs nothing since nothing
// calls their Run/HandleDelivery methods unless the binary does.
type Components struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *db.DB
	Redis  *redis.Client
	Queue  queue.Queue
	CAS    *casstore.Store

	StreamPublisher streampublisher.Publisher

	Runs             *repository.RunRepository
	RunEvents        *repository.RunEventRepository
	Workflows        *repository.WorkflowRepository
	WorkflowVersions *repository.WorkflowVersionRepository
	Batches          *repository.BatchOperationRepository
	BatchResults     *repository.BatchResultRepository
	ScheduledEvents  *repository.ScheduledEventRepository
	SuspensionTokens *repository.SuspensionTokenRepository

	Dispatcher   *executor.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	MapEngine    *mapengine.Engine
	RunAPI       *runapi.Service
	Scheduler    *scheduler.Scheduler

	cleanupFuncs []func() error
}

// Shutdown runs registered cleanup functions in reverse (LIFO) order.
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errs []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	c.Logger.Info("shutdown complete")
	return nil
}

// Health checks the components that can fail independently of the process.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}

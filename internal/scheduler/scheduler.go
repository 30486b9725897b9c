// Package scheduler implements the Scheduler tick loop (SPEC_FULL.md §4.5):
// delay wakeups, cron fires, webhook timeouts, and the stale-run/batch
// reaper. Grounded on the teacher's cmd/workflow-runner/supervisor package
// (TimeoutDetector's ticker-driven polling loop with a dedicated
// checkInterval), reshaped from Redis-counter polling onto the durable
// store's claim-with-FOR-UPDATE-SKIP-LOCKED tables so multiple Scheduler
// instances can run concurrently without double-firing the same wakeup.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lyzr/flowengine/internal/config"
	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/executor"
	"github.com/lyzr/flowengine/internal/logger"
	"github.com/lyzr/flowengine/internal/mapengine"
	"github.com/lyzr/flowengine/internal/models"
	"github.com/lyzr/flowengine/internal/orchestrator"
	"github.com/lyzr/flowengine/internal/repository"
	"github.com/lyzr/flowengine/internal/runapi"
)

// cronParser accepts standard 5-field cron expressions, as stored on
// workflows.cron_expression.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler promotes time-based state transitions (delay wakeups, cron due
// times, webhook expiry) into orchestrator resumes, and reaps runs/batches
// that have stalled past their wall-clock budget.
type Scheduler struct {
	db               *db.DB
	scheduledEvents  *repository.ScheduledEventRepository
	suspensionTokens *repository.SuspensionTokenRepository
	workflows        *repository.WorkflowRepository
	runs             *repository.RunRepository
	batches          *repository.BatchOperationRepository
	orch             *orchestrator.Orchestrator
	runapiSvc        *runapi.Service
	mapEngine        *mapengine.Engine
	cfg              config.SchedulerConfig
	logger           *logger.Logger
}

// Deps bundles Scheduler's dependencies.
type Deps struct {
	DB               *db.DB
	ScheduledEvents  *repository.ScheduledEventRepository
	SuspensionTokens *repository.SuspensionTokenRepository
	Workflows        *repository.WorkflowRepository
	Runs             *repository.RunRepository
	Batches          *repository.BatchOperationRepository
	Orchestrator     *orchestrator.Orchestrator
	RunAPI           *runapi.Service
	MapEngine        *mapengine.Engine
	Config           config.SchedulerConfig
	Logger           *logger.Logger
}

// New builds a Scheduler from its dependencies.
func New(d Deps) *Scheduler {
	return &Scheduler{
		db: d.DB, scheduledEvents: d.ScheduledEvents, suspensionTokens: d.SuspensionTokens,
		workflows: d.Workflows, runs: d.Runs, batches: d.Batches,
		orch: d.Orchestrator, runapiSvc: d.RunAPI, mapEngine: d.MapEngine,
		cfg: d.Config, logger: d.Logger,
	}
}

// Run starts the tick loop and blocks until ctx is cancelled. Two tickers
// run concurrently: the fast one (TickInterval) drives wakeup/cron/webhook
// promotion, the slow one (ReaperInterval) drives stale-run/batch reaping.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.EnableScheduler {
		s.logger.Info("scheduler disabled, not starting")
		<-ctx.Done()
		return ctx.Err()
	}

	s.logger.Info("scheduler starting",
		"tick_interval", s.cfg.TickInterval, "reaper_interval", s.cfg.ReaperInterval)

	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	reap := time.NewTicker(s.cfg.ReaperInterval)
	defer reap.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler shutting down")
			return ctx.Err()
		case <-tick.C:
			s.runTick(ctx)
		case <-reap.C:
			s.runReap(ctx)
		}
	}
}

// runTick processes one tick's worth of time-based wakeups. Delay wakeups
// are processed before cron fires, per SPEC_FULL.md §4.5's ordering
// guarantee: a delay due at the same instant a cron fires is resumed
// first, so a workflow never observes its own cron-triggered sibling
// before its own pending delay completes.
func (s *Scheduler) runTick(ctx context.Context) {
	if err := s.processDelayWakeups(ctx); err != nil {
		s.logger.Error("delay wakeup pass failed", "error", err)
	}
	if err := s.processCronFires(ctx); err != nil {
		s.logger.Error("cron fire pass failed", "error", err)
	}
	if err := s.processWebhookTimeouts(ctx); err != nil {
		s.logger.Error("webhook timeout pass failed", "error", err)
	}
}

// runReap processes one reaper pass: stale runs, then timed-out batches.
func (s *Scheduler) runReap(ctx context.Context) {
	if err := s.reapStaleRuns(ctx); err != nil {
		s.logger.Error("stale run reap failed", "error", err)
	}
	if err := s.reapTimedOutBatches(ctx); err != nil {
		s.logger.Error("batch timeout reap failed", "error", err)
	}
}

// processDelayWakeups claims due DELAY_WAKEUP events and resumes their
// node with a Completed outcome whose output is decoded from the event's
// payload. The wakeups the Orchestrator schedules carry no payload, so a
// suspended delay completes with an empty output (an inline delay reports
// slept_ms instead).
func (s *Scheduler) processDelayWakeups(ctx context.Context) error {
	tx, err := repository.BeginTx(ctx, s.db)
	if err != nil {
		return err
	}
	events, err := s.scheduledEvents.ClaimDue(ctx, tx, models.KindDelayWakeup, s.cfg.ClaimBatchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, e := range events {
		if e.TargetRunID == nil || e.TargetNodeID == nil {
			continue
		}
		var output map[string]any
		if len(e.Payload) > 0 {
			if err := json.Unmarshal(e.Payload, &output); err != nil {
				s.logger.Error("failed to decode delay wakeup payload", "run_id", *e.TargetRunID, "error", err)
			}
		}
		if err := s.orch.ResumeNode(ctx, *e.TargetRunID, *e.TargetNodeID, executor.Completed(output)); err != nil {
			s.logger.Error("failed to resume delay wakeup",
				"run_id", *e.TargetRunID, "node_id", *e.TargetNodeID, "error", err)
		}
	}
	return nil
}

// processCronFires claims due cron workflows, advances schedule_next_run,
// and fires each (honoring overlap_mode) once the claiming transaction has
// committed (SPEC_FULL.md §4.5 Cron: overlap_mode governs whether a new
// cron-triggered run starts while a prior one is still non-terminal).
func (s *Scheduler) processCronFires(ctx context.Context) error {
	tx, err := repository.BeginTx(ctx, s.db)
	if err != nil {
		return err
	}
	due, err := s.workflows.DueCronWorkflows(ctx, tx, s.cfg.ClaimBatchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	now := time.Now()
	for _, w := range due {
		nextRun, err := s.nextCronFire(w, now)
		if err != nil {
			s.logger.Error("failed to compute next cron fire", "workflow_id", w.ID, "error", err)
			nextRun = now.Add(time.Minute)
		}
		if err := s.workflows.SetNextRun(ctx, tx, w.ID, nextRun); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, w := range due {
		if err := s.fireCron(ctx, w); err != nil {
			s.logger.Error("failed to fire cron workflow", "workflow_id", w.ID, "error", err)
		}
	}
	return nil
}

// fireCron applies overlap_mode and creates the triggered run.
func (s *Scheduler) fireCron(ctx context.Context, w *models.Workflow) error {
	if w.OverlapMode == models.OverlapSkip || w.OverlapMode == models.OverlapQueueOne {
		nonTerminal, err := s.runs.NonTerminalCronRuns(ctx, w.ID)
		if err != nil {
			return err
		}
		if nonTerminal > 0 {
			s.logger.Info("skipping cron fire, prior run still non-terminal",
				"workflow_id", w.ID, "overlap_mode", w.OverlapMode, "non_terminal_count", nonTerminal)
			return nil
		}
	}

	_, err := s.runapiSvc.CreateRun(ctx, runapi.CreateRunRequest{
		WorkflowID: w.ID,
		Trigger:    models.TriggerCron,
		Input:      map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to create cron-triggered run: %w", err)
	}
	return nil
}

// nextCronFire parses w.CronExpression in w.Timezone and returns the next
// fire time strictly after now.
func (s *Scheduler) nextCronFire(w *models.Workflow, now time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := cronParser.Parse(w.CronExpression)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", w.CronExpression, err)
	}
	return schedule.Next(now.In(loc)), nil
}

// processWebhookTimeouts expires due suspension tokens and fails their
// WEBHOOK_WAIT node with a non-retryable timeout (SPEC_FULL.md §4.2
// Webhook-wait: unanswered past expires_at fails the node, not the whole
// run, unless the node has no failure edge).
func (s *Scheduler) processWebhookTimeouts(ctx context.Context) error {
	tx, err := repository.BeginTx(ctx, s.db)
	if err != nil {
		return err
	}
	tokens, err := s.suspensionTokens.ExpireDue(ctx, tx, s.cfg.ClaimBatchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	for _, t := range tokens {
		if _, _, err := s.suspensionTokens.ConsumeIfValid(ctx, tx, t.Token); err != nil {
			s.logger.Error("failed to consume expired webhook token", "token", t.Token, "error", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, t := range tokens {
		out := executor.Failed(executor.ErrorTimeout, "webhook wait timed out", false)
		if err := s.orch.ResumeNode(ctx, t.RunID, t.NodeID, out); err != nil {
			s.logger.Error("failed to resume timed-out webhook wait",
				"run_id", t.RunID, "node_id", t.NodeID, "error", err)
		}
	}
	return nil
}

// reapStaleRuns fails runs that have been pending/running past MaxWallTime
// with no terminal resolution, guarding against a silently stuck worker or
// lost queue delivery (SPEC_FULL.md §4.5 reaper).
func (s *Scheduler) reapStaleRuns(ctx context.Context) error {
	tx, err := repository.BeginTx(ctx, s.db)
	if err != nil {
		return err
	}
	stale, err := s.runs.StaleRunning(ctx, tx, int(s.cfg.MaxWallTime.Seconds()), s.cfg.ClaimBatchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, run := range stale {
		msg := fmt.Sprintf("run exceeded max wall time of %s with no terminal resolution", s.cfg.MaxWallTime)
		if err := s.orch.FailStale(ctx, run.ID, msg); err != nil {
			s.logger.Error("failed to reap stale run", "run_id", run.ID, "error", err)
		}
	}
	return nil
}

// reapTimedOutBatches fails Map batches whose timeout_ms elapsed with the
// batch still running, cancelling outstanding item children and resuming
// the parent MAP node with a non-retryable timeout (SPEC_FULL.md §4.6:
// timeout_ms bounds the whole batch, not any one item).
func (s *Scheduler) reapTimedOutBatches(ctx context.Context) error {
	tx, err := repository.BeginTx(ctx, s.db)
	if err != nil {
		return err
	}
	timedOut, err := s.batches.TimedOut(ctx, tx, s.cfg.ClaimBatchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, batch := range timedOut {
		if err := s.mapEngine.TimeoutBatch(ctx, batch.ID); err != nil {
			s.logger.Error("failed to reap timed-out batch", "batch_id", batch.ID, "error", err)
		}
	}
	return nil
}

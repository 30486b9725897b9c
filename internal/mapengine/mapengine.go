// Package mapengine implements the MAP node's fan-out/fan-in batch engine
// (SPEC_FULL.md §4.6): it owns BatchOperation creation, the
// concurrency-bounded spawn loop, per-item at-most-once result recording,
// fail_fast short-circuit, and resuming the parent MAP node once the batch
// is terminal. Grounded on internal/runapi's CreateRun shape (materialize
// -> insert run row -> schedule entry frontier -> push), reused here
// directly rather than through runapi so a cached WorkflowVersion snapshot
// is never re-read per item (SPEC_FULL.md §4.6 "avoid re-reads per item").
package mapengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/executor"
	"github.com/lyzr/flowengine/internal/graph"
	"github.com/lyzr/flowengine/internal/logger"
	"github.com/lyzr/flowengine/internal/models"
	"github.com/lyzr/flowengine/internal/orchestrator"
	"github.com/lyzr/flowengine/internal/repository"
)

// Engine implements executor.BatchSpawner and the item-terminal
// bookkeeping for Map children (HandleItemTerminal, called by
// runapi.Service.NotifyParentOfChildTerminal).
type Engine struct {
	runs             *repository.RunRepository
	runEvents        *repository.RunEventRepository
	workflows        *repository.WorkflowRepository
	workflowVersions *repository.WorkflowVersionRepository
	batches          *repository.BatchOperationRepository
	batchResults     *repository.BatchResultRepository
	orch             *orchestrator.Orchestrator
	logger           *logger.Logger
}

// Deps bundles Engine's dependencies.
type Deps struct {
	Runs             *repository.RunRepository
	RunEvents        *repository.RunEventRepository
	Workflows        *repository.WorkflowRepository
	WorkflowVersions *repository.WorkflowVersionRepository
	Batches          *repository.BatchOperationRepository
	BatchResults     *repository.BatchResultRepository
	Orchestrator     *orchestrator.Orchestrator
	Logger           *logger.Logger
}

// New builds an Engine from its dependencies.
func New(d Deps) *Engine {
	return &Engine{
		runs: d.Runs, runEvents: d.RunEvents, workflows: d.Workflows, workflowVersions: d.WorkflowVersions,
		batches: d.Batches, batchResults: d.BatchResults, orch: d.Orchestrator, logger: d.Logger,
	}
}

// noActiveVersionError mirrors runapi.NoActiveVersionError; kept local to
// avoid a mapengine->runapi import (would cycle back through runapi's own
// dependency on mapengine for item-terminal routing).
type noActiveVersionError struct{ workflowID int }

func (e *noActiveVersionError) Error() string {
	return fmt.Sprintf("workflow %d has no active version and none was pinned", e.workflowID)
}

// SpawnBatch implements executor.BatchSpawner: it creates the BatchOperation
// row (caching the child version's graph so the spawn loop never re-reads
// it) and kicks off the first wave of children.
func (e *Engine) SpawnBatch(ctx context.Context, parentRunID, parentNodeID string, childWorkflowID int, childVersionID string, items []any, concurrencyLimit int, failFast bool, timeoutMs int64) (string, error) {
	parentID, err := uuid.Parse(parentRunID)
	if err != nil {
		return "", fmt.Errorf("invalid parent run id: %w", err)
	}
	parent, err := e.runs.GetByID(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("failed to load parent run: %w", err)
	}
	childDepth := parent.Depth + 1
	if childDepth > models.MaxDepth {
		return "", &executor.DepthExceededError{Depth: childDepth}
	}

	version, err := e.resolveVersion(ctx, childWorkflowID, childVersionID)
	if err != nil {
		return "", err
	}
	if _, err := graph.Parse(version.Graph); err != nil {
		return "", fmt.Errorf("invalid child graph snapshot: %w", err)
	}

	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("failed to marshal map items: %w", err)
	}

	batch := &models.BatchOperation{
		ID:               uuid.New(),
		RunID:            parentID,
		NodeID:           parentNodeID,
		TotalItems:       len(items),
		ConcurrencyLimit: concurrencyLimit,
		FailFast:         failFast,
		InputItems:       itemsJSON,
		ChildWorkflowID:  childWorkflowID,
		ChildVersionID:   &version.ID,
		ChildGraph:       version.Graph,
		ChildDepth:       childDepth,
		Status:           models.BatchRunning,
	}
	if timeoutMs > 0 {
		batch.TimeoutMs = &timeoutMs
	}

	tx, err := repository.BeginTx(ctx, e.orch.DB())
	if err != nil {
		return "", err
	}
	if err := e.batches.Create(ctx, tx, batch); err != nil {
		_ = tx.Rollback(ctx)
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}

	if err := e.spawnWave(ctx, batch.ID); err != nil {
		e.logger.Error("failed to spawn initial map wave", "batch_id", batch.ID, "error", err)
		return batch.ID.String(), err
	}
	return batch.ID.String(), nil
}

// resolveVersion pins childVersionID or falls back to the child workflow's
// published active_version_id, mirroring runapi.Service.resolveVersion.
func (e *Engine) resolveVersion(ctx context.Context, workflowID int, versionID string) (*models.WorkflowVersion, error) {
	if versionID != "" {
		id, err := uuid.Parse(versionID)
		if err != nil {
			return nil, fmt.Errorf("invalid child version id: %w", err)
		}
		return e.workflowVersions.GetByID(ctx, id)
	}
	wf, err := e.workflows.GetByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.ActiveVersionID == nil {
		return nil, &noActiveVersionError{workflowID: workflowID}
	}
	return e.workflowVersions.GetByID(ctx, *wf.ActiveVersionID)
}

// spawnWave claims indices under the batch row's lock while
// active_count < concurrency_limit, current_index < total_items, and (not
// fail_fast or failed_count == 0) (SPEC_FULL.md §4.6 spawn-loop invariant),
// then spawns one child run per claimed index outside the lock.
func (e *Engine) spawnWave(ctx context.Context, batchID uuid.UUID) error {
	tx, err := repository.BeginTx(ctx, e.orch.DB())
	if err != nil {
		return err
	}
	batch, err := e.batches.LockForUpdate(ctx, tx, batchID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if batch.Status != models.BatchRunning {
		_ = tx.Rollback(ctx)
		return nil
	}

	var items []any
	if err := json.Unmarshal(batch.InputItems, &items); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to unmarshal cached map items: %w", err)
	}

	var indices []int
	for batch.ActiveCount < batch.ConcurrencyLimit && batch.CurrentIndex < batch.TotalItems &&
		(!batch.FailFast || batch.FailedCount == 0) {
		indices = append(indices, batch.CurrentIndex)
		batch.CurrentIndex++
		batch.ActiveCount++
	}
	if len(indices) == 0 {
		_ = tx.Rollback(ctx)
		return nil
	}
	if err := e.batches.UpdateCounters(ctx, tx, batch); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, idx := range indices {
		if err := e.spawnItem(ctx, batch, items[idx], idx); err != nil {
			e.logger.Error("failed to spawn map item, recording as failed", "batch_id", batchID, "item_index", idx, "error", err)
			if recErr := e.recordItemTerminal(ctx, batchID, idx, nil, models.ItemFailed, nil, err.Error()); recErr != nil {
				e.logger.Error("failed to record spawn failure as item result", "batch_id", batchID, "item_index", idx, "error", recErr)
			}
		}
	}
	return nil
}

// spawnItem creates one item's child run. The item value itself becomes
// the child run's whole input_data — a child workflow reads it via the
// same {{$input}} convention entry nodes use for any run's input, so e.g.
// child graph `{{$input}}` resolves to the raw item (SPEC_FULL.md §8
// scenario 4's "child workflow doubles $input").
func (e *Engine) spawnItem(ctx context.Context, batch *models.BatchOperation, item any, index int) error {
	compiled, err := graph.Parse(batch.ChildGraph)
	if err != nil {
		return fmt.Errorf("failed to parse cached child graph: %w", err)
	}
	input, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal map item: %w", err)
	}

	idx := index
	child := &models.Run{
		ID:                uuid.New(),
		WorkflowID:        batch.ChildWorkflowID,
		WorkflowVersionID: batch.ChildVersionID,
		SnapshotGraph:     batch.ChildGraph,
		Status:            models.RunPending,
		Trigger:           models.TriggerSubflow,
		InputData:         input,
		ParentRunID:       &batch.RunID,
		ParentNodeID:      &batch.NodeID,
		ParentBatchID:     &batch.ID,
		ParentItemIndex:   &idx,
		Depth:             batch.ChildDepth,
	}

	tx, err := repository.BeginTx(ctx, e.orch.DB())
	if err != nil {
		return err
	}
	if err := e.runs.Create(ctx, tx, child); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	zero := 0
	if _, err := e.runEvents.Append(ctx, tx, &models.RunEvent{RunID: child.ID, EventType: models.EventRunCreated, Payload: input, RetryCount: &zero}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	tasks, err := e.orch.ScheduleEntryNodes(ctx, tx, child, compiled)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if err := e.orch.PushPending(ctx, tasks); err != nil {
		e.logger.Error("failed to push map item entry frontier", "batch_id", batch.ID, "item_index", index, "error", err)
		return err
	}
	return nil
}

// HandleItemTerminal is runapi.Service's delegate when a terminal child
// run's parent_batch_id is set: it records the item's outcome, updates
// counters, and — once the batch is terminal — resumes the parent MAP
// node. Called in place of the generic sub-flow NotifyParentOfChildTerminal
// path (SPEC_FULL.md §4.6 step 1).
func (e *Engine) HandleItemTerminal(ctx context.Context, childRun *models.Run, status models.RunStatus, output map[string]any, errMsg string) error {
	if childRun.ParentBatchID == nil || childRun.ParentItemIndex == nil {
		return nil
	}
	itemStatus := models.ItemCompleted
	var outBytes []byte
	if status == models.RunCompleted {
		b, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("failed to marshal item output: %w", err)
		}
		outBytes = b
	} else {
		itemStatus = models.ItemFailed
	}
	return e.recordItemTerminal(ctx, *childRun.ParentBatchID, *childRun.ParentItemIndex, &childRun.ID, itemStatus, outBytes, errMsg)
}

// recordItemTerminal inserts the BatchResult, updates the batch's counters
// under lock, and drives the spawn loop forward or resolves the batch when
// it becomes terminal (SPEC_FULL.md §4.6: conservation invariant
// completed + failed + active + remaining == total_items).
func (e *Engine) recordItemTerminal(ctx context.Context, batchID uuid.UUID, itemIndex int, childRunID *uuid.UUID, status models.ItemStatus, output []byte, errMsg string) error {
	tx, err := repository.BeginTx(ctx, e.orch.DB())
	if err != nil {
		return err
	}
	batch, err := e.batches.LockForUpdate(ctx, tx, batchID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if batch.Status != models.BatchRunning {
		// batch already resolved (cancelled/timed out/terminal) — a late or
		// duplicate delivery, nothing left to count.
		_ = tx.Rollback(ctx)
		return nil
	}

	var errPtr *string
	if errMsg != "" {
		errPtr = &errMsg
	}
	inserted, err := e.batchResults.Insert(ctx, tx, &models.BatchResult{
		BatchID: batchID, ItemIndex: itemIndex, ChildRunID: childRunID, Status: status, Output: output, ErrorMessage: errPtr,
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if !inserted {
		// duplicate delivery of the same item's terminal event, already counted.
		_ = tx.Rollback(ctx)
		return nil
	}

	batch.ActiveCount--
	if status == models.ItemCompleted {
		batch.CompletedCount++
	} else {
		batch.FailedCount++
	}

	// fail_fast + this item failed already ends the batch failed (case 1
	// below); reaching full coverage without that means either fail_fast is
	// off, or it's on and every item succeeded — either way stay completed,
	// any per-item errors remain visible in the ordered results
	// (SPEC_FULL.md §4.6 step 4: "stay completed with errors in output").
	terminal := false
	switch {
	case batch.FailFast && status == models.ItemFailed:
		batch.Status = models.BatchFailed
		terminal = true
	case batch.CompletedCount+batch.FailedCount == batch.TotalItems:
		batch.Status = models.BatchCompleted
		terminal = true
	}

	if err := e.batches.UpdateCounters(ctx, tx, batch); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	if terminal {
		if batch.Status == models.BatchFailed {
			e.cancelOutstandingChildren(ctx, batch.ID)
		}
		return e.resumeParent(ctx, batch)
	}
	return e.spawnWave(ctx, batch.ID)
}

// resumeParent resolves the MAP node with the batch's item results ordered
// by item_index (SPEC_FULL.md §4.6 "Ordering").
func (e *Engine) resumeParent(ctx context.Context, batch *models.BatchOperation) error {
	results, err := e.batchResults.ListOrdered(ctx, batch.ID)
	if err != nil {
		return err
	}
	resultsOut := make([]any, 0, len(results))
	failedCount := 0
	for _, r := range results {
		entry := map[string]any{"index": r.ItemIndex, "status": string(r.Status)}
		if len(r.Output) > 0 {
			var out any
			if err := json.Unmarshal(r.Output, &out); err == nil {
				entry["output"] = out
			}
		}
		if r.ErrorMessage != nil {
			entry["error"] = *r.ErrorMessage
			failedCount++
		}
		resultsOut = append(resultsOut, entry)
	}

	var outcome executor.Outcome
	if batch.Status == models.BatchFailed {
		outcome = executor.Failed(executor.ErrorPermanent,
			fmt.Sprintf("map batch failed: %d/%d items failed", failedCount, batch.TotalItems), false)
	} else {
		outcome = executor.Completed(map[string]any{
			"results": resultsOut,
			"stats":   map[string]any{"total": batch.TotalItems, "completed": batch.CompletedCount, "failed": batch.FailedCount},
		})
	}
	return e.orch.ResumeNode(ctx, batch.RunID, batch.NodeID, outcome)
}

// cancelOutstandingChildren cancels a fail_fast batch's still-active item
// runs (SPEC_FULL.md §4.6 "fail_fast cancels outstanding children").
func (e *Engine) cancelOutstandingChildren(ctx context.Context, batchID uuid.UUID) {
	children, err := e.runs.ChildrenOfBatchNonTerminal(ctx, batchID)
	if err != nil {
		e.logger.Error("failed to list outstanding batch children", "batch_id", batchID, "error", err)
		return
	}
	for _, child := range children {
		if err := e.orch.Cancel(ctx, child.ID); err != nil {
			e.logger.Error("failed to cancel outstanding map item", "batch_id", batchID, "child_run_id", child.ID, "error", err)
		}
	}
}

// TimeoutBatch marks a batch timed_out, cancels its outstanding children,
// and resumes the parent MAP node as Failed (SPEC_FULL.md §4.6 "Timeout").
// Called by the Scheduler's reaper pass.
func (e *Engine) TimeoutBatch(ctx context.Context, batchID uuid.UUID) error {
	tx, err := repository.BeginTx(ctx, e.orch.DB())
	if err != nil {
		return err
	}
	batch, err := e.batches.LockForUpdate(ctx, tx, batchID)
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if batch.Status != models.BatchRunning {
		_ = tx.Rollback(ctx)
		return nil
	}
	batch.Status = models.BatchTimedOut
	if err := e.batches.UpdateCounters(ctx, tx, batch); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	e.cancelOutstandingChildren(ctx, batch.ID)
	return e.orch.ResumeNode(ctx, batch.RunID, batch.NodeID, executor.Failed(executor.ErrorTimeout, "map batch timed out", false))
}

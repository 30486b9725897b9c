package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/models"
)

// RunRepository handles database operations for workflow runs.
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository.
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

const runColumns = `id, workflow_id, workflow_version_id, snapshot_graph, status, trigger, input_data, output_data, error, pinned, parent_run_id, parent_node_id, parent_batch_id, parent_item_index, depth, started_at, completed_at`

// Create inserts a new run within tx, as part of the CreateRun transaction
// (run row + RUN_CREATED event + frontier NODE_SCHEDULED events all commit
// together or not at all).
func (r *RunRepository) Create(ctx context.Context, tx Tx, run *models.Run) error {
	query := `
		INSERT INTO workflow_runs (id, workflow_id, workflow_version_id, snapshot_graph, status, trigger, input_data, output_data, error, pinned, parent_run_id, parent_node_id, parent_batch_id, parent_item_index, depth, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, now())
	`
	_, err := tx.Exec(ctx, query,
		run.ID, run.WorkflowID, run.WorkflowVersionID, run.SnapshotGraph, run.Status, run.Trigger,
		run.InputData, run.OutputData, run.Error, run.Pinned, run.ParentRunID, run.ParentNodeID,
		run.ParentBatchID, run.ParentItemIndex, run.Depth,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetByID retrieves a run by its id.
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE id = $1`
	run := &models.Run{}
	err := r.db.Pool.QueryRow(ctx, query, runID).Scan(
		&run.ID, &run.WorkflowID, &run.WorkflowVersionID, &run.SnapshotGraph, &run.Status, &run.Trigger,
		&run.InputData, &run.OutputData, &run.Error, &run.Pinned, &run.ParentRunID, &run.ParentNodeID,
		&run.ParentBatchID, &run.ParentItemIndex, &run.Depth,
		&run.StartedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ChildrenNonTerminal returns parentRunID's direct children (sub-flow or
// Map item runs alike, both set parent_run_id) still pending/running, for
// cascade-cancel of an entire run tree.
func (r *RunRepository) ChildrenNonTerminal(ctx context.Context, parentRunID uuid.UUID) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE parent_run_id = $1 AND status IN ('pending','running')`
	rows, err := r.db.Pool.Query(ctx, query, parentRunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal children: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run := &models.Run{}
		if err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.WorkflowVersionID, &run.SnapshotGraph, &run.Status, &run.Trigger,
			&run.InputData, &run.OutputData, &run.Error, &run.Pinned, &run.ParentRunID, &run.ParentNodeID,
			&run.ParentBatchID, &run.ParentItemIndex, &run.Depth,
			&run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan child run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ChildrenOfBatchNonTerminal returns batchID's still-active item runs, for
// the Map engine's fail_fast/timeout cancellation of outstanding items.
func (r *RunRepository) ChildrenOfBatchNonTerminal(ctx context.Context, batchID uuid.UUID) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE parent_batch_id = $1 AND status IN ('pending','running')`
	rows, err := r.db.Pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list non-terminal batch children: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run := &models.Run{}
		if err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.WorkflowVersionID, &run.SnapshotGraph, &run.Status, &run.Trigger,
			&run.InputData, &run.OutputData, &run.Error, &run.Pinned, &run.ParentRunID, &run.ParentNodeID,
			&run.ParentBatchID, &run.ParentItemIndex, &run.Depth,
			&run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan batch child run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateStatus sets a run's derived status (and completed_at for terminal
// statuses), used by the Orchestrator after folding a terminal event.
func (r *RunRepository) UpdateStatus(ctx context.Context, tx Tx, runID uuid.UUID, status models.RunStatus) error {
	query := `
		UPDATE workflow_runs
		SET status = $2,
		    completed_at = CASE WHEN $2 IN ('completed','failed','cancelled') THEN now() ELSE completed_at END
		WHERE id = $1
	`
	_, err := tx.Exec(ctx, query, runID, status)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return nil
}

// CompleteWithOutput records the run's aggregated terminal output.
func (r *RunRepository) CompleteWithOutput(ctx context.Context, tx Tx, runID uuid.UUID, status models.RunStatus, output []byte, runErr *string) error {
	query := `
		UPDATE workflow_runs
		SET status = $2, output_data = $3, error = $4, completed_at = now()
		WHERE id = $1
	`
	_, err := tx.Exec(ctx, query, runID, status, output, runErr)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// ListByWorkflow retrieves runs for a workflow, newest first.
func (r *RunRepository) ListByWorkflow(ctx context.Context, workflowID int, limit int) ([]*models.Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE workflow_id = $1 ORDER BY started_at DESC LIMIT $2`
	rows, err := r.db.Pool.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run := &models.Run{}
		if err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.WorkflowVersionID, &run.SnapshotGraph, &run.Status, &run.Trigger,
			&run.InputData, &run.OutputData, &run.Error, &run.Pinned, &run.ParentRunID, &run.ParentNodeID,
			&run.ParentBatchID, &run.ParentItemIndex, &run.Depth,
			&run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// NonTerminalCronRuns counts runs with trigger=cron for workflowID that are
// not yet terminal — used by the Scheduler's overlap_mode=skip/queue_one
// checks.
func (r *RunRepository) NonTerminalCronRuns(ctx context.Context, workflowID int) (int, error) {
	query := `
		SELECT count(*) FROM workflow_runs
		WHERE workflow_id = $1 AND trigger = 'cron' AND status IN ('pending','running')
	`
	var count int
	err := r.db.Pool.QueryRow(ctx, query, workflowID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count non-terminal cron runs: %w", err)
	}
	return count, nil
}

// StaleRunning returns running/pending runs whose started_at is older than
// maxWallTimeSeconds, for the Scheduler's reaper. Only the run's age is
// checked; recent events do not exempt a run.
func (r *RunRepository) StaleRunning(ctx context.Context, tx Tx, maxWallTimeSeconds int, limit int) ([]*models.Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM workflow_runs
		WHERE status IN ('pending','running')
		  AND started_at < now() - ($1 || ' seconds')::interval
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, maxWallTimeSeconds, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stale runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run := &models.Run{}
		if err := rows.Scan(
			&run.ID, &run.WorkflowID, &run.WorkflowVersionID, &run.SnapshotGraph, &run.Status, &run.Trigger,
			&run.InputData, &run.OutputData, &run.Error, &run.Pinned, &run.ParentRunID, &run.ParentNodeID,
			&run.ParentBatchID, &run.ParentItemIndex, &run.Depth,
			&run.StartedAt, &run.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan stale run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

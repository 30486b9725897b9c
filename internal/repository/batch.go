package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/models"
)

// BatchOperationRepository handles database operations for Map-node batch
// state. The row is the hot contention point (SPEC_FULL.md §5): updates
// are narrow counter mutations under SELECT ... FOR UPDATE on this row.
type BatchOperationRepository struct {
	db *db.DB
}

// NewBatchOperationRepository creates a new batch operation repository.
func NewBatchOperationRepository(database *db.DB) *BatchOperationRepository {
	return &BatchOperationRepository{db: database}
}

const batchColumns = `id, run_id, node_id, total_items, concurrency_limit, fail_fast, input_items, child_workflow_id, child_version_id, child_graph, child_depth, current_index, active_count, completed_count, failed_count, status, timeout_ms, created_at, completed_at`

func scanBatch(row interface{ Scan(...any) error }) (*models.BatchOperation, error) {
	b := &models.BatchOperation{}
	err := row.Scan(
		&b.ID, &b.RunID, &b.NodeID, &b.TotalItems, &b.ConcurrencyLimit, &b.FailFast, &b.InputItems,
		&b.ChildWorkflowID, &b.ChildVersionID, &b.ChildGraph, &b.ChildDepth,
		&b.CurrentIndex, &b.ActiveCount, &b.CompletedCount, &b.FailedCount, &b.Status, &b.TimeoutMs,
		&b.CreatedAt, &b.CompletedAt,
	)
	return b, err
}

// Create inserts a new BatchOperation for a Map node.
func (r *BatchOperationRepository) Create(ctx context.Context, tx Tx, b *models.BatchOperation) error {
	query := `
		INSERT INTO batch_operations (id, run_id, node_id, total_items, concurrency_limit, fail_fast, input_items,
			child_workflow_id, child_version_id, child_graph, child_depth, current_index, active_count,
			completed_count, failed_count, status, timeout_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17, now())
	`
	_, err := tx.Exec(ctx, query, b.ID, b.RunID, b.NodeID, b.TotalItems, b.ConcurrencyLimit, b.FailFast, b.InputItems,
		b.ChildWorkflowID, b.ChildVersionID, b.ChildGraph, b.ChildDepth, b.CurrentIndex, b.ActiveCount,
		b.CompletedCount, b.FailedCount, b.Status, b.TimeoutMs)
	if err != nil {
		return fmt.Errorf("failed to create batch operation: %w", err)
	}
	return nil
}

// LockForUpdate loads a BatchOperation row with FOR UPDATE, serializing the
// spawn-loop / item-terminal handling against concurrent callers.
func (r *BatchOperationRepository) LockForUpdate(ctx context.Context, tx Tx, id uuid.UUID) (*models.BatchOperation, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_operations WHERE id = $1 FOR UPDATE`
	b, err := scanBatch(tx.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to lock batch operation: %w", err)
	}
	return b, nil
}

// GetByID retrieves a BatchOperation without locking (read-only queries).
func (r *BatchOperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BatchOperation, error) {
	query := `SELECT ` + batchColumns + ` FROM batch_operations WHERE id = $1`
	b, err := scanBatch(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("failed to get batch operation: %w", err)
	}
	return b, nil
}

// UpdateCounters persists the mutable counter/status fields after a spawn
// or item-terminal step.
func (r *BatchOperationRepository) UpdateCounters(ctx context.Context, tx Tx, b *models.BatchOperation) error {
	query := `
		UPDATE batch_operations
		SET current_index = $2, active_count = $3, completed_count = $4, failed_count = $5, status = $6,
		    completed_at = CASE WHEN $6 IN ('completed','failed','cancelled','timed_out') THEN now() ELSE completed_at END
		WHERE id = $1
	`
	_, err := tx.Exec(ctx, query, b.ID, b.CurrentIndex, b.ActiveCount, b.CompletedCount, b.FailedCount, b.Status)
	if err != nil {
		return fmt.Errorf("failed to update batch operation counters: %w", err)
	}
	return nil
}

// CancelByRun marks every running batch for runID cancelled, so a failed
// or cancelled parent run stops spawning further Map children.
func (r *BatchOperationRepository) CancelByRun(ctx context.Context, tx Tx, runID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE batch_operations SET status = 'cancelled', completed_at = now() WHERE run_id = $1 AND status = 'running'`, runID)
	if err != nil {
		return fmt.Errorf("failed to cancel batch operations: %w", err)
	}
	return nil
}

// TimedOut returns running batches whose timeout_ms has elapsed, for the
// Scheduler's reaper pass.
func (r *BatchOperationRepository) TimedOut(ctx context.Context, tx Tx, limit int) ([]*models.BatchOperation, error) {
	query := `
		SELECT ` + batchColumns + `
		FROM batch_operations
		WHERE status = 'running' AND timeout_ms IS NOT NULL
		  AND created_at + (timeout_ms || ' milliseconds')::interval <= now()
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find timed out batches: %w", err)
	}
	defer rows.Close()

	var out []*models.BatchOperation
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch operation: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BatchResultRepository handles the append-only per-item result table.
type BatchResultRepository struct {
	db *db.DB
}

// NewBatchResultRepository creates a new batch result repository.
func NewBatchResultRepository(database *db.DB) *BatchResultRepository {
	return &BatchResultRepository{db: database}
}

// Insert records one item's terminal outcome. The composite primary key
// (batch_id, item_index) guarantees at-most-once recording under
// concurrent child completions (SPEC_FULL.md §4.6 step 1). Returns
// inserted=false on a conflict (duplicate delivery of the same item's
// terminal event), so the caller can skip re-counting it.
func (r *BatchResultRepository) Insert(ctx context.Context, tx Tx, br *models.BatchResult) (bool, error) {
	query := `
		INSERT INTO batch_results (batch_id, item_index, child_run_id, status, output, error_message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6, now())
		ON CONFLICT (batch_id, item_index) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, br.BatchID, br.ItemIndex, br.ChildRunID, br.Status, br.Output, br.ErrorMessage)
	if err != nil {
		return false, fmt.Errorf("failed to insert batch result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListOrdered returns all results for a batch ordered by item_index
// (SPEC_FULL.md §4.6 "Ordering": results presented to the parent sorted by
// item_index regardless of completion order).
func (r *BatchResultRepository) ListOrdered(ctx context.Context, batchID uuid.UUID) ([]*models.BatchResult, error) {
	query := `
		SELECT batch_id, item_index, child_run_id, status, output, error_message, created_at
		FROM batch_results
		WHERE batch_id = $1
		ORDER BY item_index ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch results: %w", err)
	}
	defer rows.Close()

	var out []*models.BatchResult
	for rows.Next() {
		br := &models.BatchResult{}
		if err := rows.Scan(&br.BatchID, &br.ItemIndex, &br.ChildRunID, &br.Status, &br.Output, &br.ErrorMessage, &br.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch result: %w", err)
		}
		out = append(out, br)
	}
	return out, rows.Err()
}

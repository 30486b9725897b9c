// Package repository holds the raw-SQL pgx repositories backing the
// Durable Store, one per model, following the teacher's
// common/repository/run.go pattern: parameterized SQL, fmt.Errorf("...: %w")
// wrapping, no ORM.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/models"
)

// WorkflowRepository handles database operations for workflows.
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository.
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Create inserts a new workflow and returns its allocated id.
func (r *WorkflowRepository) Create(ctx context.Context, w *models.Workflow) (int, error) {
	query := `
		INSERT INTO workflows (name, graph, share_version, schedule_enabled, cron_expression, timezone, overlap_mode, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING id
	`
	var id int
	err := r.db.Pool.QueryRow(ctx, query, w.Name, w.Graph, w.ShareVersion, w.ScheduleEnabled, w.CronExpression, w.Timezone, w.OverlapMode).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create workflow: %w", err)
	}
	return id, nil
}

// GetByID retrieves a workflow by its id.
func (r *WorkflowRepository) GetByID(ctx context.Context, id int) (*models.Workflow, error) {
	query := `
		SELECT id, name, graph, active_version_id, share_version, schedule_enabled, cron_expression, timezone, overlap_mode, schedule_next_run, updated_at
		FROM workflows
		WHERE id = $1
	`
	w := &models.Workflow{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&w.ID, &w.Name, &w.Graph, &w.ActiveVersionID, &w.ShareVersion,
		&w.ScheduleEnabled, &w.CronExpression, &w.Timezone, &w.OverlapMode,
		&w.ScheduleNextRun, &w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return w, nil
}

// UpdateGraph updates a workflow's draft graph (editor save, does not touch
// active_version_id).
func (r *WorkflowRepository) UpdateGraph(ctx context.Context, id int, graph []byte) error {
	query := `UPDATE workflows SET graph = $2, updated_at = now() WHERE id = $1`
	_, err := r.db.Pool.Exec(ctx, query, id, graph)
	if err != nil {
		return fmt.Errorf("failed to update workflow graph: %w", err)
	}
	return nil
}

// SetActiveVersion publishes versionID as the workflow's active version.
// Takes tx so it commits atomically with the WorkflowVersion row it
// points at (spec §4.7 "publish is atomic").
func (r *WorkflowRepository) SetActiveVersion(ctx context.Context, tx Tx, id int, versionID uuid.UUID) error {
	query := `UPDATE workflows SET active_version_id = $2, updated_at = now() WHERE id = $1`
	_, err := tx.Exec(ctx, query, id, versionID)
	if err != nil {
		return fmt.Errorf("failed to set active version: %w", err)
	}
	return nil
}

// DueCronWorkflows claims up to limit workflows whose cron schedule is due,
// via FOR UPDATE SKIP LOCKED so multiple Scheduler instances coexist.
func (r *WorkflowRepository) DueCronWorkflows(ctx context.Context, tx Tx, limit int) ([]*models.Workflow, error) {
	query := `
		SELECT id, name, graph, active_version_id, share_version, schedule_enabled, cron_expression, timezone, overlap_mode, schedule_next_run, updated_at
		FROM workflows
		WHERE schedule_enabled AND schedule_next_run <= now()
		ORDER BY schedule_next_run
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due cron workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		w := &models.Workflow{}
		if err := rows.Scan(&w.ID, &w.Name, &w.Graph, &w.ActiveVersionID, &w.ShareVersion,
			&w.ScheduleEnabled, &w.CronExpression, &w.Timezone, &w.OverlapMode,
			&w.ScheduleNextRun, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetNextRun updates a workflow's schedule_next_run after a cron fire.
func (r *WorkflowRepository) SetNextRun(ctx context.Context, tx Tx, id int, nextRun time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE workflows SET schedule_next_run = $2 WHERE id = $1`, id, nextRun)
	if err != nil {
		return fmt.Errorf("failed to update schedule_next_run: %w", err)
	}
	return nil
}

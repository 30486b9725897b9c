package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/models"
)

// WorkflowVersionRepository handles database operations for immutable
// workflow version snapshots.
type WorkflowVersionRepository struct {
	db *db.DB
}

// NewWorkflowVersionRepository creates a new workflow version repository.
func NewWorkflowVersionRepository(database *db.DB) *WorkflowVersionRepository {
	return &WorkflowVersionRepository{db: database}
}

// Create inserts a new version. Must run in the same transaction as the
// workflow's active_version_id update (publish is atomic).
func (r *WorkflowVersionRepository) Create(ctx context.Context, tx Tx, v *models.WorkflowVersion) error {
	query := `
		INSERT INTO workflow_versions (id, workflow_id, version_number, graph, input_schema, output_schema, change_summary, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
	`
	_, err := tx.Exec(ctx, query, v.ID, v.WorkflowID, v.VersionNumber, v.Graph, v.InputSchema, v.OutputSchema, v.ChangeSummary, v.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to create workflow version: %w", err)
	}
	return nil
}

// NextVersionNumber computes the next version_number for a workflow. Must
// be called within the publish transaction; the unique(workflow_id,
// version_number) constraint is the final guard against a racing publish.
func (r *WorkflowVersionRepository) NextVersionNumber(ctx context.Context, tx Tx, workflowID int) (int, error) {
	query := `SELECT COALESCE(MAX(version_number), 0) + 1 FROM workflow_versions WHERE workflow_id = $1`
	var next int
	err := tx.QueryRow(ctx, query, workflowID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next version number: %w", err)
	}
	return next, nil
}

// GetByID retrieves a version by its id.
func (r *WorkflowVersionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.WorkflowVersion, error) {
	query := `
		SELECT id, workflow_id, version_number, graph, input_schema, output_schema, change_summary, created_by, created_at
		FROM workflow_versions
		WHERE id = $1
	`
	v := &models.WorkflowVersion{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&v.ID, &v.WorkflowID, &v.VersionNumber, &v.Graph, &v.InputSchema, &v.OutputSchema, &v.ChangeSummary, &v.CreatedBy, &v.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow version: %w", err)
	}
	return v, nil
}

package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/models"
)

// ScheduledEventRepository handles database operations for delay wakeups,
// cron fires, and webhook timeouts.
type ScheduledEventRepository struct {
	db *db.DB
}

// NewScheduledEventRepository creates a new scheduled event repository.
func NewScheduledEventRepository(database *db.DB) *ScheduledEventRepository {
	return &ScheduledEventRepository{db: database}
}

// Create inserts a new scheduled event.
func (r *ScheduledEventRepository) Create(ctx context.Context, tx Tx, e *models.ScheduledEvent) error {
	query := `
		INSERT INTO scheduled_events (kind, due_at, target_run_id, target_node_id, target_workflow_id, payload, claimed, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,false, now())
	`
	_, err := tx.Exec(ctx, query, e.Kind, e.DueAt, e.TargetRunID, e.TargetNodeID, e.TargetWorkflowID, e.Payload)
	if err != nil {
		return fmt.Errorf("failed to create scheduled event: %w", err)
	}
	return nil
}

// ClaimDue claims up to limit unclaimed events of kind due by now, via
// FOR UPDATE SKIP LOCKED so multiple Scheduler instances coexist
// (SPEC_FULL.md §4.5, §5).
func (r *ScheduledEventRepository) ClaimDue(ctx context.Context, tx Tx, kind models.ScheduledEventKind, limit int) ([]*models.ScheduledEvent, error) {
	selectQuery := `
		SELECT id, kind, due_at, target_run_id, target_node_id, target_workflow_id, payload, claimed, created_at
		FROM scheduled_events
		WHERE kind = $1 AND due_at <= now() AND NOT claimed
		ORDER BY due_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, selectQuery, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim scheduled events: %w", err)
	}

	var out []*models.ScheduledEvent
	var ids []int64
	for rows.Next() {
		e := &models.ScheduledEvent{}
		if err := rows.Scan(&e.ID, &e.Kind, &e.DueAt, &e.TargetRunID, &e.TargetNodeID, &e.TargetWorkflowID, &e.Payload, &e.Claimed, &e.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan scheduled event: %w", err)
		}
		out = append(out, e)
		ids = append(ids, e.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx, `UPDATE scheduled_events SET claimed = true WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("failed to mark scheduled event claimed: %w", err)
		}
	}

	return out, nil
}

// CancelByRun marks every unclaimed scheduled event targeting runID as
// claimed, so a cancelled or failed run leaves no dangling wakeups.
func (r *ScheduledEventRepository) CancelByRun(ctx context.Context, tx Tx, runID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE scheduled_events SET claimed = true WHERE target_run_id = $1 AND NOT claimed`, runID)
	if err != nil {
		return fmt.Errorf("failed to cancel scheduled events: %w", err)
	}
	return nil
}

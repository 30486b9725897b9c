package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/models"
)

// RunEventRepository handles the append-only run event log.
type RunEventRepository struct {
	db *db.DB
}

// NewRunEventRepository creates a new run event repository.
func NewRunEventRepository(database *db.DB) *RunEventRepository {
	return &RunEventRepository{db: database}
}

// ErrDuplicateEvent is returned when a terminal event's idempotency key
// (run_id, node_id, retry_count, event_type) already exists. Callers treat
// this as a no-op delivery, never as a failure.
var ErrDuplicateEvent = errors.New("duplicate terminal event")

// Append inserts a new event. For NODE_COMPLETED/NODE_FAILED, a unique
// constraint violation on (run_id, node_id, retry_count, event_type)
// surfaces as ErrDuplicateEvent rather than a generic error, so the
// Orchestrator can drop the delivery silently (SPEC_FULL.md §4.3
// Idempotency).
func (r *RunEventRepository) Append(ctx context.Context, tx Tx, event *models.RunEvent) (int64, error) {
	query := `
		INSERT INTO run_events (run_id, node_id, event_type, payload, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id
	`
	var id int64
	err := tx.QueryRow(ctx, query, event.RunID, event.NodeID, event.EventType, event.Payload, event.RetryCount).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, ErrDuplicateEvent
		}
		return 0, fmt.Errorf("failed to append run event: %w", err)
	}
	return id, nil
}

// ListByRun returns every event for a run in log order — the ground truth
// that derived state (status, node output map) is folded from.
func (r *RunEventRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]*models.RunEvent, error) {
	query := `
		SELECT id, run_id, node_id, event_type, payload, retry_count, created_at
		FROM run_events
		WHERE run_id = $1
		ORDER BY id ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var events []*models.RunEvent
	for rows.Next() {
		e := &models.RunEvent{}
		if err := rows.Scan(&e.ID, &e.RunID, &e.NodeID, &e.EventType, &e.Payload, &e.RetryCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// HasTerminalEvent checks whether node_id already has a NODE_COMPLETED or
// NODE_FAILED at retryCount — used by the Orchestrator before recomputing
// successors, belt-and-suspenders alongside the unique constraint.
func (r *RunEventRepository) HasTerminalEvent(ctx context.Context, runID uuid.UUID, nodeID string, retryCount int) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM run_events
			WHERE run_id = $1 AND node_id = $2 AND retry_count = $3
			  AND event_type IN ('NODE_COMPLETED', 'NODE_FAILED')
		)
	`
	var exists bool
	err := r.db.Pool.QueryRow(ctx, query, runID, nodeID, retryCount).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check terminal event: %w", err)
	}
	return exists, nil
}

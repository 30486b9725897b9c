package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/models"
)

// SuspensionTokenRepository handles database operations for webhook-wait
// suspension tokens.
type SuspensionTokenRepository struct {
	db *db.DB
}

// NewSuspensionTokenRepository creates a new suspension token repository.
func NewSuspensionTokenRepository(database *db.DB) *SuspensionTokenRepository {
	return &SuspensionTokenRepository{db: database}
}

// Create inserts a new single-use suspension token.
func (r *SuspensionTokenRepository) Create(ctx context.Context, tx Tx, t *models.SuspensionToken) error {
	query := `
		INSERT INTO suspension_tokens (token, run_id, node_id, expires_at, consumed, created_at)
		VALUES ($1,$2,$3,$4,false, now())
	`
	_, err := tx.Exec(ctx, query, t.Token, t.RunID, t.NodeID, t.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create suspension token: %w", err)
	}
	return nil
}

// ConsumeIfValid atomically marks a token consumed and returns it, or
// returns (nil, false) and an error if it is unknown or already consumed,
// and (token, expired=true) if it is known but past expires_at — letting
// the resume endpoint distinguish 404 from 410 (SPEC_FULL.md §6). An
// expired token is marked consumed as well; the caller's commit or
// rollback decides whether that mark is kept.
func (r *SuspensionTokenRepository) ConsumeIfValid(ctx context.Context, tx Tx, token string) (t *models.SuspensionToken, expired bool, err error) {
	selectQuery := `
		SELECT token, run_id, node_id, expires_at, consumed, created_at
		FROM suspension_tokens
		WHERE token = $1
		FOR UPDATE
	`
	tok := &models.SuspensionToken{}
	scanErr := tx.QueryRow(ctx, selectQuery, token).Scan(&tok.Token, &tok.RunID, &tok.NodeID, &tok.ExpiresAt, &tok.Consumed, &tok.CreatedAt)
	if scanErr != nil {
		return nil, false, fmt.Errorf("suspension token not found: %w", scanErr)
	}
	if tok.Consumed {
		return nil, false, fmt.Errorf("suspension token already consumed")
	}
	if _, err := tx.Exec(ctx, `UPDATE suspension_tokens SET consumed = true WHERE token = $1`, token); err != nil {
		return nil, false, fmt.Errorf("failed to mark token consumed: %w", err)
	}
	return tok, tok.ExpiresAt.Before(time.Now()), nil
}

// CancelByRun marks every unconsumed token for runID consumed, so a
// cancelled or failed run cannot be woken by a late webhook delivery.
func (r *SuspensionTokenRepository) CancelByRun(ctx context.Context, tx Tx, runID uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE suspension_tokens SET consumed = true WHERE run_id = $1 AND NOT consumed`, runID)
	if err != nil {
		return fmt.Errorf("failed to cancel suspension tokens: %w", err)
	}
	return nil
}

// ExpireDue returns still-unconsumed tokens whose expires_at has passed,
// for the Scheduler's webhook-timeout reaping pass.
func (r *SuspensionTokenRepository) ExpireDue(ctx context.Context, tx Tx, limit int) ([]*models.SuspensionToken, error) {
	query := `
		SELECT token, run_id, node_id, expires_at, consumed, created_at
		FROM suspension_tokens
		WHERE NOT consumed AND expires_at <= now()
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find expired tokens: %w", err)
	}
	defer rows.Close()

	var out []*models.SuspensionToken
	for rows.Next() {
		t := &models.SuspensionToken{}
		if err := rows.Scan(&t.Token, &t.RunID, &t.NodeID, &t.ExpiresAt, &t.Consumed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan suspension token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/lyzr/flowengine/internal/db"
)

// Tx is the subset of pgx.Tx the repositories need; callers pass a real
// pgx.Tx so Scheduler/Map engine operations can compose multiple repository calls into one transaction.
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BeginTx starts a new transaction on the pool.
func BeginTx(ctx context.Context, database *db.DB) (pgx.Tx, error) {
	return database.Pool.Begin(ctx)
}

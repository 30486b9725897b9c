package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchStatus is the lifecycle of a Map node's BatchOperation.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchCancelled BatchStatus = "cancelled"
	BatchTimedOut  BatchStatus = "timed_out"
)

// BatchOperation is the one row per Map node per run. Counters are mutated
// under SELECT ... FOR UPDATE on this row; results go to BatchResult to
// keep this row small under high concurrency.
type BatchOperation struct {
	ID               uuid.UUID
	RunID            uuid.UUID
	NodeID           string
	TotalItems       int
	ConcurrencyLimit int
	FailFast         bool
	InputItems       []byte // JSON array
	ChildWorkflowID  int
	ChildVersionID   *uuid.UUID
	ChildGraph       []byte // cached snapshot, avoids a re-read per spawned item
	ChildDepth       int
	CurrentIndex     int
	ActiveCount      int
	CompletedCount   int
	FailedCount      int
	Status           BatchStatus
	TimeoutMs        *int64
	CreatedAt        time.Time
	CompletedAt      *time.Time
}

// ItemStatus is a BatchResult's terminal state for one map item.
type ItemStatus string

const (
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// BatchResult is an append-only record keyed by (batch_id, item_index); the
// composite primary key guarantees at-most-once recording under concurrent
// child completions without row-level contention on a shared counter.
type BatchResult struct {
	BatchID      uuid.UUID
	ItemIndex    int
	ChildRunID   *uuid.UUID
	Status       ItemStatus
	Output       []byte
	ErrorMessage *string
	CreatedAt    time.Time
}

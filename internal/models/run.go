package models

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the run lifecycle status, a derived projection of the event
// log written by the Orchestrator for query efficiency.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunTrigger records what started the run.
type RunTrigger string

const (
	TriggerManual  RunTrigger = "manual"
	TriggerWebhook RunTrigger = "webhook"
	TriggerCron    RunTrigger = "cron"
	TriggerReplay  RunTrigger = "replay"
	TriggerSubflow RunTrigger = "subflow"
)

// MaxDepth bounds recursive sub-flow nesting (invariant 4).
const MaxDepth = 10

// Run is one durable, recoverable execution of a workflow version.
type Run struct {
	ID                uuid.UUID
	WorkflowID        int
	WorkflowVersionID *uuid.UUID
	SnapshotGraph     []byte // materialized verbatim at creation time, never re-read from the live workflow
	Status            RunStatus
	Trigger           RunTrigger
	InputData         []byte
	OutputData        []byte
	Error             *string
	Pinned            bool
	ParentRunID       *uuid.UUID
	ParentNodeID      *string
	ParentBatchID     *uuid.UUID // set when this run is one Map item's child (internal/mapengine routing)
	ParentItemIndex   *int       // this run's item_index within ParentBatchID, when set
	Depth             int
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// EventType is the run event taxonomy. The log is the ground truth of run
// state; status/output are projections folded from these events in order.
type EventType string

const (
	EventRunCreated     EventType = "RUN_CREATED"
	EventRunCompleted   EventType = "RUN_COMPLETED"
	EventRunFailed      EventType = "RUN_FAILED"
	EventRunCancelled   EventType = "RUN_CANCELLED"
	EventNodeScheduled  EventType = "NODE_SCHEDULED"
	EventNodeStarted    EventType = "NODE_STARTED"
	EventNodeCompleted  EventType = "NODE_COMPLETED"
	EventNodeFailed     EventType = "NODE_FAILED"
	EventNodeSuspended  EventType = "NODE_SUSPENDED"
	EventNodeResumed    EventType = "NODE_RESUMED"
	EventNodeRetried    EventType = "NODE_RETRIED"
)

// RunEvent is one append-only log entry. Unique by (run_id, node_id,
// retry_count, event_type) for NODE_COMPLETED/NODE_FAILED — that tuple is
// the idempotency key guarding at-least-once delivery.
type RunEvent struct {
	ID         int64
	RunID      uuid.UUID
	NodeID     *string
	EventType  EventType
	Payload    []byte // JSON
	RetryCount *int
	CreatedAt  time.Time
}

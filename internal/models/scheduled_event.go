package models

import (
	"time"

	"github.com/google/uuid"
)

// ScheduledEventKind distinguishes the kinds of time-based wakeup the
// Scheduler promotes into dispatch-queue tasks. Cron due-times live on
// workflows.schedule_next_run and webhook expiry lives on
// suspension_tokens.expires_at — neither needs a scheduled_events row, so
// DELAY_WAKEUP is this table's only producer today.
type ScheduledEventKind string

const (
	KindDelayWakeup ScheduledEventKind = "DELAY_WAKEUP"
)

// ScheduledEvent is claimed atomically (SELECT ... FOR UPDATE SKIP LOCKED)
// by the Scheduler tick loop.
type ScheduledEvent struct {
	ID              int64
	Kind            ScheduledEventKind
	DueAt           time.Time
	TargetRunID     *uuid.UUID
	TargetNodeID    *string
	TargetWorkflowID *int
	Payload         []byte
	Claimed         bool
	CreatedAt       time.Time
}

// SuspensionToken guards the resume of a WEBHOOK_WAIT node.
type SuspensionToken struct {
	Token     string
	RunID     uuid.UUID
	NodeID    string
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}

// Package models holds the persistent row types backing the Durable Store.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Workflow is the editable, mutable envelope around a draft graph and a
// pointer to the currently published version.
type Workflow struct {
	ID              int
	Name            string
	Graph           []byte // opaque JSON: draft graph, editor-owned
	ActiveVersionID *uuid.UUID
	ShareVersion    int
	ScheduleEnabled bool
	CronExpression  string
	Timezone        string
	OverlapMode     OverlapMode
	ScheduleNextRun *time.Time
	UpdatedAt       time.Time
}

// OverlapMode is the cron policy when a prior cron-triggered run is still
// non-terminal.
type OverlapMode string

const (
	OverlapSkip     OverlapMode = "skip"
	OverlapQueueOne OverlapMode = "queue_one"
	OverlapParallel OverlapMode = "parallel"
)

// WorkflowVersion is an immutable snapshot of a Workflow's graph, created on
// publish and never mutated thereafter.
type WorkflowVersion struct {
	ID            uuid.UUID
	WorkflowID    int
	VersionNumber int
	Graph         []byte // opaque JSON
	InputSchema   []byte
	OutputSchema  []byte
	ChangeSummary string
	CreatedBy     string
	CreatedAt     time.Time
}

// Package queue defines the Dispatch Queue abstraction: an at-least-once
// work queue of node tasks, one stream per node type, with per-message
// visibility timeout and no per-run FIFO guarantee (SPEC_FULL.md §6, §9
// "Backing stores"). Two implementations satisfy it: Redis Streams +
// consumer groups for production, and an in-process queue (MemoryQueue)
// for tests.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// NodeTask is the dispatch-queue envelope. It is not authoritative state —
// re-enqueueing from the event log must be safe because terminal-event
// idempotency defends against duplicates.
type NodeTask struct {
	RunID        string          `json:"run_id"`
	NodeID       string          `json:"node_id"`
	NodeType     string          `json:"node_type"`
	Attempt      int             `json:"attempt"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	Deadline     time.Time       `json:"deadline"`
	ResolvedRef  string          `json:"resolved_ref,omitempty"` // CAS reference to pre-resolved inputs
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Delivery is one popped message; callers must Ack it once processed (or
// let the visibility timeout expire to trigger redelivery).
type Delivery struct {
	ID   string
	Task NodeTask
}

// Queue is the Dispatch Queue's minimal contract: push, pop-with-ack,
// close. Stream selection (one stream per node_type, mirroring the
// teacher's per-kind Redis streams) is the caller's concern, expressed via
// the `stream` parameter.
type Queue interface {
	// Push enqueues a task onto the named stream.
	Push(ctx context.Context, stream string, task NodeTask) error
	// Pop blocks up to block for one or more deliveries from stream,
	// using group/consumer for competing-consumer semantics.
	Pop(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Delivery, error)
	// Ack acknowledges successful processing of a delivery.
	Ack(ctx context.Context, stream, group, deliveryID string) error
	// EnsureGroup creates the consumer group if it does not already exist.
	EnsureGroup(ctx context.Context, stream, group string) error
	Close() error
}

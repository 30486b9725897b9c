// Package executor implements the Execute contract (SPEC_FULL.md §4.2)
// and one Executor per node kind. The dispatcher selects an Executor by
// the node's type tag — the single polymorphism point, no inheritance.
package executor

import (
	"context"
	"time"
)

// Task is the input to Execute: everything an executor needs to run one
// node attempt, already template-resolved by the Orchestrator.
type Task struct {
	RunID         string
	NodeID        string
	NodeConfig    []byte // raw JSON node config
	ResolvedInputs map[string]any
	RetryCount    int
	Deadline      time.Time
	StreamSink    StreamSink
}

// StreamSink forwards progress/token chunks for a running node. Executors
// that do not stream (HTTP, Code, Delay, Router) may ignore it.
type StreamSink interface {
	Progress(message string)
	Token(index int, content string)
}

// OutcomeKind tags which Outcome variant is populated.
type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeSuspended       OutcomeKind = "suspended"
	OutcomeSpawnedChildren OutcomeKind = "spawned_children"
)

// ErrorKind classifies a Failed outcome per SPEC_FULL.md §7.
type ErrorKind string

const (
	ErrorTransport ErrorKind = "ExecutorTransport"
	ErrorPermanent ErrorKind = "ExecutorPermanent"
	ErrorTimeout   ErrorKind = "Timeout"
	ErrorCancelled ErrorKind = "Cancelled"
)

// SuspendReason tags why a node suspended.
type SuspendReason string

const (
	ReasonDelay   SuspendReason = "DELAY"
	ReasonWebhook SuspendReason = "WEBHOOK"
	ReasonSubflow SuspendReason = "SUBFLOW"
	ReasonMap     SuspendReason = "MAP"
)

// Outcome is the sum type Execute returns. Exactly one of the embedded
// variants is meaningful, selected by Kind.
type Outcome struct {
	Kind OutcomeKind

	// Completed
	Output map[string]any

	// Failed
	ErrorKind ErrorKind
	Message   string
	Retryable bool

	// Suspended
	Token      string
	WakeAt     time.Time
	Reason     SuspendReason
	ChildRunID string // SUBFLOW
	BatchID    string // MAP

	// SpawnedChildren is folded into Suspended{reason=MAP|SUBFLOW} in this
	// implementation: both Map and Sub-flow report their child handle via
	// Suspended and the Orchestrator resumes them the same way (§4.4).
}

// Completed builds a Completed outcome.
func Completed(output map[string]any) Outcome {
	return Outcome{Kind: OutcomeCompleted, Output: output}
}

// Failed builds a Failed outcome.
func Failed(kind ErrorKind, message string, retryable bool) Outcome {
	return Outcome{Kind: OutcomeFailed, ErrorKind: kind, Message: message, Retryable: retryable}
}

// Suspended builds a Suspended outcome.
func Suspended(reason SuspendReason) Outcome {
	return Outcome{Kind: OutcomeSuspended, Reason: reason}
}

// Executor implements one node kind's Execute contract.
type Executor interface {
	Execute(ctx context.Context, task Task) Outcome
}

// Dispatcher selects an Executor by node type.
type Dispatcher struct {
	executors map[string]Executor
}

// NewDispatcher builds a Dispatcher from a type->Executor map.
func NewDispatcher(executors map[string]Executor) *Dispatcher {
	return &Dispatcher{executors: executors}
}

// Execute looks up the executor registered for nodeType and runs it.
func (d *Dispatcher) Execute(ctx context.Context, nodeType string, task Task) Outcome {
	ex, ok := d.executors[nodeType]
	if !ok {
		return Failed(ErrorPermanent, "no executor registered for node type: "+nodeType, false)
	}
	return ex.Execute(ctx, task)
}

// Package orchestrator is the successor-computation and completion engine
// (SPEC_FULL.md §4.3, §4.4): it turns one executor Outcome into event log
// writes, run/batch status transitions, and the next wave of dispatch
// queue tasks. Grounded on cmd/workflow-runner/coordinator/completion_handler.go
// and cmd/workflow-runner/operators/control_flow.go's successor logic,
// reshaped from the teacher's inline branch/loop-on-node model to the
// spec's edge + source_handle model (no cycles, see internal/graph).
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/casstore"
	"github.com/lyzr/flowengine/internal/db"
	"github.com/lyzr/flowengine/internal/executor"
	"github.com/lyzr/flowengine/internal/graph"
	"github.com/lyzr/flowengine/internal/logger"
	"github.com/lyzr/flowengine/internal/models"
	"github.com/lyzr/flowengine/internal/queue"
	"github.com/lyzr/flowengine/internal/repository"
	"github.com/lyzr/flowengine/internal/streampublisher"
	"github.com/lyzr/flowengine/internal/template"
)

// Orchestrator wires the event log, the compiled graph, and the dispatch
// queue together. One instance is shared by every runner worker goroutine.
type Orchestrator struct {
	runs             *repository.RunRepository
	runEvents        *repository.RunEventRepository
	workflows        *repository.WorkflowRepository
	workflowVersions *repository.WorkflowVersionRepository
	batches          *repository.BatchOperationRepository
	scheduledEvents  *repository.ScheduledEventRepository
	suspensionTokens *repository.SuspensionTokenRepository
	db               *db.DB
	queue            queue.Queue
	cas              *casstore.Store
	dispatcher       *executor.Dispatcher
	logger           *logger.Logger
	spawner          RunSpawner
	streamPublisher  streampublisher.Publisher
}

// RunSpawner notifies a parent run when its sub-flow child reaches a
// terminal status. Implemented by internal/runapi; nil is valid (no
// sub-flow support wired) for binaries that don't need it.
type RunSpawner interface {
	NotifyParentOfChildTerminal(ctx context.Context, childRun *models.Run, status models.RunStatus, output map[string]any, errMsg string) error
}

// Deps bundles everything New needs; kept as a struct since the
// constructor has grown past the point where positional args stay readable.
type Deps struct {
	Runs             *repository.RunRepository
	RunEvents        *repository.RunEventRepository
	Workflows        *repository.WorkflowRepository
	WorkflowVersions *repository.WorkflowVersionRepository
	Batches          *repository.BatchOperationRepository
	ScheduledEvents  *repository.ScheduledEventRepository
	SuspensionTokens *repository.SuspensionTokenRepository
	DB               *db.DB
	Queue            queue.Queue
	CAS              *casstore.Store
	Dispatcher       *executor.Dispatcher
	Logger           *logger.Logger
	Spawner          RunSpawner
	StreamPublisher  streampublisher.Publisher
}

// New builds an Orchestrator from its dependencies.
func New(d Deps) *Orchestrator {
	return &Orchestrator{
		runs: d.Runs, runEvents: d.RunEvents, workflows: d.Workflows, workflowVersions: d.WorkflowVersions,
		batches: d.Batches, scheduledEvents: d.ScheduledEvents, suspensionTokens: d.SuspensionTokens,
		db: d.DB, queue: d.Queue, cas: d.CAS, dispatcher: d.Dispatcher, logger: d.Logger, spawner: d.Spawner,
		streamPublisher: d.StreamPublisher,
	}
}

// SetDispatcher wires the Executor dispatcher after construction, breaking
// the bootstrap cycle between the Orchestrator (needed by Webhook/Subflow/
// Map executors as TokenIssuer/RunSpawner's collaborator) and the
// Dispatcher (needed by the Orchestrator to run a node).
func (o *Orchestrator) SetDispatcher(d *executor.Dispatcher) {
	o.dispatcher = d
}

// SetSpawner wires the sub-flow parent-notification collaborator after
// construction, for the same reason as SetDispatcher.
func (o *Orchestrator) SetSpawner(s RunSpawner) {
	o.spawner = s
}

// streamSinkFor adapts the best-effort streampublisher.Publisher to the
// per-task executor.StreamSink contract; nil when no publisher is wired
// (e.g. binaries/tests that don't need live streaming).
func (o *Orchestrator) streamSinkFor(runID, nodeID string) executor.StreamSink {
	if o.streamPublisher == nil {
		return nil
	}
	return &runStreamSink{pub: o.streamPublisher, runID: runID, nodeID: nodeID}
}

type runStreamSink struct {
	pub    streampublisher.Publisher
	runID  string
	nodeID string
}

func (s *runStreamSink) Progress(message string) {
	s.pub.Publish(context.Background(), s.runID, streampublisher.Chunk{
		Kind: streampublisher.ChunkProgress, NodeID: s.nodeID, Message: message,
	})
}

func (s *runStreamSink) Token(index int, content string) {
	s.pub.Publish(context.Background(), s.runID, streampublisher.Chunk{
		Kind: streampublisher.ChunkToken, NodeID: s.nodeID, Index: index, Content: content,
	})
}

// DB exposes the shared connection pool so internal/runapi can compose its
// own multi-repository transactions (run creation, publish) without the
// Orchestrator mediating every write.
func (o *Orchestrator) DB() *db.DB {
	return o.db
}

// beginTx starts a transaction and returns commit/rollback closures over
// the underlying pgx.Tx, so call sites read as a flat sequence of
// repository calls instead of juggling the raw pgx.Tx type.
func (o *Orchestrator) beginTx(ctx context.Context) (repository.Tx, func(context.Context) error, func(context.Context) error, error) {
	tx, err := repository.BeginTx(ctx, o.db)
	if err != nil {
		return nil, nil, nil, err
	}
	commit := func(ctx context.Context) error { return tx.Commit(ctx) }
	rollback := func(ctx context.Context) error { return tx.Rollback(ctx) }
	return tx, commit, rollback, nil
}

// streamFor maps a node type to its dispatch queue stream name, one stream
// per node kind (mirroring the teacher's per-kind Redis streams).
func streamFor(nodeType graph.NodeType) string {
	return "nodes." + string(nodeType)
}

// HandleDelivery processes one dequeued NodeTask end to end: execute the
// node, persist the resulting event(s), and schedule whatever comes next.
// Ack is the caller's responsibility once this returns nil.
func (o *Orchestrator) HandleDelivery(ctx context.Context, task queue.NodeTask) error {
	runID, err := uuid.Parse(task.RunID)
	if err != nil {
		return fmt.Errorf("invalid run id in task: %w", err)
	}

	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status != models.RunRunning && run.Status != models.RunPending {
		o.logger.Debug("dropping task for non-running run", "run_id", run.ID, "status", run.Status)
		return nil
	}

	compiled, err := graph.Parse(run.SnapshotGraph)
	if err != nil {
		return fmt.Errorf("failed to parse snapshot graph: %w", err)
	}
	node, ok := compiled.NodesByID[task.NodeID]
	if !ok {
		return fmt.Errorf("node %s not found in snapshot graph", task.NodeID)
	}

	if already, err := o.runEvents.HasTerminalEvent(ctx, runID, task.NodeID, task.Attempt); err != nil {
		return err
	} else if already {
		o.logger.Debug("node already terminal at this retry count, dropping redelivery", "run_id", run.ID, "node_id", node.ID)
		return nil
	}

	if err := o.startNode(ctx, run, node.ID, task.Attempt); err != nil && err != repository.ErrDuplicateEvent {
		return err
	}

	resolved, err := o.loadResolvedTask(ctx, task)
	if err != nil {
		return fmt.Errorf("failed to load resolved task: %w", err)
	}

	execTask := executor.Task{
		RunID:          task.RunID,
		NodeID:         task.NodeID,
		NodeConfig:     resolved.Config,
		ResolvedInputs: resolved.Inputs,
		RetryCount:     task.Attempt,
		Deadline:       task.Deadline,
		StreamSink:     o.streamSinkFor(task.RunID, task.NodeID),
	}

	outcome := o.dispatcher.Execute(ctx, string(node.Type), execTask)
	return o.handleOutcome(ctx, run, compiled, node, task.Attempt, outcome)
}

// handleOutcome dispatches on the Outcome's Kind, persisting the matching
// event(s) and advancing the run.
func (o *Orchestrator) handleOutcome(ctx context.Context, run *models.Run, compiled *graph.Compiled, node *graph.Node, attempt int, outcome executor.Outcome) error {
	switch outcome.Kind {
	case executor.OutcomeCompleted:
		return o.completeNode(ctx, run, compiled, node, attempt, outcome.Output)

	case executor.OutcomeSuspended:
		return o.suspendNode(ctx, run, node, attempt, outcome)

	case executor.OutcomeFailed:
		if outcome.Retryable && attempt+1 < maxTaskAttempts(node) {
			return o.retryNode(ctx, run, node, attempt, outcome)
		}
		return o.failNode(ctx, run, compiled, node, attempt, outcome.Message)

	default:
		return fmt.Errorf("unknown outcome kind: %s", outcome.Kind)
	}
}

// maxTaskAttempts returns the orchestrator-level task retry budget: a
// node-level override if the graph declares one, else 1 (no task-level
// retry beyond what the executor's own backoff loop already attempted —
// DESIGN.md Open Question 2).
func maxTaskAttempts(node *graph.Node) int {
	if node.Retry != nil && node.Retry.MaxAttempts > 0 {
		return node.Retry.MaxAttempts
	}
	return 1
}

func (o *Orchestrator) completeNode(ctx context.Context, run *models.Run, compiled *graph.Compiled, node *graph.Node, attempt int, output map[string]any) error {
	payload, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal node output: %w", err)
	}
	if err := o.appendEvent(ctx, run.ID, &node.ID, models.EventNodeCompleted, payload, &attempt); err != nil {
		if err == repository.ErrDuplicateEvent {
			return nil
		}
		return err
	}
	return o.advance(ctx, run, compiled, node, "success")
}

func (o *Orchestrator) failNode(ctx context.Context, run *models.Run, compiled *graph.Compiled, node *graph.Node, attempt int, message string) error {
	payload, _ := json.Marshal(map[string]any{"error": message})
	if err := o.appendEvent(ctx, run.ID, &node.ID, models.EventNodeFailed, payload, &attempt); err != nil {
		if err == repository.ErrDuplicateEvent {
			return nil
		}
		return err
	}

	errorTargets := successors(compiled, node.ID, "error")
	if len(errorTargets) > 0 {
		return o.scheduleSuccessors(ctx, run, compiled, errorTargets)
	}
	return o.failRun(ctx, run, message)
}

func (o *Orchestrator) retryNode(ctx context.Context, run *models.Run, node *graph.Node, attempt int, outcome executor.Outcome) error {
	nextAttempt := attempt + 1
	if err := o.appendEvent(ctx, run.ID, &node.ID, models.EventNodeRetried, nil, &nextAttempt); err != nil && err != repository.ErrDuplicateEvent {
		return err
	}
	resolvedRef, err := o.resolveAndStore(ctx, run, node)
	if err != nil {
		return err
	}
	task := queue.NodeTask{
		RunID:       run.ID.String(),
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		Attempt:     nextAttempt,
		EnqueuedAt:  time.Now(),
		Deadline:    time.Now().Add(defaultNodeBudget),
		ResolvedRef: resolvedRef,
	}
	return o.queue.Push(ctx, streamFor(node.Type), task)
}

func (o *Orchestrator) suspendNode(ctx context.Context, run *models.Run, node *graph.Node, attempt int, outcome executor.Outcome) error {
	payload, _ := json.Marshal(map[string]any{
		"reason":       outcome.Reason,
		"token":        outcome.Token,
		"wake_at":      outcome.WakeAt,
		"child_run_id": outcome.ChildRunID,
		"batch_id":     outcome.BatchID,
	})
	if err := o.appendEvent(ctx, run.ID, &node.ID, models.EventNodeSuspended, payload, &attempt); err != nil && err != repository.ErrDuplicateEvent {
		return err
	}

	if outcome.Reason != executor.ReasonDelay {
		return nil
	}

	tx, commit, rollback, err := o.beginTx(ctx)
	if err != nil {
		return err
	}
	nodeID := node.ID
	evt := &models.ScheduledEvent{
		Kind:         models.KindDelayWakeup,
		DueAt:        outcome.WakeAt,
		TargetRunID:  &run.ID,
		TargetNodeID: &nodeID,
	}
	if err := o.scheduledEvents.Create(ctx, tx, evt); err != nil {
		_ = rollback(ctx)
		return err
	}
	return commit(ctx)
}

// advance computes node's successors for the given handle, schedules the
// ones whose join is ready, and checks for run completion if none remain.
func (o *Orchestrator) advance(ctx context.Context, run *models.Run, compiled *graph.Compiled, node *graph.Node, handle string) error {
	var targets []string
	if node.Type == graph.NodeRouter {
		matched, err := o.routerMatchedHandles(ctx, run.ID, node.ID)
		if err != nil {
			return err
		}
		seen := map[string]bool{}
		for _, h := range matched {
			for _, t := range successors(compiled, node.ID, h) {
				if !seen[t] {
					seen[t] = true
					targets = append(targets, t)
				}
			}
		}
	} else {
		targets = successors(compiled, node.ID, handle)
	}

	if err := o.scheduleSuccessors(ctx, run, compiled, targets); err != nil {
		return err
	}
	if len(targets) == 0 {
		return o.checkRunCompletion(ctx, run, compiled)
	}
	return nil
}

// routerMatchedHandles re-reads the ROUTER node's NODE_COMPLETED payload to
// recover which condition ids (or "default") matched.
func (o *Orchestrator) routerMatchedHandles(ctx context.Context, runID uuid.UUID, nodeID string) ([]string, error) {
	events, err := o.runEvents.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.NodeID == nil || *e.NodeID != nodeID || e.EventType != models.EventNodeCompleted {
			continue
		}
		var out struct {
			MatchedOutputs []string `json:"matched_outputs"`
		}
		if err := json.Unmarshal(e.Payload, &out); err != nil {
			return nil, fmt.Errorf("failed to parse router output: %w", err)
		}
		return out.MatchedOutputs, nil
	}
	return nil, fmt.Errorf("router node %s has no completed event", nodeID)
}

// scheduleSuccessors schedules every target whose join (if any) is ready.
// Targets that are not yet join-ready are left for the predecessor that
// completes last to schedule.
func (o *Orchestrator) scheduleSuccessors(ctx context.Context, run *models.Run, compiled *graph.Compiled, targets []string) error {
	for _, targetID := range targets {
		ready, alreadyScheduled, err := o.joinStatus(ctx, run.ID, compiled, targetID)
		if err != nil {
			return err
		}
		if alreadyScheduled || !ready {
			continue
		}
		if err := o.scheduleNode(ctx, run, compiled, targetID); err != nil {
			return err
		}
	}
	return nil
}

// joinStatus reports whether targetID is ready to schedule (every
// predecessor that was actually visited in this run has reached a
// terminal state) and whether it has already been scheduled once.
func (o *Orchestrator) joinStatus(ctx context.Context, runID uuid.UUID, compiled *graph.Compiled, targetID string) (ready bool, alreadyScheduled bool, err error) {
	edges := compiled.InEdges[targetID]

	events, err := o.runEvents.ListByRun(ctx, runID)
	if err != nil {
		return false, false, err
	}
	scheduled := map[string]bool{}
	terminal := map[string]bool{}
	for _, e := range events {
		if e.NodeID == nil {
			continue
		}
		switch e.EventType {
		case models.EventNodeScheduled:
			scheduled[*e.NodeID] = true
		case models.EventNodeCompleted, models.EventNodeFailed:
			terminal[*e.NodeID] = true
		}
	}

	if scheduled[targetID] {
		return true, true, nil
	}
	if len(edges) <= 1 {
		return true, false, nil
	}
	for _, edge := range edges {
		if scheduled[edge.Source] && !terminal[edge.Source] {
			return false, false, nil
		}
	}
	return true, false, nil
}

const defaultNodeBudget = 5 * time.Minute

// scheduleNode resolves targetID's inputs, records NODE_SCHEDULED, and
// pushes the task onto its node-type stream.
func (o *Orchestrator) scheduleNode(ctx context.Context, run *models.Run, compiled *graph.Compiled, targetID string) error {
	node, ok := compiled.NodesByID[targetID]
	if !ok {
		return fmt.Errorf("scheduled target %s not found in graph", targetID)
	}

	zero := 0
	if err := o.appendEvent(ctx, run.ID, &node.ID, models.EventNodeScheduled, nil, &zero); err != nil && err != repository.ErrDuplicateEvent {
		return err
	}

	resolvedRef, err := o.resolveAndStore(ctx, run, node)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(defaultNodeBudget)
	if node.TimeoutMs > 0 {
		deadline = time.Now().Add(time.Duration(node.TimeoutMs) * time.Millisecond)
	}

	task := queue.NodeTask{
		RunID:       run.ID.String(),
		NodeID:      node.ID,
		NodeType:    string(node.Type),
		Attempt:     0,
		EnqueuedAt:  time.Now(),
		Deadline:    deadline,
		ResolvedRef: resolvedRef,
	}
	return o.queue.Push(ctx, streamFor(node.Type), task)
}

// resolveAndStore resolves node's config against run's current output
// scope and stores the result in the CAS, returning its reference for the
// dispatch queue message.
func (o *Orchestrator) resolveAndStore(ctx context.Context, run *models.Run, node *graph.Node) (string, error) {
	scope, err := o.nodeOutputScope(ctx, run)
	if err != nil {
		return "", err
	}
	cfg, err := resolveNodeConfig(node, scope)
	if err != nil {
		return "", err
	}
	return o.cas.PutJSON(ctx, resolvedTask{Config: cfg, Inputs: scope.NodeOutputs})
}

// checkRunCompletion marks the run completed once every node that was
// scheduled has reached a terminal state and no node remains in flight.
func (o *Orchestrator) checkRunCompletion(ctx context.Context, run *models.Run, compiled *graph.Compiled) error {
	events, err := o.runEvents.ListByRun(ctx, run.ID)
	if err != nil {
		return err
	}
	scheduled := map[string]bool{}
	terminal := map[string]bool{}
	outputs := map[string]any{}
	for _, e := range events {
		if e.NodeID == nil {
			continue
		}
		switch e.EventType {
		case models.EventNodeScheduled:
			scheduled[*e.NodeID] = true
		case models.EventNodeCompleted:
			terminal[*e.NodeID] = true
			var out any
			_ = json.Unmarshal(e.Payload, &out)
			outputs[*e.NodeID] = out
		case models.EventNodeFailed:
			terminal[*e.NodeID] = true
		}
	}

	for id := range scheduled {
		if !terminal[id] {
			return nil // still in flight
		}
	}

	payload, _ := json.Marshal(outputs)
	tx, commit, rollback, err := o.beginTx(ctx)
	if err != nil {
		return err
	}
	if err := o.runs.CompleteWithOutput(ctx, tx, run.ID, models.RunCompleted, payload, nil); err != nil {
		_ = rollback(ctx)
		return err
	}
	zero := 0
	if _, err := o.runEvents.Append(ctx, tx, &models.RunEvent{RunID: run.ID, EventType: models.EventRunCompleted, Payload: payload, RetryCount: &zero}); err != nil && err != repository.ErrDuplicateEvent {
		_ = rollback(ctx)
		return err
	}
	if err := commit(ctx); err != nil {
		return err
	}

	if o.spawner != nil && run.ParentRunID != nil && run.ParentNodeID != nil {
		return o.spawner.NotifyParentOfChildTerminal(ctx, run, models.RunCompleted, outputs, "")
	}
	return nil
}

// failRun marks the run failed and cancels outstanding suspensions and
// batches so no late webhook/delay/map completion can resurrect it.
func (o *Orchestrator) failRun(ctx context.Context, run *models.Run, message string) error {
	tx, commit, rollback, err := o.beginTx(ctx)
	if err != nil {
		return err
	}
	if err := o.runs.CompleteWithOutput(ctx, tx, run.ID, models.RunFailed, nil, &message); err != nil {
		_ = rollback(ctx)
		return err
	}
	zero := 0
	payload, _ := json.Marshal(map[string]any{"error": message})
	if _, err := o.runEvents.Append(ctx, tx, &models.RunEvent{RunID: run.ID, EventType: models.EventRunFailed, Payload: payload, RetryCount: &zero}); err != nil && err != repository.ErrDuplicateEvent {
		_ = rollback(ctx)
		return err
	}
	if err := o.suspensionTokens.CancelByRun(ctx, tx, run.ID); err != nil {
		_ = rollback(ctx)
		return err
	}
	if err := o.scheduledEvents.CancelByRun(ctx, tx, run.ID); err != nil {
		_ = rollback(ctx)
		return err
	}
	if err := o.batches.CancelByRun(ctx, tx, run.ID); err != nil {
		_ = rollback(ctx)
		return err
	}
	if err := commit(ctx); err != nil {
		return err
	}
	o.cascadeCancelChildren(ctx, run.ID)

	if o.spawner != nil && run.ParentRunID != nil && run.ParentNodeID != nil {
		return o.spawner.NotifyParentOfChildTerminal(ctx, run, models.RunFailed, nil, message)
	}
	return nil
}

// Cancel marks a non-terminal run cancelled and cancels its outstanding
// suspensions/batches. Safe to call on an already-terminal run (no-op).
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunRunning && run.Status != models.RunPending {
		return nil
	}

	tx, commit, rollback, err := o.beginTx(ctx)
	if err != nil {
		return err
	}
	if err := o.runs.UpdateStatus(ctx, tx, runID, models.RunCancelled); err != nil {
		_ = rollback(ctx)
		return err
	}
	zero := 0
	if _, err := o.runEvents.Append(ctx, tx, &models.RunEvent{RunID: runID, EventType: models.EventRunCancelled, RetryCount: &zero}); err != nil && err != repository.ErrDuplicateEvent {
		_ = rollback(ctx)
		return err
	}
	if err := o.suspensionTokens.CancelByRun(ctx, tx, runID); err != nil {
		_ = rollback(ctx)
		return err
	}
	if err := o.scheduledEvents.CancelByRun(ctx, tx, runID); err != nil {
		_ = rollback(ctx)
		return err
	}
	if err := o.batches.CancelByRun(ctx, tx, runID); err != nil {
		_ = rollback(ctx)
		return err
	}
	if err := commit(ctx); err != nil {
		return err
	}
	o.cascadeCancelChildren(ctx, runID)
	return nil
}

// FailStale fails a run stuck past its max wall time with no terminal
// progress, for the Scheduler's reaper pass (SPEC_FULL.md §4.5). Shares
// failRun's cleanup (cancels suspensions/batches/scheduled events, cascades
// to children, notifies a waiting parent).
func (o *Orchestrator) FailStale(ctx context.Context, runID uuid.UUID, message string) error {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != models.RunRunning && run.Status != models.RunPending {
		return nil
	}
	return o.failRun(ctx, run, message)
}

// cascadeCancelChildren cancels runID's non-terminal children (sub-flow or
// Map item runs alike — both set parent_run_id), recursing through Cancel
// so grandchildren are reached too. Spec §4.4/§4.6: "children of a
// cancelled/failed parent are cancelled recursively." Best-effort: a
// failure here is logged, not propagated, since the parent is already
// terminal.
func (o *Orchestrator) cascadeCancelChildren(ctx context.Context, runID uuid.UUID) {
	children, err := o.runs.ChildrenNonTerminal(ctx, runID)
	if err != nil {
		o.logger.Error("failed to list children for cascade cancel", "run_id", runID, "error", err)
		return
	}
	for _, child := range children {
		if err := o.Cancel(ctx, child.ID); err != nil {
			o.logger.Error("failed to cascade cancel child run", "run_id", runID, "child_run_id", child.ID, "error", err)
		}
	}
}

// startNode records NODE_STARTED and, on a run's very first node start,
// transitions the run pending -> running in the same transaction (run
// lifecycle per SPEC_FULL.md §4.1: "pending on creation -> running on
// first NODE_STARTED").
func (o *Orchestrator) startNode(ctx context.Context, run *models.Run, nodeID string, attempt int) error {
	tx, commit, rollback, err := o.beginTx(ctx)
	if err != nil {
		return err
	}
	if run.Status == models.RunPending {
		if err := o.runs.UpdateStatus(ctx, tx, run.ID, models.RunRunning); err != nil {
			_ = rollback(ctx)
			return err
		}
		run.Status = models.RunRunning
	}
	if _, err := o.runEvents.Append(ctx, tx, &models.RunEvent{RunID: run.ID, NodeID: &nodeID, EventType: models.EventNodeStarted, RetryCount: &attempt}); err != nil {
		_ = rollback(ctx)
		return err
	}
	return commit(ctx)
}

// appendEvent is a small convenience wrapper around a one-statement
// transaction for event types that don't need to commit alongside other
// writes.
func (o *Orchestrator) appendEvent(ctx context.Context, runID uuid.UUID, nodeID *string, eventType models.EventType, payload []byte, retryCount *int) error {
	tx, commit, rollback, err := o.beginTx(ctx)
	if err != nil {
		return err
	}
	_, err = o.runEvents.Append(ctx, tx, &models.RunEvent{RunID: runID, NodeID: nodeID, EventType: eventType, Payload: payload, RetryCount: retryCount})
	if err != nil {
		_ = rollback(ctx)
		return err
	}
	return commit(ctx)
}

// loadResolvedTask recovers the resolved config/inputs pair scheduleNode
// stored in the CAS for this task.
func (o *Orchestrator) loadResolvedTask(ctx context.Context, task queue.NodeTask) (resolvedTask, error) {
	if task.ResolvedRef == "" {
		return resolvedTask{Config: json.RawMessage(`{}`), Inputs: map[string]any{}}, nil
	}
	var rt resolvedTask
	if err := o.cas.GetJSON(ctx, task.ResolvedRef, &rt); err != nil {
		return resolvedTask{}, err
	}
	return rt, nil
}

// nodeOutputScope folds the event log into a template.Scope's NodeOutputs,
// seeds "$input" with the run's initial input data so entry nodes can
// reference {{$input.field}} before any node has completed, and — when run
// is one Map item's child (ParentItemIndex set) — populates {{$map.item}}/
// {{$map.index}} from that same input, since a Map child's whole
// input_data IS its item (SPEC_FULL.md §4.6).
func (o *Orchestrator) nodeOutputScope(ctx context.Context, run *models.Run) (template.Scope, error) {
	events, err := o.runEvents.ListByRun(ctx, run.ID)
	if err != nil {
		return template.Scope{}, err
	}
	outputs := map[string]any{}
	var input any
	haveInput := false
	if len(run.InputData) > 0 {
		if err := json.Unmarshal(run.InputData, &input); err == nil {
			outputs["$input"] = input
			haveInput = true
		}
	}
	for _, e := range events {
		if e.NodeID == nil || e.EventType != models.EventNodeCompleted {
			continue
		}
		var out any
		if err := json.Unmarshal(e.Payload, &out); err == nil {
			outputs[*e.NodeID] = out
		}
	}

	scope := template.Scope{NodeOutputs: outputs}
	if run.ParentItemIndex != nil {
		scope.HasMapScope = true
		scope.MapIndex = run.ParentItemIndex
		if haveInput {
			scope.MapItem = input
		}
	}
	return scope, nil
}

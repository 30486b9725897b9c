package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/executor"
	"github.com/lyzr/flowengine/internal/graph"
	"github.com/lyzr/flowengine/internal/models"
	"github.com/lyzr/flowengine/internal/queue"
	"github.com/lyzr/flowengine/internal/repository"
)

// ResumeNode ends a node's suspension with a final outcome (Completed or
// Failed), used by the Scheduler (delay wakeup, webhook timeout), the
// resume HTTP endpoint (webhook delivery), and the Map engine (batch
// terminal). It is idempotent: a run that is no longer running is a no-op,
// and a node that already has a terminal event at this retry count is
// dropped silently (SPEC_FULL.md §4.4).
func (o *Orchestrator) ResumeNode(ctx context.Context, runID uuid.UUID, nodeID string, outcome executor.Outcome) error {
	run, err := o.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status != models.RunRunning && run.Status != models.RunPending {
		return nil
	}

	compiled, err := graph.Parse(run.SnapshotGraph)
	if err != nil {
		return fmt.Errorf("failed to parse snapshot graph: %w", err)
	}
	node, ok := compiled.NodesByID[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found in snapshot graph", nodeID)
	}

	if already, err := o.runEvents.HasTerminalEvent(ctx, runID, nodeID, 0); err != nil {
		return err
	} else if already {
		return nil
	}

	if err := o.appendEvent(ctx, runID, &node.ID, models.EventNodeResumed, nil, nil); err != nil && err != repository.ErrDuplicateEvent {
		return err
	}

	return o.handleOutcome(ctx, run, compiled, node, 0, outcome)
}

// IssueToken implements executor.TokenIssuer for the Webhook-wait node.
func (o *Orchestrator) IssueToken(ctx context.Context, runID, nodeID string, expiresAt time.Time) (string, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return "", fmt.Errorf("invalid run id: %w", err)
	}
	token := executor.NewSuspensionToken()
	tx, commit, rollback, err := o.beginTx(ctx)
	if err != nil {
		return "", err
	}
	t := &models.SuspensionToken{Token: token, RunID: id, NodeID: nodeID, ExpiresAt: expiresAt}
	if err := o.suspensionTokens.Create(ctx, tx, t); err != nil {
		_ = rollback(ctx)
		return "", err
	}
	if err := commit(ctx); err != nil {
		return "", err
	}
	return token, nil
}

// ScheduleEntryNodes records NODE_SCHEDULED for every entry node of a
// freshly created run and pushes their tasks, within the same transaction
// the caller (internal/runapi) used to insert the run row and RUN_CREATED
// event. The caller commits tx; ScheduleEntryNodes only queues pushes to
// run after commit via the returned tasks.
func (o *Orchestrator) ScheduleEntryNodes(ctx context.Context, tx repository.Tx, run *models.Run, compiled *graph.Compiled) ([]pendingTask, error) {
	var tasks []pendingTask
	for _, node := range compiled.EntryNodes() {
		zero := 0
		if _, err := o.runEvents.Append(ctx, tx, &models.RunEvent{RunID: run.ID, NodeID: &node.ID, EventType: models.EventNodeScheduled, RetryCount: &zero}); err != nil {
			return nil, err
		}
		resolvedRef, err := o.resolveAndStore(ctx, run, node)
		if err != nil {
			return nil, err
		}
		deadline := time.Now().Add(defaultNodeBudget)
		if node.TimeoutMs > 0 {
			deadline = time.Now().Add(time.Duration(node.TimeoutMs) * time.Millisecond)
		}
		tasks = append(tasks, pendingTask{
			stream: streamFor(node.Type),
			task: queue.NodeTask{
				RunID:       run.ID.String(),
				NodeID:      node.ID,
				NodeType:    string(node.Type),
				Attempt:     0,
				EnqueuedAt:  time.Now(),
				Deadline:    deadline,
				ResolvedRef: resolvedRef,
			},
		})
	}
	return tasks, nil
}

// pendingTask pairs a NodeTask with the stream to push it onto, deferred
// until after the caller's transaction commits.
type pendingTask struct {
	stream string
	task   queue.NodeTask
}

// PushPending pushes tasks returned by ScheduleEntryNodes once the
// creating transaction has committed.
func (o *Orchestrator) PushPending(ctx context.Context, tasks []pendingTask) error {
	for _, t := range tasks {
		if err := o.queue.Push(ctx, t.stream, t.task); err != nil {
			return err
		}
	}
	return nil
}

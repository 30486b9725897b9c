package executor

import (
	"context"
	"encoding/json"
	"fmt"
)

// RunSpawner creates a child run in-process and returns its id, injected
// by internal/runapi (SPEC_FULL.md §4.2a: sub-flow/map call the run
// creation path directly rather than over HTTP).
type RunSpawner interface {
	SpawnChildRun(ctx context.Context, parentRunID, parentNodeID string, childWorkflowID int, childVersionID string, input map[string]any) (childRunID string, err error)
}

// SubflowExecutor implements the SUBFLOW node kind.
type SubflowExecutor struct {
	spawner RunSpawner
}

// NewSubflowExecutor creates a Sub-flow node executor.
func NewSubflowExecutor(spawner RunSpawner) *SubflowExecutor {
	return &SubflowExecutor{spawner: spawner}
}

type subflowConfig struct {
	ChildWorkflowID int            `json:"child_workflow_id"`
	ChildVersionID  string         `json:"child_version_id,omitempty"`
	Input           map[string]any `json:"input"`
}

// Execute spawns the child run and suspends the parent node until the
// child reaches a terminal status (§4.4).
func (e *SubflowExecutor) Execute(ctx context.Context, task Task) Outcome {
	var cfg subflowConfig
	if err := json.Unmarshal(task.NodeConfig, &cfg); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("invalid subflow node config: %v", err), false)
	}
	if cfg.ChildWorkflowID == 0 {
		return Failed(ErrorPermanent, "subflow node config missing child_workflow_id", false)
	}

	childRunID, err := e.spawner.SpawnChildRun(ctx, task.RunID, task.NodeID, cfg.ChildWorkflowID, cfg.ChildVersionID, cfg.Input)
	if err != nil {
		if isDepthExceeded(err) {
			return Failed(ErrorPermanent, err.Error(), false)
		}
		return Failed(ErrorTransport, err.Error(), true)
	}

	outcome := Suspended(ReasonSubflow)
	outcome.ChildRunID = childRunID
	return outcome
}

// DepthExceededError signals a child run was rejected for exceeding
// MaxDepth; kept distinct from a transient spawn failure so it is never
// retried.
type DepthExceededError struct{ Depth int }

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("sub-flow depth %d exceeds maximum", e.Depth)
}

func isDepthExceeded(err error) bool {
	_, ok := err.(*DepthExceededError)
	return ok
}

package executor

import (
	"context"
	"encoding/json"
	"fmt"
)

// BatchSpawner creates a BatchOperation and starts its initial wave of
// children, injected by internal/mapengine. timeoutMs is 0 when the Map
// node sets no timeout.
type BatchSpawner interface {
	SpawnBatch(ctx context.Context, parentRunID, parentNodeID string, childWorkflowID int, childVersionID string, items []any, concurrencyLimit int, failFast bool, timeoutMs int64) (batchID string, err error)
}

// MapExecutor implements the MAP node kind.
type MapExecutor struct {
	spawner BatchSpawner
}

// NewMapExecutor creates a Map node executor.
func NewMapExecutor(spawner BatchSpawner) *MapExecutor {
	return &MapExecutor{spawner: spawner}
}

type mapConfig struct {
	ChildWorkflowID  int    `json:"child_workflow_id"`
	ChildVersionID   string `json:"child_version_id,omitempty"`
	Items            []any  `json:"items"`
	ConcurrencyLimit int    `json:"concurrency_limit"`
	FailFast         bool   `json:"fail_fast"`
	TimeoutMs        int64  `json:"timeout_ms,omitempty"`
}

// Execute creates a BatchOperation over cfg.Items and suspends the node
// until the batch completes or fails (§4.4, §4.6).
func (e *MapExecutor) Execute(ctx context.Context, task Task) Outcome {
	var cfg mapConfig
	if err := json.Unmarshal(task.NodeConfig, &cfg); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("invalid map node config: %v", err), false)
	}
	if cfg.ChildWorkflowID == 0 {
		return Failed(ErrorPermanent, "map node config missing child_workflow_id", false)
	}
	if len(cfg.Items) == 0 {
		return Completed(map[string]any{"results": []any{}})
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 1
	}

	batchID, err := e.spawner.SpawnBatch(ctx, task.RunID, task.NodeID, cfg.ChildWorkflowID, cfg.ChildVersionID, cfg.Items, cfg.ConcurrencyLimit, cfg.FailFast, cfg.TimeoutMs)
	if err != nil {
		if isDepthExceeded(err) {
			return Failed(ErrorPermanent, err.Error(), false)
		}
		return Failed(ErrorTransport, err.Error(), true)
	}

	outcome := Suspended(ReasonMap)
	outcome.BatchID = batchID
	return outcome
}

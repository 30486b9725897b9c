package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// InlineDelayThreshold is the boundary at which a Delay node is executed
// inline (blocking the worker) rather than suspended for the Scheduler to
// wake later. Delays of exactly this duration run inline (spec's
// boundary is inclusive on the inline side).
const InlineDelayThreshold = 60 * time.Second

// DelayExecutor implements the DELAY node kind.
type DelayExecutor struct{}

// NewDelayExecutor creates a Delay node executor.
func NewDelayExecutor() *DelayExecutor {
	return &DelayExecutor{}
}

type delayConfig struct {
	DelayMs int64 `json:"delay_ms"`
}

// Execute sleeps inline for delays at or below InlineDelayThreshold;
// longer delays suspend the node for the Scheduler to resume later.
func (e *DelayExecutor) Execute(ctx context.Context, task Task) Outcome {
	var cfg delayConfig
	if err := json.Unmarshal(task.NodeConfig, &cfg); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("invalid delay node config: %v", err), false)
	}
	if cfg.DelayMs < 0 {
		return Failed(ErrorPermanent, "delay_ms must be non-negative", false)
	}

	delay := time.Duration(cfg.DelayMs) * time.Millisecond
	if delay <= InlineDelayThreshold {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return Completed(map[string]any{"slept_ms": cfg.DelayMs})
		case <-ctx.Done():
			return Failed(ErrorCancelled, "delay interrupted", false)
		}
	}

	outcome := Suspended(ReasonDelay)
	outcome.WakeAt = time.Now().Add(delay)
	return outcome
}

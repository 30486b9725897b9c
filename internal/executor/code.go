// Code node executor: runs user JavaScript in an isolated goja VM with a
// fixed time budget. New functionality — the teacher has no Code node —
// grounded on the goja dependency surfaced by the other_examples manifests
// (compozy-compozy, rakunlabs-at, stherrien-gorax) for JS-sandboxed
// workflow steps.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/lyzr/flowengine/internal/logger"
)

// CodeExecutor runs a user script with the resolved input bound as a
// global `input`. The script body runs as a function, so its output is
// the value of an explicit `return`; without one the output is empty.
type CodeExecutor struct {
	budget time.Duration
	logger *logger.Logger
}

// NewCodeExecutor creates a Code node executor with the given CPU/time
// budget per invocation.
func NewCodeExecutor(budget time.Duration, log *logger.Logger) *CodeExecutor {
	return &CodeExecutor{budget: budget, logger: log}
}

type codeConfig struct {
	Code string `json:"code"`
}

// Execute runs cfg.Code against task.ResolvedInputs, bounded by both
// e.budget and task.Deadline, whichever elapses first.
func (e *CodeExecutor) Execute(ctx context.Context, task Task) Outcome {
	var cfg codeConfig
	if err := json.Unmarshal(task.NodeConfig, &cfg); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("invalid code node config: %v", err), false)
	}

	deadline := task.Deadline
	if budgetDeadline := time.Now().Add(e.budget); e.budget > 0 && budgetDeadline.Before(deadline) {
		deadline = budgetDeadline
	}

	vm := goja.New()
	if err := vm.Set("input", task.ResolvedInputs); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("failed to bind input: %v", err), false)
	}

	timer := time.AfterFunc(time.Until(deadline), func() {
		vm.Interrupt("execution budget exceeded")
	})
	defer timer.Stop()

	value, err := vm.RunString("(function(){ " + cfg.Code + " })()")
	if err != nil {
		if _, ok := err.(*goja.InterruptedError); ok {
			return Failed(ErrorTimeout, "code node exceeded its execution budget", false)
		}
		return Failed(ErrorPermanent, err.Error(), false)
	}

	exported := value.Export()
	output, ok := toOutputMap(exported)
	if !ok {
		return Failed(ErrorPermanent, "code node return value must be JSON-serializable", false)
	}
	return Completed(output)
}

// toOutputMap normalizes a goja-exported value into the map[string]any
// shape Completed expects via a JSON round-trip (so numbers come back as
// float64), wrapping non-object returns under "value".
func toOutputMap(v any) (map[string]any, bool) {
	if v == nil {
		return map[string]any{}, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return nil, false
	}
	if m, ok := decoded.(map[string]any); ok {
		return m, true
	}
	return map[string]any{"value": decoded}, true
}

// Router node executor: evaluates named JS predicates against a resolved
// value and reports which succeeded, for the Orchestrator to route the
// `source_handle`-gated outgoing edges (SPEC_FULL.md §4.2, §4.3). New
// node kind relative to the teacher's inline branch-on-node model;
// predicate evaluation is grounded on the goja dependency (DESIGN.md Open
// Question 1) rather than the teacher's CEL-based BranchOperator.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
)

// RouterExecutor implements the ROUTER node kind. The Orchestrator is
// responsible for resolving route_by into Value before dispatch; this
// executor only evaluates predicates.
type RouterExecutor struct{}

// NewRouterExecutor creates a Router node executor.
func NewRouterExecutor() *RouterExecutor {
	return &RouterExecutor{}
}

type routerConditionConfig struct {
	ID         string `json:"id"`
	Expression string `json:"expression"`
}

type routerConfig struct {
	Value      any                     `json:"value"`
	Conditions []routerConditionConfig `json:"conditions"`
	Default    string                  `json:"default"`
	Mode       string                  `json:"mode"` // "first_match" | "broadcast"
}

// Execute evaluates cfg.Conditions in declaration order against cfg.Value.
// first_match returns the first truthy match's id, or Default if none
// match; broadcast returns every truthy match's id, or Default if none
// match.
func (e *RouterExecutor) Execute(ctx context.Context, task Task) Outcome {
	var cfg routerConfig
	if err := json.Unmarshal(task.NodeConfig, &cfg); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("invalid router node config: %v", err), false)
	}

	vm := goja.New()
	if err := vm.Set("value", cfg.Value); err != nil {
		return Failed(ErrorPermanent, fmt.Sprintf("failed to bind value: %v", err), false)
	}

	var matched []string
	for _, cond := range cfg.Conditions {
		ok, err := evalPredicate(vm, cond.Expression)
		if err != nil {
			return Failed(ErrorPermanent, fmt.Sprintf("condition %s failed to evaluate: %v", cond.ID, err), false)
		}
		if !ok {
			continue
		}
		matched = append(matched, cond.ID)
		if cfg.Mode != "broadcast" {
			break
		}
	}

	if len(matched) == 0 && cfg.Default != "" {
		matched = []string{cfg.Default}
	}

	return Completed(map[string]any{"matched_outputs": matched})
}

// evalPredicate runs expr against the bindings already set on vm and
// coerces the result to a boolean via JS truthiness rules.
func evalPredicate(vm *goja.Runtime, expr string) (bool, error) {
	v, err := vm.RunString(expr)
	if err != nil {
		return false, err
	}
	return v.ToBoolean(), nil
}

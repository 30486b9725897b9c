package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/lyzr/flowengine/internal/graph"
	"github.com/lyzr/flowengine/internal/template"
)

// resolvedTask is what scheduleNode stores in the CAS and HandleDelivery
// fetches back out: the node-type-specific config with every `{{...}}`
// reference resolved against the scope at schedule time, plus the raw
// node-output map for Code nodes to bind as `input`.
type resolvedTask struct {
	Config json.RawMessage `json:"config"`
	Inputs map[string]any  `json:"inputs"`
}

// resolveNodeConfig builds the JSON payload an Executor expects, folding
// the graph.Node's type-specific fields (which live outside Config for
// ROUTER/MAP/SUBFLOW/DELAY/WEBHOOK_WAIT) together with scope-resolved
// template references.
func resolveNodeConfig(node *graph.Node, scope template.Scope) (json.RawMessage, error) {
	switch node.Type {
	case graph.NodeRouter:
		value := template.ResolveValue(node.RouteBy, scope)
		return json.Marshal(map[string]any{
			"value":      value,
			"conditions": node.Conditions,
			"default":    node.Default,
			"mode":       string(node.Mode),
		})

	case graph.NodeMap:
		if node.MapConfig == nil {
			return nil, fmt.Errorf("map node %s missing map_config", node.ID)
		}
		items := template.ResolveValue(node.MapConfig.ItemsExpr, scope)
		itemsSlice, _ := items.([]any)
		return json.Marshal(map[string]any{
			"child_workflow_id":  node.MapConfig.ChildWorkflowID,
			"child_version_id":   node.MapConfig.ChildVersionID,
			"items":              itemsSlice,
			"concurrency_limit":  node.MapConfig.ConcurrencyLimit,
			"fail_fast":          node.MapConfig.FailFast,
			"timeout_ms":         node.MapConfig.TimeoutMs,
		})

	case graph.NodeSubflow:
		if node.SubflowConfig == nil {
			return nil, fmt.Errorf("subflow node %s missing subflow_config", node.ID)
		}
		var input map[string]any
		if node.SubflowConfig.InputExpr != "" {
			if resolved, ok := template.ResolveValue(node.SubflowConfig.InputExpr, scope).(map[string]any); ok {
				input = resolved
			}
		}
		return json.Marshal(map[string]any{
			"child_workflow_id": node.SubflowConfig.ChildWorkflowID,
			"child_version_id":  node.SubflowConfig.ChildVersionID,
			"input":             input,
		})

	case graph.NodeWebhookWait:
		return json.Marshal(map[string]any{"timeout_ms": node.TimeoutMs})

	case graph.NodeDelay:
		return json.Marshal(map[string]any{"delay_ms": node.DelayMs})

	default: // HTTP, CODE, LLM: Config is already the shape the Executor wants,
		// resolve every string leaf against scope.
		var raw any
		if len(node.Config) > 0 {
			if err := json.Unmarshal(node.Config, &raw); err != nil {
				return nil, fmt.Errorf("failed to unmarshal node config: %w", err)
			}
		}
		resolved := template.ResolveValue(raw, scope)
		return json.Marshal(resolved)
	}
}

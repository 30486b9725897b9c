// Package template resolves `{{...}}` references against node outputs
// folded from the event log, `$env.*` secrets, and the `$map.item`/
// `$map.index` scope injected for Map-spawned children. Adapted from the
// teacher's gjson-based $nodes./${} resolver: same field-path extraction
// mechanics, different delimiter syntax and unresolved-reference behavior.
package template

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var placeholder = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// Scope is the pure-function input: other nodes' outputs keyed by node id,
// environment lookups, and (for Map children) item/index injections.
type Scope struct {
	NodeOutputs map[string]any
	Env         map[string]string
	MapItem     any
	MapIndex    *int
	HasMapScope bool
}

// Resolve substitutes every `{{...}}` occurrence in str. Unresolved paths
// collapse to empty string — an explicit design choice (SPEC_FULL.md §4.2a,
// §9), not an error path, unlike the teacher's resolver.
func Resolve(str string, scope Scope) string {
	return placeholder.ReplaceAllStringFunc(str, func(match string) string {
		inner := placeholder.FindStringSubmatch(match)[1]
		val, ok := resolveExpr(inner, scope)
		if !ok {
			return ""
		}
		return stringify(val)
	})
}

// ResolveValue recursively resolves every string leaf in an arbitrary JSON
// value (map/slice/string/primitive), mirroring the teacher's
// resolveValue/resolveMap/resolveArray recursion.
func ResolveValue(value any, scope Scope) any {
	switch v := value.(type) {
	case string:
		return resolveStringValue(v, scope)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = ResolveValue(val, scope)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = ResolveValue(val, scope)
		}
		return out
	default:
		return value
	}
}

// resolveStringValue returns the raw resolved value (not stringified) when
// the entire string is exactly one `{{...}}` reference, matching the
// teacher's "full node reference returns the native type" behavior;
// otherwise falls back to string interpolation.
func resolveStringValue(str string, scope Scope) any {
	matches := placeholder.FindStringSubmatch(str)
	if matches != nil && matches[0] == strings.TrimSpace(str) {
		val, ok := resolveExpr(matches[1], scope)
		if !ok {
			return ""
		}
		return val
	}
	return Resolve(str, scope)
}

func resolveExpr(expr string, scope Scope) (any, bool) {
	expr = strings.TrimSpace(expr)

	switch {
	case strings.HasPrefix(expr, "$env."):
		key := strings.TrimPrefix(expr, "$env.")
		val, ok := scope.Env[key]
		if !ok {
			return nil, false
		}
		return val, true

	case expr == "$map.item":
		if !scope.HasMapScope {
			return nil, false
		}
		return scope.MapItem, true

	case expr == "$map.index":
		if !scope.HasMapScope || scope.MapIndex == nil {
			return nil, false
		}
		return *scope.MapIndex, true

	default:
		return resolveNodeReference(expr, scope)
	}
}

// resolveNodeReference resolves "node_id" or "node_id.field.path" against
// scope.NodeOutputs, extracting sub-fields via gjson when a path is given.
func resolveNodeReference(expr string, scope Scope) (any, bool) {
	parts := strings.SplitN(expr, ".", 2)
	nodeID := parts[0]

	output, ok := scope.NodeOutputs[nodeID]
	if !ok {
		return nil, false
	}
	if len(parts) == 1 {
		return output, true
	}

	raw, err := json.Marshal(output)
	if err != nil {
		return nil, false
	}

	result := gjson.GetBytes(raw, parts[1])
	if !result.Exists() {
		return nil, false
	}
	return result.Value(), true
}

func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

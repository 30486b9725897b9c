package template

import "testing"

func TestResolve_NodeFieldPath(t *testing.T) {
	scope := Scope{NodeOutputs: map[string]any{
		"fetch": map[string]any{"body": map[string]any{"id": "abc123"}},
	}}
	got := Resolve("user is {{ fetch.body.id }}", scope)
	if got != "user is abc123" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_UnresolvedCollapsesToEmpty(t *testing.T) {
	scope := Scope{NodeOutputs: map[string]any{}}
	got := Resolve("value: {{ missing.field }}", scope)
	if got != "value: " {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_EnvLookup(t *testing.T) {
	scope := Scope{Env: map[string]string{"API_KEY": "secret"}}
	got := Resolve("Bearer {{ $env.API_KEY }}", scope)
	if got != "Bearer secret" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_MapItemAndIndex(t *testing.T) {
	idx := 2
	scope := Scope{HasMapScope: true, MapItem: "widget", MapIndex: &idx}
	got := Resolve("item {{ $map.index }}: {{ $map.item }}", scope)
	if got != "item 2: widget" {
		t.Fatalf("got %q", got)
	}
}

func TestResolve_MapScopeUnavailableOutsideMapChild(t *testing.T) {
	scope := Scope{}
	got := Resolve("{{ $map.item }}", scope)
	if got != "" {
		t.Fatalf("expected empty string outside map scope, got %q", got)
	}
}

func TestResolveValue_FullReferenceReturnsNativeType(t *testing.T) {
	scope := Scope{NodeOutputs: map[string]any{
		"fetch": map[string]any{"count": 5},
	}}
	got := ResolveValue("{{ fetch.count }}", scope)
	n, ok := got.(float64)
	if !ok {
		t.Fatalf("expected float64 (via json round-trip), got %T: %v", got, got)
	}
	if n != 5 {
		t.Fatalf("got %v", n)
	}
}

func TestResolveValue_PartialInterpolationStaysString(t *testing.T) {
	scope := Scope{NodeOutputs: map[string]any{"fetch": map[string]any{"count": 5}}}
	got := ResolveValue("count={{ fetch.count }}", scope)
	if got != "count=5" {
		t.Fatalf("got %v", got)
	}
}

func TestResolveValue_RecursesThroughMapsAndSlices(t *testing.T) {
	scope := Scope{NodeOutputs: map[string]any{"a": map[string]any{"x": "1"}}}
	input := map[string]any{
		"list": []any{"{{ a.x }}", "literal"},
		"nested": map[string]any{
			"v": "{{ a.x }}",
		},
	}
	got := ResolveValue(input, scope).(map[string]any)
	list := got["list"].([]any)
	if list[0] != "1" || list[1] != "literal" {
		t.Fatalf("got %v", list)
	}
	nested := got["nested"].(map[string]any)
	if nested["v"] != "1" {
		t.Fatalf("got %v", nested)
	}
}

func TestResolveValue_NonStringLeafUnchanged(t *testing.T) {
	scope := Scope{}
	got := ResolveValue(42, scope)
	if got != 42 {
		t.Fatalf("got %v", got)
	}
}

package executor

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRouterExecutor_FirstMatch(t *testing.T) {
	e := NewRouterExecutor()
	cfg, _ := json.Marshal(routerConfig{
		Value: 42,
		Conditions: []routerConditionConfig{
			{ID: "low", Expression: "value < 10"},
			{ID: "high", Expression: "value >= 10"},
		},
		Mode: "first_match",
	})

	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg})
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v: %s", outcome.Kind, outcome.Message)
	}
	matched := outcome.Output["matched_outputs"].([]string)
	if len(matched) != 1 || matched[0] != "high" {
		t.Fatalf("expected [high], got %v", matched)
	}
}

func TestRouterExecutor_Broadcast(t *testing.T) {
	e := NewRouterExecutor()
	cfg, _ := json.Marshal(routerConfig{
		Value: 42,
		Conditions: []routerConditionConfig{
			{ID: "even", Expression: "value % 2 === 0"},
			{ID: "positive", Expression: "value > 0"},
		},
		Mode: "broadcast",
	})

	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg})
	matched := outcome.Output["matched_outputs"].([]string)
	if len(matched) != 2 {
		t.Fatalf("expected both conditions to match, got %v", matched)
	}
}

func TestRouterExecutor_NoMatchFallsBackToDefault(t *testing.T) {
	e := NewRouterExecutor()
	cfg, _ := json.Marshal(routerConfig{
		Value: 42,
		Conditions: []routerConditionConfig{
			{ID: "negative", Expression: "value < 0"},
		},
		Default: "fallback",
	})

	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg})
	matched := outcome.Output["matched_outputs"].([]string)
	if len(matched) != 1 || matched[0] != "fallback" {
		t.Fatalf("expected [fallback], got %v", matched)
	}
}

func TestRouterExecutor_InvalidExpressionFailsPermanent(t *testing.T) {
	e := NewRouterExecutor()
	cfg, _ := json.Marshal(routerConfig{
		Value:      42,
		Conditions: []routerConditionConfig{{ID: "bad", Expression: "this is not valid js ((("}},
	})

	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg})
	if outcome.Kind != OutcomeFailed || outcome.ErrorKind != ErrorPermanent {
		t.Fatalf("expected permanent failure, got %+v", outcome)
	}
}

func TestRouterExecutor_InvalidConfigFailsPermanent(t *testing.T) {
	e := NewRouterExecutor()
	outcome := e.Execute(context.Background(), Task{NodeConfig: []byte("not json")})
	if outcome.Kind != OutcomeFailed || outcome.ErrorKind != ErrorPermanent {
		t.Fatalf("expected permanent failure, got %+v", outcome)
	}
}

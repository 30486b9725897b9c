package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lyzr/flowengine/internal/logger"
)

func testLogger() *logger.Logger {
	return logger.New("error", "console")
}

func TestCodeExecutor_ReturnsObjectOutput(t *testing.T) {
	e := NewCodeExecutor(time.Second, testLogger())
	cfg, _ := json.Marshal(codeConfig{Code: "return { doubled: input.n * 2 };"})

	outcome := e.Execute(context.Background(), Task{
		NodeConfig:     cfg,
		ResolvedInputs: map[string]any{"n": 21},
		Deadline:       time.Now().Add(time.Second),
	})
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v: %s", outcome.Kind, outcome.Message)
	}
	if outcome.Output["doubled"].(float64) != 42 {
		t.Fatalf("expected 42, got %v", outcome.Output["doubled"])
	}
}

func TestCodeExecutor_ScalarReturnWrappedUnderValue(t *testing.T) {
	e := NewCodeExecutor(time.Second, testLogger())
	cfg, _ := json.Marshal(codeConfig{Code: "return 7;"})

	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg, Deadline: time.Now().Add(time.Second)})
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v: %s", outcome.Kind, outcome.Message)
	}
	if outcome.Output["value"].(float64) != 7 {
		t.Fatalf("expected value 7, got %v", outcome.Output["value"])
	}
}

func TestCodeExecutor_SyntaxErrorFailsPermanent(t *testing.T) {
	e := NewCodeExecutor(time.Second, testLogger())
	cfg, _ := json.Marshal(codeConfig{Code: "this is not ( valid js"})

	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg, Deadline: time.Now().Add(time.Second)})
	if outcome.Kind != OutcomeFailed || outcome.ErrorKind != ErrorPermanent {
		t.Fatalf("expected permanent failure, got %+v", outcome)
	}
}

func TestCodeExecutor_ExceedsBudgetTimesOut(t *testing.T) {
	e := NewCodeExecutor(20*time.Millisecond, testLogger())
	cfg, _ := json.Marshal(codeConfig{Code: "while(true) {}"})

	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg, Deadline: time.Now().Add(time.Minute)})
	if outcome.Kind != OutcomeFailed || outcome.ErrorKind != ErrorTimeout {
		t.Fatalf("expected timeout failure, got %+v", outcome)
	}
}

func TestCodeExecutor_NoExplicitReturnYieldsEmptyOutput(t *testing.T) {
	e := NewCodeExecutor(time.Second, testLogger())
	cfg, _ := json.Marshal(codeConfig{Code: "input.n * 2;"})

	outcome := e.Execute(context.Background(), Task{
		NodeConfig: cfg, ResolvedInputs: map[string]any{"n": 5}, Deadline: time.Now().Add(time.Second),
	})
	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v: %s", outcome.Kind, outcome.Message)
	}
}

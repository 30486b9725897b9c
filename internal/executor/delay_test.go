package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestDelayExecutor_ShortDelayRunsInline(t *testing.T) {
	e := NewDelayExecutor()
	cfg, _ := json.Marshal(delayConfig{DelayMs: 5})

	start := time.Now()
	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg})
	elapsed := time.Since(start)

	if outcome.Kind != OutcomeCompleted {
		t.Fatalf("expected completed, got %v: %s", outcome.Kind, outcome.Message)
	}
	if elapsed < 5*time.Millisecond {
		t.Fatalf("expected to actually sleep, elapsed %v", elapsed)
	}
}

func TestDelayExecutor_LongDelaySuspends(t *testing.T) {
	e := NewDelayExecutor()
	cfg, _ := json.Marshal(delayConfig{DelayMs: int64((InlineDelayThreshold + time.Second) / time.Millisecond)})

	before := time.Now()
	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg})

	if outcome.Kind != OutcomeSuspended {
		t.Fatalf("expected suspended, got %v", outcome.Kind)
	}
	if outcome.Reason != ReasonDelay {
		t.Fatalf("expected ReasonDelay, got %v", outcome.Reason)
	}
	if !outcome.WakeAt.After(before) {
		t.Fatalf("expected WakeAt in the future, got %v (before %v)", outcome.WakeAt, before)
	}
}

func TestDelayExecutor_NegativeDelayFailsPermanent(t *testing.T) {
	e := NewDelayExecutor()
	cfg, _ := json.Marshal(delayConfig{DelayMs: -1})
	outcome := e.Execute(context.Background(), Task{NodeConfig: cfg})
	if outcome.Kind != OutcomeFailed || outcome.ErrorKind != ErrorPermanent {
		t.Fatalf("expected permanent failure, got %+v", outcome)
	}
}

func TestDelayExecutor_ContextCancelledDuringInlineSleep(t *testing.T) {
	e := NewDelayExecutor()
	cfg, _ := json.Marshal(delayConfig{DelayMs: 5000})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome := e.Execute(ctx, Task{NodeConfig: cfg})
	if outcome.Kind != OutcomeFailed || outcome.ErrorKind != ErrorCancelled {
		t.Fatalf("expected cancelled failure, got %+v", outcome)
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/lyzr/flowengine/internal/bootstrap"
	"github.com/lyzr/flowengine/internal/graph"
	"github.com/lyzr/flowengine/internal/queue"
)

// Node worker pool: one consumer-group loop per node_type stream (mirroring
// the teacher's per-kind worker split in cmd/workflow-runner/worker), all
// delivering into Orchestrator.HandleDelivery, plus the scheduler tick/reap
// loop started alongside them.
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	components, err := bootstrap.Setup(ctx, "runner")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap runner: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	components.Logger.Info("runner starting")

	nodeTypes := []graph.NodeType{
		graph.NodeHTTP, graph.NodeCode, graph.NodeDelay, graph.NodeWebhookWait,
		graph.NodeRouter, graph.NodeLLM, graph.NodeSubflow, graph.NodeMap,
	}

	errChan := make(chan error, len(nodeTypes)+1)

	for _, nt := range nodeTypes {
		nt := nt
		stream := "nodes." + string(nt)
		group := "node_workers"
		consumer := fmt.Sprintf("runner_%s_%s", nt, uuid.New().String()[:8])

		if err := components.Queue.EnsureGroup(ctx, stream, group); err != nil {
			components.Logger.Error("failed to ensure consumer group", "stream", stream, "error", err)
			os.Exit(1)
		}

		go func() {
			components.Logger.Info("starting node worker", "stream", stream, "consumer", consumer)
			if err := runWorkerLoop(ctx, components, stream, group, consumer); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("worker %s: %w", stream, err)
			}
		}()
	}

	go func() {
		components.Logger.Info("starting scheduler")
		if err := components.Scheduler.Run(ctx); err != nil && err != context.Canceled {
			errChan <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	components.Logger.Info("runner started", "node_types", len(nodeTypes))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		components.Logger.Error("component failed", "error", err)
		os.Exit(1)
	case sig := <-sigChan:
		components.Logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}

	time.Sleep(500 * time.Millisecond)
}

// runWorkerLoop pops deliveries from stream and hands each to
// Orchestrator.HandleDelivery, acking on success. A failed delivery is left
// unacked so the queue's visibility timeout redelivers it (at-least-once
// delivery, no per-run FIFO guarantee).
func runWorkerLoop(ctx context.Context, c *bootstrap.Components, stream, group, consumer string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries, err := c.Queue.Pop(ctx, stream, group, consumer, 10, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Logger.Error("pop failed", "stream", stream, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, d := range deliveries {
			handleDelivery(ctx, c, stream, group, d)
		}
	}
}

func handleDelivery(ctx context.Context, c *bootstrap.Components, stream, group string, d queue.Delivery) {
	if err := c.Orchestrator.HandleDelivery(ctx, d.Task); err != nil {
		c.Logger.Error("delivery failed, leaving unacked for redelivery",
			"stream", stream, "run_id", d.Task.RunID, "node_id", d.Task.NodeID, "error", err)
		return
	}
	if err := c.Queue.Ack(ctx, stream, group, d.ID); err != nil {
		c.Logger.Error("ack failed", "stream", stream, "delivery_id", d.ID, "error", err)
	}
}

// Package streampublisher implements the fire-and-forget progress/token
// sink consumed by an SSE edge out of scope here (SPEC_FULL.md §6). Best
// effort: the event log remains authoritative, publish failures are
// logged and swallowed. Grounded on common/redis/client.go's
// PublishEvent and cmd/fanout/hub.go's fan-out-to-subscribers shape.
package streampublisher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/logger"
)

// ChunkKind tags the four chunk shapes the contract allows.
type ChunkKind string

const (
	ChunkProgress ChunkKind = "progress"
	ChunkToken    ChunkKind = "token"
	ChunkComplete ChunkKind = "complete"
	ChunkError    ChunkKind = "error"
)

// Chunk is one unit published for a run_id.
type Chunk struct {
	Kind    ChunkKind `json:"kind"`
	NodeID  string    `json:"node_id"`
	Message string    `json:"message,omitempty"` // progress, error
	Index   int       `json:"index,omitempty"`   // token
	Content string    `json:"content,omitempty"` // token
}

// Publisher is the Stream Publisher's contract.
type Publisher interface {
	Publish(ctx context.Context, runID string, chunk Chunk)
}

// RedisPublisher publishes chunks over a per-run Redis Pub/Sub channel.
type RedisPublisher struct {
	client *redis.Client
	logger *logger.Logger
}

// New creates a Redis-backed publisher.
func New(client *redis.Client, log *logger.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: log}
}

// Publish is best-effort: marshal/publish failures are logged, never
// returned, matching the "delivery is best-effort" contract.
func (p *RedisPublisher) Publish(ctx context.Context, runID string, chunk Chunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		p.logger.Warn("failed to marshal stream chunk", "run_id", runID, "error", err)
		return
	}
	channel := fmt.Sprintf("run.%s.stream", runID)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.logger.Warn("failed to publish stream chunk", "run_id", runID, "error", err)
	}
}

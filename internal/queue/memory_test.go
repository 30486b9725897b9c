package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueue_PushPop(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	ctx := context.Background()

	require.NoError(t, q.Push(ctx, "nodes.HTTP", NodeTask{RunID: "r1", NodeID: "n1"}))

	deliveries, err := q.Pop(ctx, "nodes.HTTP", "g1", "c1", 10, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, "r1", deliveries[0].Task.RunID)
}

func TestMemoryQueue_PopBlocksUntilTimeoutWhenEmpty(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	start := time.Now()
	deliveries, err := q.Pop(context.Background(), "empty", "g1", "c1", 10, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Nil(t, deliveries)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
}

func TestMemoryQueue_AckRemovesInFlight(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "s", NodeTask{RunID: "r1"}))

	deliveries, err := q.Pop(ctx, "s", "g", "c", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)

	require.NoError(t, q.Ack(ctx, "s", "g", deliveries[0].ID))
	assert.Error(t, q.Ack(ctx, "s", "g", deliveries[0].ID), "acking an already-acked delivery should fail")
}

func TestMemoryQueue_UnackedMessageIsRedelivered(t *testing.T) {
	q := NewMemoryQueue(20 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, q.Push(ctx, "s", NodeTask{RunID: "r1"}))

	first, err := q.Pop(ctx, "s", "g", "c1", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Don't ack; wait past the visibility timeout and expect redelivery.
	second, err := q.Pop(ctx, "s", "g", "c2", 1, 200*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "r1", second[0].Task.RunID)
}

func TestMemoryQueue_CountLimitsBatchSize(t *testing.T) {
	q := NewMemoryQueue(time.Second)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, "s", NodeTask{RunID: "r"}))
	}
	deliveries, err := q.Pop(ctx, "s", "g", "c", 3, time.Second)
	require.NoError(t, err)
	assert.Len(t, deliveries, 3)
}

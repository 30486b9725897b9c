package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue implementation satisfying the same
// at-least-once + visibility-timeout contract as RedisQueue, for tests
// (SPEC_FULL.md §9 "Backing stores"). Grounded on common/queue/queue.go's
// MemoryQueue shape, generalized from pub/sub topics to competing-consumer
// streams with redelivery.
type MemoryQueue struct {
	mu       sync.Mutex
	streams  map[string]*memStream
	visTimeout time.Duration
}

type memStream struct {
	pending   []Delivery           // available for delivery
	inFlight  map[string]inFlightMsg // deliveryID -> message, awaiting ack
	cond      *sync.Cond
}

type inFlightMsg struct {
	delivery   Delivery
	deadline   time.Time
}

// NewMemoryQueue creates an in-process dispatch queue. visTimeout bounds
// how long an unacked delivery stays invisible before being redelivered.
func NewMemoryQueue(visTimeout time.Duration) *MemoryQueue {
	if visTimeout <= 0 {
		visTimeout = 30 * time.Second
	}
	return &MemoryQueue{
		streams:    make(map[string]*memStream),
		visTimeout: visTimeout,
	}
}

func (q *MemoryQueue) stream(name string) *memStream {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.streams[name]
	if !ok {
		s = &memStream{inFlight: make(map[string]inFlightMsg)}
		s.cond = sync.NewCond(&q.mu)
		q.streams[name] = s
	}
	return s
}

// Push appends a task to the named stream.
func (q *MemoryQueue) Push(ctx context.Context, stream string, task NodeTask) error {
	s := q.stream(stream)
	q.mu.Lock()
	s.pending = append(s.pending, Delivery{ID: uuid.NewString(), Task: task})
	q.mu.Unlock()
	s.cond.Broadcast()
	return nil
}

// Pop blocks up to block for up to count deliveries, reclaiming any
// in-flight message whose visibility timeout has expired first.
func (q *MemoryQueue) Pop(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	s := q.stream(stream)
	deadline := time.Now().Add(block)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		q.reclaimExpiredLocked(s)

		if len(s.pending) > 0 {
			n := int64(len(s.pending))
			if n > count {
				n = count
			}
			out := s.pending[:n]
			s.pending = s.pending[n:]
			now := time.Now()
			for _, d := range out {
				s.inFlight[d.ID] = inFlightMsg{delivery: d, deadline: now.Add(q.visTimeout)}
			}
			return out, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		waitCh := make(chan struct{})
		go func() {
			time.Sleep(remaining)
			q.mu.Lock()
			s.cond.Broadcast()
			q.mu.Unlock()
			close(waitCh)
		}()
		s.cond.Wait()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

func (q *MemoryQueue) reclaimExpiredLocked(s *memStream) {
	now := time.Now()
	for id, msg := range s.inFlight {
		if now.After(msg.deadline) {
			s.pending = append(s.pending, msg.delivery)
			delete(s.inFlight, id)
		}
	}
}

// Ack removes a delivery from the in-flight set.
func (q *MemoryQueue) Ack(ctx context.Context, stream, group, deliveryID string) error {
	s := q.stream(stream)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := s.inFlight[deliveryID]; !ok {
		return fmt.Errorf("delivery %s not in flight", deliveryID)
	}
	delete(s.inFlight, deliveryID)
	return nil
}

// EnsureGroup is a no-op; MemoryQueue has no separate group namespace.
func (q *MemoryQueue) EnsureGroup(ctx context.Context, stream, group string) error { return nil }

// Close releases no resources.
func (q *MemoryQueue) Close() error { return nil }

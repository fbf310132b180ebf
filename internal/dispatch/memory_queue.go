package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/nine-one-six-systems/prospector/internal/intel"
)

// MemoryQueue is a bounded in-memory task queue for development and tests.
type MemoryQueue struct {
	mu       sync.Mutex
	capacity int
	channels map[string]chan intel.Task
}

// NewMemoryQueue constructs a MemoryQueue with the given per-queue capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &MemoryQueue{
		capacity: capacity,
		channels: make(map[string]chan intel.Task),
	}
}

func (q *MemoryQueue) channel(queue string) chan intel.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.channels[queue]
	if !ok {
		ch = make(chan intel.Task, q.capacity)
		q.channels[queue] = ch
	}
	return ch
}

// Enqueue pushes a task or returns when the context ends.
func (q *MemoryQueue) Enqueue(ctx context.Context, queue string, task intel.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.channel(queue) <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *MemoryQueue) Dequeue(ctx context.Context, queue string) (intel.Task, error) {
	select {
	case <-ctx.Done():
		return intel.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.channel(queue):
		return task, nil
	}
}

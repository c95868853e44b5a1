package bridge

import (
	"context"
	"sync"
	"time"
)

// EventQueue buffers sync events between intake and the worker pool.
// TryEnqueue is non-blocking so webhook handlers can acknowledge within
// their deadline; Dequeue blocks until an event or context cancellation.
// Durable implementations (file, postgres) give at-least-once delivery
// across a process restart.
type EventQueue interface {
	TryEnqueue(ev SyncEvent) bool
	Enqueue(ctx context.Context, ev SyncEvent) bool
	Dequeue(ctx context.Context) (SyncEvent, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemoryEventQueue struct {
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SyncEvent
}

func NewInMemoryEventQueue(capacity int) EventQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryEventQueue{
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SyncEvent{},
	}
}

func (q *inMemoryEventQueue) TryEnqueue(ev SyncEvent) bool {
	if !ev.Valid() {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, ev)
	return true
}

func (q *inMemoryEventQueue) Enqueue(ctx context.Context, ev SyncEvent) bool {
	for {
		if q.TryEnqueue(ev) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *inMemoryEventQueue) Dequeue(ctx context.Context) (SyncEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SyncEvent{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *inMemoryEventQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryEventQueue) Capacity() int {
	return q.capacity
}

func (q *inMemoryEventQueue) Close() error {
	return nil
}

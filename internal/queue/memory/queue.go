// Package memory provides the in-memory priority job queue.
package memory

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crawlkit/crawld/internal/core"
)

// Queue is a mutex-guarded priority queue with context-aware blocking
// dequeue. High-priority items come out before normal ones; within a
// priority, items leave in enqueue-time order (FIFO). Popping an item is the
// atomic claim point shared by all workers: the single mutex guarantees no
// two callers ever receive the same item.
type Queue struct {
	mu     sync.Mutex
	items  itemHeap
	seq    uint64
	closed bool

	notify  chan struct{}
	closeCh chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{
		notify:  make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

// Enqueue adds an item and wakes one waiting dequeuer.
func (q *Queue) Enqueue(ctx context.Context, item core.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("queue closed")
	}
	q.seq++
	heap.Push(&q.items, &queuedItem{item: item, seq: q.seq})
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue pops the highest-priority item, blocking until one is available or
// the context ends.
func (q *Queue) Dequeue(ctx context.Context) (core.QueueItem, error) {
	for {
		q.mu.Lock()
		if q.items.Len() > 0 {
			qi := heap.Pop(&q.items).(*queuedItem)
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining > 0 {
				// Wake the next waiter; the single notify token may have
				// been consumed by a dequeuer that raced us to the lock.
				q.signal()
			}
			return qi.item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return core.QueueItem{}, errors.New("queue closed")
		}
		select {
		case <-ctx.Done():
			return core.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.closeCh:
			return core.QueueItem{}, errors.New("queue closed")
		case <-q.notify:
		}
	}
}

// Remove deletes a queued item by job ID, reporting whether it was present.
// Used for cancellation of jobs that have not been claimed yet.
func (q *Queue) Remove(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, qi := range q.items {
		if qi.item.JobID == jobID {
			heap.Remove(&q.items, i)
			return true
		}
	}
	return false
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Close rejects further enqueues and wakes all blocked dequeuers. Items
// already queued are discarded; the durable job store sweep re-queues them on
// the next start.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.closeCh)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type queuedItem struct {
	item  core.QueueItem
	seq   uint64
	index int
}

// itemHeap orders by priority descending, then enqueue time, then insertion
// sequence for stability.
type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority > h[j].item.Priority
	}
	if !h[i].item.EnqueuedAt.Equal(h[j].item.EnqueuedAt) {
		return h[i].item.EnqueuedAt.Before(h[j].item.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	qi := x.(*queuedItem)
	qi.index = len(*h)
	*h = append(*h, qi)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	qi := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qi
}

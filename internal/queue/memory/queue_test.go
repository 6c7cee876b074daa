package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawld/internal/core"
)

func item(jobID string, prio core.Priority, at time.Time) core.QueueItem {
	return core.QueueItem{JobID: jobID, PluginID: "p1", Priority: prio, Attempt: 1, EnqueuedAt: at}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, q.Enqueue(ctx, item("a", core.PriorityNormal, base)))
	require.NoError(t, q.Enqueue(ctx, item("b", core.PriorityNormal, base.Add(time.Second))))
	require.NoError(t, q.Enqueue(ctx, item("c", core.PriorityNormal, base.Add(2*time.Second))))

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.JobID)
	}
}

func TestQueueHighPriorityFirst(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, q.Enqueue(ctx, item("scheduled", core.PriorityNormal, base)))
	require.NoError(t, q.Enqueue(ctx, item("manual", core.PriorityHigh, base.Add(time.Minute))))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "manual", got.JobID)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "scheduled", got.JobID)
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	done := make(chan core.QueueItem, 1)
	go func() {
		got, err := q.Dequeue(ctx)
		if err == nil {
			done <- got
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, item("late", core.PriorityNormal, time.Now())))

	select {
	case got := <-done:
		require.Equal(t, "late", got.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe enqueue")
	}
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.Error(t, err)
}

// Every item is claimed by exactly one of many concurrent dequeuers.
func TestQueueExclusiveClaim(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	const total = 200
	base := time.Now()
	for i := 0; i < total; i++ {
		id := fmt.Sprintf("job-%03d", i)
		require.NoError(t, q.Enqueue(ctx, item(id, core.PriorityNormal, base.Add(time.Duration(i)))))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				dequeueCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
				got, err := q.Dequeue(dequeueCtx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[got.JobID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "item %s claimed %d times", id, n)
	}
}

func TestQueueRemove(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, q.Enqueue(ctx, item("keep", core.PriorityNormal, base)))
	require.NoError(t, q.Enqueue(ctx, item("drop", core.PriorityNormal, base.Add(time.Second))))

	require.True(t, q.Remove("drop"))
	require.False(t, q.Remove("drop"))
	require.Equal(t, 1, q.Len())

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "keep", got.JobID)
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not observe close")
	}

	require.Error(t, q.Enqueue(ctx, item("x", core.PriorityNormal, time.Now())))
}

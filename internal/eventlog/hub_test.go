package eventlog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// collectSink records every batch it consumes.
type collectSink struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (s *collectSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, batch...)
	return nil
}

func (s *collectSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *collectSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func testEvent(level Level, source, msg string) Event {
	return Event{Level: level, Source: source, Message: msg}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHubAssignsMonotonicSeq(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer hub.Close(context.Background())

	for i := 0; i < 50; i++ {
		hub.Emit(testEvent(LevelInfo, "test", fmt.Sprintf("event %d", i)))
	}
	waitFor(t, func() bool { return len(hub.Query(Filter{})) == 50 }, "events not recorded")

	events := hub.Query(Filter{})
	for i, evt := range events {
		require.Equal(t, uint64(i+1), evt.Seq)
		require.False(t, evt.TS.IsZero())
	}
}

func TestHubHistoryBounded(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{HistorySize: 10})
	defer hub.Close(context.Background())

	for i := 0; i < 25; i++ {
		hub.Emit(testEvent(LevelInfo, "test", fmt.Sprintf("event %d", i)))
	}
	waitFor(t, func() bool {
		events := hub.Query(Filter{})
		return len(events) == 10 && events[len(events)-1].Seq == 25
	}, "history not trimmed to bound")

	events := hub.Query(Filter{})
	// Oldest events evicted, order preserved.
	require.Equal(t, uint64(16), events[0].Seq)
	require.Equal(t, "event 15", events[0].Message)
}

func TestHubQueryFilters(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer hub.Close(context.Background())

	hub.Emit(Event{Level: LevelDebug, Source: "worker", JobID: "j1", Message: "claimed"})
	hub.Emit(Event{Level: LevelError, Source: "worker", JobID: "j1", PluginID: "p1", Message: "job failed"})
	hub.Emit(Event{Level: LevelInfo, Source: "scheduler", PluginID: "p2", Message: "job queued"})
	waitFor(t, func() bool { return len(hub.Query(Filter{})) == 3 }, "events not recorded")

	require.Len(t, hub.Query(Filter{MinLevel: LevelWarn}), 1)
	require.Len(t, hub.Query(Filter{Source: "worker"}), 2)
	require.Len(t, hub.Query(Filter{PluginID: "p2"}), 1)
	require.Len(t, hub.Query(Filter{JobID: "j1", MinLevel: LevelError}), 1)
	require.Empty(t, hub.Query(Filter{Source: "api"}))
}

func TestHubSubscribeReplaysHistory(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer hub.Close(context.Background())

	hub.Emit(testEvent(LevelInfo, "test", "before"))
	waitFor(t, func() bool { return len(hub.Query(Filter{})) == 1 }, "event not recorded")

	history, sub := hub.Subscribe(Filter{})
	defer sub.Cancel()
	require.Len(t, history, 1)
	require.Equal(t, "before", history[0].Message)

	hub.Emit(testEvent(LevelInfo, "test", "after"))
	select {
	case evt := <-sub.C:
		require.Equal(t, "after", evt.Message)
		require.Greater(t, evt.Seq, history[0].Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("live event not delivered")
	}
}

func TestHubSubscriptionFiltered(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer hub.Close(context.Background())

	_, sub := hub.Subscribe(Filter{MinLevel: LevelError})
	defer sub.Cancel()

	hub.Emit(testEvent(LevelInfo, "test", "noise"))
	hub.Emit(testEvent(LevelError, "test", "signal"))

	select {
	case evt := <-sub.C:
		require.Equal(t, "signal", evt.Message)
	case <-time.After(2 * time.Second):
		t.Fatal("matching event not delivered")
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer hub.Close(context.Background())

	_, sub := hub.Subscribe(Filter{})
	sub.Cancel()
	_, ok := <-sub.C
	require.False(t, ok)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	defer hub.Close(context.Background())

	hub.Emit(Event{Level: "loud", Source: "test", Message: "bad level"})
	hub.Emit(Event{Level: LevelInfo, Message: "no source"})
	hub.Emit(Event{Level: LevelInfo, Source: "test"})
	hub.Emit(testEvent(LevelInfo, "test", "good"))

	waitFor(t, func() bool { return len(hub.Query(Filter{})) == 1 }, "valid event not recorded")
	require.Equal(t, "good", hub.Query(Filter{})[0].Message)
}

func TestHubFlushesSinksOnClose(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	hub := NewHub(Config{MaxBatchWait: time.Hour}, sink)
	for i := 0; i < 5; i++ {
		hub.Emit(testEvent(LevelInfo, "test", fmt.Sprintf("event %d", i)))
	}
	require.NoError(t, hub.Close(context.Background()))

	got := sink.snapshot()
	require.Len(t, got, 5)
	sink.mu.Lock()
	require.True(t, sink.closed)
	sink.mu.Unlock()
}

func TestHubBatchSizeFlush(t *testing.T) {
	t.Parallel()

	sink := &collectSink{}
	hub := NewHub(Config{MaxBatchEvents: 3, MaxBatchWait: time.Hour}, sink)
	defer hub.Close(context.Background())

	for i := 0; i < 3; i++ {
		hub.Emit(testEvent(LevelInfo, "test", fmt.Sprintf("event %d", i)))
	}
	waitFor(t, func() bool { return len(sink.snapshot()) == 3 }, "batch not flushed at size threshold")
}

func TestHubEmitAfterClose(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{})
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(testEvent(LevelInfo, "test", "late"))
	require.Empty(t, hub.Query(Filter{}))
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	// Tiny buffer with no consumer headroom; Emit must return regardless.
	hub := NewHub(Config{BufferSize: 1})
	defer hub.Close(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			hub.Emit(testEvent(LevelInfo, "test", "flood"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emit blocked under backpressure")
	}
}

// blockSink stalls Consume until released so emitted events pile up in the
// hub's buffer behind it.
type blockSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockSink) Consume(context.Context, []Event) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil
}

func (s *blockSink) Close(context.Context) error { return nil }

func TestHubOverflowEvictsOldest(t *testing.T) {
	t.Parallel()

	sink := &blockSink{started: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(Config{BufferSize: 2, MaxBatchEvents: 1}, sink)

	// The first event wedges the run loop inside the sink; everything after
	// queues in the two-slot buffer.
	hub.Emit(testEvent(LevelInfo, "test", "e1"))
	select {
	case <-sink.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sink never consumed the first event")
	}
	hub.Emit(testEvent(LevelInfo, "test", "e2"))
	hub.Emit(testEvent(LevelInfo, "test", "e3"))
	hub.Emit(testEvent(LevelInfo, "test", "e4"))
	hub.Emit(testEvent(LevelInfo, "test", "e5"))

	close(sink.release)
	require.NoError(t, hub.Close(context.Background()))

	// e2 and e3 were evicted to make room; the newest events survive.
	var got []string
	for _, evt := range hub.Query(Filter{Source: "test"}) {
		got = append(got, evt.Message)
	}
	require.Equal(t, []string{"e1", "e4", "e5"}, got)

	summaries := hub.Query(Filter{Source: "eventlog"})
	require.Len(t, summaries, 1)
	require.Equal(t, "2", summaries[0].Detail["dropped"])
}

func TestFilterMatches(t *testing.T) {
	t.Parallel()

	evt := Event{
		TS:       time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Level:    LevelWarn,
		Source:   "worker",
		PluginID: "p1",
		JobID:    "j1",
		Message:  "slow fetch",
	}
	require.True(t, Filter{}.Matches(evt))
	require.True(t, Filter{MinLevel: LevelInfo, Source: "worker", PluginID: "p1", JobID: "j1"}.Matches(evt))
	require.False(t, Filter{MinLevel: LevelError}.Matches(evt))
	require.False(t, Filter{Since: evt.TS.Add(time.Minute)}.Matches(evt))
	require.True(t, Filter{Since: evt.TS}.Matches(evt))
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, "2xx", ClassifyStatus(204))
	require.Equal(t, "3xx", ClassifyStatus(301))
	require.Equal(t, "4xx", ClassifyStatus(404))
	require.Equal(t, "5xx", ClassifyStatus(503))
	require.Equal(t, "other", ClassifyStatus(0))
}

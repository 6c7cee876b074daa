package eventlog

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering, history, and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - HistorySize: events retained for Query and subscription replay (default 8192).
//   - MaxBatchEvents: flush sinks once this many events queue (default 1000).
//   - MaxBatchWait: flush sinks after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - SubscriberBuffer: per-subscriber channel capacity (default 256).
//   - DropSummaryInterval: cadence of synthetic drop-summary events (default 5s).
//   - BaseContext: parent context passed to sink calls (defaults to context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize          int
	HistorySize         int
	MaxBatchEvents      int
	MaxBatchWait        time.Duration
	SinkTimeout         time.Duration
	SubscriberBuffer    int
	DropSummaryInterval time.Duration
	BaseContext         context.Context
	Logger              *zap.Logger
}

const (
	defaultBufferSize       = 4096
	defaultHistorySize      = 8192
	defaultMaxBatchEvents   = 1000
	defaultMaxBatchWait     = 500 * time.Millisecond
	defaultSinkTimeout      = 10 * time.Second
	defaultSubscriberBuffer = 256
	defaultDropSummary      = 5 * time.Second
)

// Hub is the append-only event stream. Emission never blocks callers; the
// background goroutine assigns sequence numbers, maintains the bounded
// history, fans events out to subscribers, and batches them into sinks.
type Hub struct {
	cfg   Config
	sinks []Sink

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	mu      sync.RWMutex
	seq     uint64
	history []Event // ring buffer, oldest first once full
	subs    map[uint64]*Subscription
	nextSub uint64

	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// Subscription is a live tail of the stream. Events that match the filter are
// delivered on C; if the subscriber falls behind its buffer, newer events are
// skipped (the sequence numbers expose gaps).
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	filter Filter
	hub    *Hub
	id     uint64
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s.id)
}

// NewHub initializes a Hub and starts the background goroutine using the
// supplied sinks. The returned Hub is immediately ready to accept events.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.DropSummaryInterval <= 0 {
		cfg.DropSummaryInterval = defaultDropSummary
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
		subs:   make(map[uint64]*Subscription),
	}
	go h.run()
	return h
}

// Emit enqueues an Event. It never blocks; if the buffer is full the oldest
// queued event is evicted so the newest survives, the eviction is counted, and
// a synthetic warning summarizing the drops is appended on the next summary
// tick so drop-silence never goes unnoticed.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	select {
	case <-h.events:
		h.dropped.Add(1)
	default:
	}
	select {
	case h.events <- evt:
	default:
		// Lost the race with another producer; count this one instead.
		h.dropped.Add(1)
	}
}

// Query returns history events matching the filter, oldest first.
func (h *Hub) Query(filter Filter) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []Event
	for _, evt := range h.history {
		if filter.Matches(evt) {
			out = append(out, evt)
		}
	}
	return out
}

// Subscribe returns matching history plus a live continuation. The returned
// slice covers everything recorded before the subscription became active, so
// callers see a gap-free stream across the boundary.
func (h *Hub) Subscribe(filter Filter) ([]Event, *Subscription) {
	ch := make(chan Event, h.cfg.SubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, filter: filter, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	var history []Event
	for _, evt := range h.history {
		if filter.Matches(evt) {
			history = append(history, evt)
		}
	}
	h.nextSub++
	sub.id = h.nextSub
	h.subs[sub.id] = sub
	return history, sub
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.ch)
}

// Close drains remaining events, flushes sinks, and blocks until the
// background goroutine exits. Safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	flushTimer := time.NewTimer(h.cfg.MaxBatchWait)
	flushTimer.Stop()
	timerActive := false
	summary := time.NewTicker(h.cfg.DropSummaryInterval)
	defer summary.Stop()

	for {
		select {
		case evt := <-h.events:
			evt = h.record(evt)
			batch = h.enqueueBatch(batch, evt, flushTimer, &timerActive)
		case <-flushTimer.C:
			timerActive = false
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-summary.C:
			if evt, ok := h.dropSummary(); ok {
				evt = h.record(evt)
				batch = h.enqueueBatch(batch, evt, flushTimer, &timerActive)
			}
		case <-h.stopCh:
			h.handleStop(batch, flushTimer, &timerActive)
			return
		}
	}
}

// record assigns the sequence number, appends to history, and fans out to
// subscribers. It is the single writer of h.seq and h.history.
func (h *Hub) record(evt Event) Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	evt.Seq = h.seq
	if len(h.history) == h.cfg.HistorySize {
		copy(h.history, h.history[1:])
		h.history = h.history[:len(h.history)-1]
	}
	h.history = append(h.history, evt)
	for _, sub := range h.subs {
		if !sub.filter.Matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Slow subscriber: skip rather than stall the stream.
		}
	}
	return evt
}

func (h *Hub) dropSummary() (Event, bool) {
	count := h.dropped.Swap(0)
	if count == 0 {
		return Event{}, false
	}
	h.logger.Warn("events dropped due to backpressure", zap.Int64("dropped", count))
	return Event{
		TS:      time.Now().UTC(),
		Level:   LevelWarn,
		Source:  "eventlog",
		Message: "events dropped due to backpressure",
		Detail:  map[string]string{"dropped": strconv.FormatInt(count, 10)},
	}, true
}

func (h *Hub) enqueueBatch(batch []Event, evt Event, timer *time.Timer, timerActive *bool) []Event {
	batch = append(batch, evt)
	if len(batch) >= h.cfg.MaxBatchEvents {
		h.flush(batch)
		batch = batch[:0]
		h.stopTimer(timer, timerActive)
	} else if h.cfg.MaxBatchWait > 0 {
		h.resetTimer(timer, timerActive)
	}
	return batch
}

func (h *Hub) handleStop(batch []Event, timer *time.Timer, timerActive *bool) {
	h.stopTimer(timer, timerActive)
	for {
		select {
		case evt := <-h.events:
			evt = h.record(evt)
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			if evt, ok := h.dropSummary(); ok {
				evt = h.record(evt)
				batch = append(batch, evt)
			}
			if len(batch) > 0 {
				h.flush(batch)
			}
			h.closeSubscribers()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if h.cfg.MaxBatchWait <= 0 {
		return
	}
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]Event(nil), batch...)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx := baseCtx
		cancel := func() {}
		if h.cfg.SinkTimeout > 0 {
			ctx, cancel = context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		}
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("event sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSubscribers() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}

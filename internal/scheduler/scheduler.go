// Package scheduler decides when jobs are created for enabled plugins and
// manages retry backoff for failed ones. A min-heap keyed by next fire time
// drives a loop that sleeps until the earliest entry is due; there is no
// polling tick.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/core"
	"github.com/crawlkit/crawld/internal/eventlog"
	"github.com/crawlkit/crawld/internal/registry"
	"github.com/crawlkit/crawld/internal/schedule"
)

// idlePark bounds the sleep when no plugin is scheduled.
const idlePark = time.Hour

// PluginSource is the registry surface the scheduler needs.
type PluginSource interface {
	Get(ctx context.Context, id string) (core.Plugin, error)
	List(ctx context.Context) ([]core.Plugin, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (core.Plugin, error)
}

// Scheduler owns the fire-time heap. It consumes plugin change notifications
// so schedule edits take effect immediately, and it is the sole component
// that re-enqueues failed jobs.
type Scheduler struct {
	plugins PluginSource
	changes <-chan registry.Change
	queue   core.Queue
	jobs    core.JobStore
	ids     core.IDGenerator
	clock   core.Clock
	events  eventlog.Emitter
	retry   *RetryPolicy
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	heap    entryHeap
	wake    chan struct{}
	runCtx  context.Context
	retryWG sync.WaitGroup
}

// entry tracks one enabled plugin's position on the fire grid. For interval
// schedules next is always anchor + fires*interval, computed from the anchor
// rather than from now, so tick jitter never accumulates into drift.
type entry struct {
	pluginID string
	sched    schedule.Schedule
	anchor   time.Time
	fires    int
	next     time.Time
	index    int
}

// advance moves the entry past now to its next fire time. Missed grid points
// (process suspension, clock jump) collapse into the single job the caller
// creates for this fire.
func (e *entry) advance(now time.Time) {
	if _, isInterval := e.sched.Interval(); isInterval {
		e.fires++
		e.next = e.sched.NthFrom(e.anchor, e.fires)
		for !e.next.After(now) {
			e.fires++
			e.next = e.sched.NthFrom(e.anchor, e.fires)
		}
		return
	}
	// Cron grids are absolute; Next returns the first instant strictly after
	// now, which skips anything missed.
	e.next = e.sched.Next(now)
}

// New constructs a Scheduler. changes should come from registry.Subscribe,
// wired before any API mutations are possible.
func New(
	plugins PluginSource,
	changes <-chan registry.Change,
	queue core.Queue,
	jobs core.JobStore,
	ids core.IDGenerator,
	clock core.Clock,
	events eventlog.Emitter,
	retry *RetryPolicy,
	logger *zap.Logger,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = NewRetryPolicy(0, 0, 0)
	}
	return &Scheduler{
		plugins: plugins,
		changes: changes,
		queue:   queue,
		jobs:    jobs,
		ids:     ids,
		clock:   clock,
		events:  events,
		retry:   retry,
		logger:  logger,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Run loads enabled plugins and blocks, firing due entries until the context
// ends. Pending retry timers are waited out (they observe ctx themselves).
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	plugins, err := s.plugins.List(ctx)
	if err != nil {
		s.logger.Error("initial plugin load failed", zap.Error(err))
	}
	for _, p := range plugins {
		if p.Enabled {
			s.upsert(ctx, p)
		}
	}

	for {
		s.fireDue(ctx)

		timer := time.NewTimer(s.untilNext())
		select {
		case <-ctx.Done():
			timer.Stop()
			s.retryWG.Wait()
			return
		case change, ok := <-s.changes:
			timer.Stop()
			if ok {
				s.apply(ctx, change)
			}
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RunNow creates a high-priority job for the plugin immediately without
// touching its schedule. Disabled plugins may be run manually.
func (s *Scheduler) RunNow(ctx context.Context, pluginID string) (string, error) {
	plugin, err := s.plugins.Get(ctx, pluginID)
	if err != nil {
		return "", fmt.Errorf("get plugin: %w", err)
	}
	return s.createJob(ctx, plugin.ID, core.PriorityHigh)
}

// JobFinished implements the dispatcher's result hook. Failed jobs with
// retryable errors and attempts remaining are re-enqueued after backoff;
// everything else is left in its terminal state.
func (s *Scheduler) JobFinished(ctx context.Context, job core.Job) {
	if job.State != core.JobFailed {
		return
	}
	maxAttempts := 0
	if plugin, err := s.plugins.Get(ctx, job.PluginID); err == nil {
		maxAttempts = plugin.MaxAttempts
	}
	if !s.retry.ShouldRetry(job.ErrorKind, job.Attempt, maxAttempts) {
		return
	}

	delay := s.retry.Backoff(job.Attempt)
	s.events.Emit(eventlog.Event{
		Level:    eventlog.LevelWarn,
		Source:   "scheduler",
		PluginID: job.PluginID,
		JobID:    job.ID,
		Message:  "job failed; retry scheduled",
		Detail: map[string]string{
			"attempt":  fmt.Sprintf("%d", job.Attempt),
			"delay_ms": fmt.Sprintf("%d", delay.Milliseconds()),
		},
	})

	s.mu.Lock()
	runCtx := s.runCtx
	s.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	s.retryWG.Add(1)
	go func() {
		defer s.retryWG.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-runCtx.Done():
			return
		case <-timer.C:
		}
		requeued, err := s.jobs.MarkRetry(runCtx, job.ID)
		if err != nil {
			// Cancelled in the meantime, or the store is gone.
			s.logger.Warn("retry requeue skipped", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		item := core.QueueItem{
			JobID:      requeued.ID,
			PluginID:   requeued.PluginID,
			Priority:   requeued.Priority,
			Attempt:    requeued.Attempt,
			EnqueuedAt: s.clock.Now(),
		}
		if err := s.queue.Enqueue(runCtx, item); err != nil {
			s.logger.Error("retry enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

// fireDue creates jobs for every entry whose fire time has arrived and
// advances each entry along its grid. A failure for one plugin never affects
// the others.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].next.After(now) {
			s.mu.Unlock()
			return
		}
		e := s.heap[0]
		e.advance(now)
		heap.Fix(&s.heap, e.index)
		pluginID := e.pluginID
		s.mu.Unlock()

		if _, err := s.createJob(ctx, pluginID, core.PriorityNormal); err != nil {
			s.logger.Error("scheduled job creation failed",
				zap.String("plugin_id", pluginID), zap.Error(err))
		}
	}
}

func (s *Scheduler) createJob(ctx context.Context, pluginID string, priority core.Priority) (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := core.Job{
		ID:       id,
		PluginID: pluginID,
		State:    core.JobQueued,
		Priority: priority,
		Attempt:  1,
		Created:  now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	item := core.QueueItem{
		JobID:      id,
		PluginID:   pluginID,
		Priority:   priority,
		Attempt:    1,
		EnqueuedAt: now,
	}
	if err := s.queue.Enqueue(ctx, item); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	s.events.Emit(eventlog.Event{
		Level:    eventlog.LevelInfo,
		Source:   "scheduler",
		PluginID: pluginID,
		JobID:    id,
		Message:  "job queued",
		Detail:   map[string]string{"priority": fmt.Sprintf("%d", priority)},
	})
	return id, nil
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return idlePark
	}
	d := s.heap[0].next.Sub(s.clock.Now())
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) apply(ctx context.Context, change registry.Change) {
	switch change.Type {
	case registry.ChangeCreated, registry.ChangeUpdated, registry.ChangeEnabled:
		if change.Plugin.Enabled {
			s.upsert(ctx, change.Plugin)
		} else {
			s.remove(change.Plugin.ID)
		}
	case registry.ChangeDeleted, registry.ChangeDisabled:
		s.remove(change.Plugin.ID)
	}
}

// upsert (re)derives the fire grid for a plugin. A schedule that fails to
// parse disables the offending plugin and emits a scheduler_config error;
// other plugins are unaffected.
func (s *Scheduler) upsert(ctx context.Context, plugin core.Plugin) {
	sched, err := schedule.Parse(plugin.Schedule)
	if err != nil {
		s.events.Emit(eventlog.Event{
			Level:    eventlog.LevelError,
			Source:   "scheduler",
			PluginID: plugin.ID,
			Message:  "invalid schedule; plugin disabled",
			Detail: map[string]string{
				"kind":     string(core.KindSchedulerConfig),
				"schedule": plugin.Schedule,
				"error":    err.Error(),
			},
		})
		if _, derr := s.plugins.SetEnabled(ctx, plugin.ID, false); derr != nil {
			s.logger.Error("auto-disable failed", zap.String("plugin_id", plugin.ID), zap.Error(derr))
		}
		s.remove(plugin.ID)
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[plugin.ID]; ok {
		heap.Remove(&s.heap, existing.index)
	}
	e := &entry{pluginID: plugin.ID, sched: sched, anchor: now, next: now}
	if _, isInterval := sched.Interval(); !isInterval {
		e.next = sched.Next(now)
	}
	s.entries[plugin.ID] = e
	heap.Push(&s.heap, e)
	s.kick()
}

func (s *Scheduler) remove(pluginID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[pluginID]; ok {
		heap.Remove(&s.heap, e.index)
		delete(s.entries, pluginID)
		s.kick()
	}
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// entryHeap is a min-heap on next fire time.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].next.Before(h[j].next)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

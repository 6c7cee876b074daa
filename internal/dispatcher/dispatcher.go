// Package dispatcher manages the worker pool: bounded concurrency over the
// job queue, heartbeat tracking, and recovery of jobs orphaned by stalled
// workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/core"
	"github.com/crawlkit/crawld/internal/eventlog"
)

// Executor runs one claimed job to a terminal state and returns the final
// job record. The heartbeat callback must be invoked between pipeline steps.
type Executor interface {
	Execute(ctx context.Context, item core.QueueItem, heartbeat func()) core.Job
}

// ResultHandler observes terminal jobs; the scheduler implements it to apply
// retry policy.
type ResultHandler interface {
	JobFinished(ctx context.Context, job core.Job)
}

// Config controls pool behavior.
type Config struct {
	Workers          int
	MinWorkers       int
	MaxWorkers       int
	Elastic          bool
	HeartbeatTimeout time.Duration
	ReapInterval     time.Duration
	ResizeInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = c.HeartbeatTimeout / 2
	}
	if c.ResizeInterval <= 0 {
		c.ResizeInterval = 5 * time.Second
	}
	if c.MinWorkers <= 0 {
		c.MinWorkers = c.Workers
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	return c
}

// Pool fans queue work out to worker slots. Each slot holds at most one
// active job, so total concurrency is bounded by the slot count. The slot
// table is the only shared mutable state and is guarded by a single mutex.
type Pool struct {
	queue   core.Queue
	jobs    core.JobStore
	exec    Executor
	results ResultHandler
	clock   core.Clock
	events  eventlog.Emitter
	logger  *zap.Logger
	cfg     Config

	mu      sync.Mutex
	slots   map[string]*slot
	cancels map[string]context.CancelFunc
	slotSeq int
	wg      sync.WaitGroup
}

type slot struct {
	id            string
	status        core.SlotStatus
	currentJobID  string
	lastHeartbeat time.Time
	stop          context.CancelFunc
}

// New constructs a Pool.
func New(
	queue core.Queue,
	jobs core.JobStore,
	exec Executor,
	results ResultHandler,
	clock core.Clock,
	events eventlog.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:   queue,
		jobs:    jobs,
		exec:    exec,
		results: results,
		clock:   clock,
		events:  events,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		slots:   make(map[string]*slot),
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run starts the initial slots, the reaper, and (when elastic) the resizer,
// then blocks until the context finishes and all slots have drained.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.addSlot(ctx)
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.reapLoop(ctx)
	}()
	if p.cfg.Elastic {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.resizeLoop(ctx)
		}()
	}
	<-ctx.Done()
	p.wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (p *Pool) Enqueue(ctx context.Context, item core.QueueItem) error {
	if err := p.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Heartbeat records liveness for a worker slot.
func (p *Pool) Heartbeat(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sl, ok := p.slots[workerID]; ok {
		sl.lastHeartbeat = p.clock.Now()
	}
}

// Snapshot returns the worker slot table ordered by slot ID.
func (p *Pool) Snapshot() []core.WorkerSlot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.WorkerSlot, 0, len(p.slots))
	for _, sl := range p.slots {
		out = append(out, core.WorkerSlot{
			ID:            sl.id,
			Status:        sl.status,
			CurrentJobID:  sl.currentJobID,
			LastHeartbeat: sl.lastHeartbeat,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CancelJob requests cooperative cancellation. A running job has its context
// cancelled and is finalized by its worker; a queued job is cancelled in
// place. Terminal jobs return ErrInvalidTransition.
func (p *Pool) CancelJob(ctx context.Context, jobID string) error {
	p.mu.Lock()
	cancel, running := p.cancels[jobID]
	p.mu.Unlock()
	if running {
		cancel()
		return nil
	}

	p.queue.Remove(jobID)
	if _, err := p.jobs.UpdateJobState(ctx, jobID, core.JobCancelled, "", "cancelled by request"); err != nil {
		return err
	}
	p.events.Emit(eventlog.Event{
		Level:   eventlog.LevelInfo,
		Source:  "dispatcher",
		JobID:   jobID,
		Message: "queued job cancelled",
	})
	return nil
}

func (p *Pool) addSlot(ctx context.Context) {
	slotCtx, stop := context.WithCancel(ctx)
	p.mu.Lock()
	p.slotSeq++
	sl := &slot{
		id:            fmt.Sprintf("worker-%d", p.slotSeq),
		status:        core.SlotIdle,
		lastHeartbeat: p.clock.Now(),
		stop:          stop,
	}
	p.slots[sl.id] = sl
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSlot(slotCtx, ctx, sl)
	}()
}

// runSlot is one worker loop: claim the next queued job, execute it, report
// the result. slotCtx governs the loop (draining cancels it); poolCtx is the
// parent used for store updates after slot shutdown.
func (p *Pool) runSlot(slotCtx, poolCtx context.Context, sl *slot) {
	for {
		item, err := p.queue.Dequeue(slotCtx)
		if err != nil {
			p.finishSlot(sl)
			return
		}
		if p.offline(sl) {
			// The reaper replaced this slot while it was stuck; put the
			// item back and exit.
			if rerr := p.queue.Enqueue(poolCtx, item); rerr != nil {
				p.logger.Error("requeue after offline failed",
					zap.String("job_id", item.JobID), zap.Error(rerr))
			}
			return
		}

		// The queue pop is exclusive, so this slot is the only claimer; the
		// store transition additionally rejects items cancelled between
		// enqueue and claim.
		if _, err := p.jobs.UpdateJobState(slotCtx, item.JobID, core.JobClaimed, "", ""); err != nil {
			if !errors.Is(err, core.ErrInvalidTransition) && !errors.Is(err, core.ErrNotFound) {
				p.logger.Error("claim failed", zap.String("job_id", item.JobID), zap.Error(err))
			}
			continue
		}

		jobCtx, cancel := context.WithCancel(slotCtx)
		p.mu.Lock()
		sl.status = core.SlotBusy
		sl.currentJobID = item.JobID
		sl.lastHeartbeat = p.clock.Now()
		p.cancels[item.JobID] = cancel
		p.mu.Unlock()

		final := p.exec.Execute(jobCtx, item, func() { p.Heartbeat(sl.id) })
		cancel()

		p.mu.Lock()
		delete(p.cancels, item.JobID)
		if sl.status == core.SlotBusy {
			sl.status = core.SlotIdle
			sl.currentJobID = ""
		}
		p.mu.Unlock()

		p.results.JobFinished(poolCtx, final)
	}
}

func (p *Pool) offline(sl *slot) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sl.status == core.SlotOffline
}

func (p *Pool) finishSlot(sl *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sl.status != core.SlotOffline {
		delete(p.slots, sl.id)
	}
}

// reapLoop detects slots that stopped heartbeating while busy, forces their
// jobs to failed with a worker_timeout error, and restores pool capacity
// with a fresh slot. This guarantees no job is silently lost to a dead
// worker.
func (p *Pool) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap(ctx)
		}
	}
}

func (p *Pool) reap(ctx context.Context) {
	now := p.clock.Now()
	type orphan struct {
		jobID  string
		slotID string
		cancel context.CancelFunc
	}
	var orphans []orphan

	p.mu.Lock()
	for _, sl := range p.slots {
		if sl.status != core.SlotBusy {
			continue
		}
		if now.Sub(sl.lastHeartbeat) <= p.cfg.HeartbeatTimeout {
			continue
		}
		o := orphan{jobID: sl.currentJobID, slotID: sl.id, cancel: p.cancels[sl.currentJobID]}
		sl.status = core.SlotOffline
		sl.currentJobID = ""
		orphans = append(orphans, o)
	}
	p.mu.Unlock()

	for _, o := range orphans {
		if o.cancel != nil {
			o.cancel()
		}
		job, err := p.jobs.UpdateJobState(ctx, o.jobID, core.JobFailed, core.KindWorkerTimeout, "worker heartbeat lost")
		if err != nil {
			// The worker finalized concurrently; nothing to recover.
			continue
		}
		p.events.Emit(eventlog.Event{
			Level:   eventlog.LevelError,
			Source:  "dispatcher",
			JobID:   o.jobID,
			Message: "worker heartbeat lost; job failed",
			Detail: map[string]string{
				"kind":   string(core.KindWorkerTimeout),
				"worker": o.slotID,
			},
		})
		p.results.JobFinished(ctx, job)
		p.addSlot(ctx)
	}
}

// resizeLoop grows the pool when jobs are waiting and shrinks it back toward
// the minimum once the queue drains. Shrinking only retires idle slots; busy
// ones are never preempted.
func (p *Pool) resizeLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.ResizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.resize(ctx)
		}
	}
}

func (p *Pool) resize(ctx context.Context) {
	depth := p.queue.Len()

	p.mu.Lock()
	active := 0
	var idle *slot
	for _, sl := range p.slots {
		switch sl.status {
		case core.SlotIdle:
			active++
			idle = sl
		case core.SlotBusy:
			active++
		}
	}
	grow := depth > active && active < p.cfg.MaxWorkers
	var drainStop context.CancelFunc
	if !grow && depth == 0 && active > p.cfg.MinWorkers && idle != nil {
		idle.status = core.SlotDraining
		drainStop = idle.stop
	}
	p.mu.Unlock()

	if grow {
		p.addSlot(ctx)
		p.logger.Info("pool grew", zap.Int("queue_depth", depth))
	}
	if drainStop != nil {
		drainStop()
	}
}

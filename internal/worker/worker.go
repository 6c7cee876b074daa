// Package worker implements the per-job execution pipeline: fetch the
// plugin's target, extract records, archive the raw payload, persist the
// record batch, and finalize the job state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/core"
	"github.com/crawlkit/crawld/internal/eventlog"
	"github.com/crawlkit/crawld/internal/extract"
)

// PluginSource is the read-only registry surface the executor needs.
type PluginSource interface {
	Get(ctx context.Context, id string) (core.Plugin, error)
}

// Config controls Executor behavior.
type Config struct {
	FetchTimeout time.Duration
	// HeartbeatInterval is how often the heartbeat ticks during the fetch,
	// which may legally outlast the pool's heartbeat window.
	HeartbeatInterval time.Duration
	BlobPrefix        string
	Topic             string
}

// Executor runs claimed jobs inside worker slots. Every step is individually
// failable; a failure finalizes the job with a classified error and emits
// exactly one error-level event. Cancellation is cooperative and checked at
// step boundaries; records for a run are persisted all-or-nothing.
type Executor struct {
	plugins   PluginSource
	fetcher   core.Fetcher
	records   core.RecordStore
	blobs     core.BlobStore
	publisher core.Publisher
	hasher    core.Hasher
	jobs      core.JobStore
	clock     core.Clock
	events    eventlog.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Executor.
func New(
	plugins PluginSource,
	fetcher core.Fetcher,
	records core.RecordStore,
	blobs core.BlobStore,
	publisher core.Publisher,
	hasher core.Hasher,
	jobs core.JobStore,
	clock core.Clock,
	events eventlog.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	return &Executor{
		plugins:   plugins,
		fetcher:   fetcher,
		records:   records,
		blobs:     blobs,
		publisher: publisher,
		hasher:    hasher,
		jobs:      jobs,
		clock:     clock,
		events:    events,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute runs one claimed job to a terminal state and returns the final job
// record. The heartbeat callback is invoked between steps so the dispatcher
// can tell a slow job from a dead worker.
func (e *Executor) Execute(ctx context.Context, item core.QueueItem, heartbeat func()) core.Job {
	if heartbeat == nil {
		heartbeat = func() {}
	}
	start := e.clock.Now()

	job, err := e.jobs.UpdateJobState(ctx, item.JobID, core.JobRunning, "", "")
	if err != nil {
		// Cancelled between claim and start, or already finalized by the
		// reaper; return whatever the store holds.
		return e.currentJob(item.JobID)
	}

	plugin, err := e.plugins.Get(ctx, item.PluginID)
	if err != nil {
		return e.fail(ctx, job, start, core.NewError(core.KindValidation, "plugin lookup", err))
	}

	if e.cancelled(ctx) {
		return e.finalizeCancelled(ctx, job, start)
	}

	// Step 1: fetch. A slow target can hold this step up to the plugin's
	// fetch timeout, longer than the pool's heartbeat window, so the
	// heartbeat keeps ticking while the request is in flight.
	heartbeat()
	resp, err := e.fetchWithHeartbeat(ctx, plugin, item, heartbeat)
	if err != nil {
		if e.cancelled(ctx) {
			return e.finalizeCancelled(ctx, job, start)
		}
		return e.fail(ctx, job, start, err)
	}
	e.events.Emit(eventlog.Event{
		Level:    eventlog.LevelDebug,
		Source:   "worker",
		PluginID: plugin.ID,
		JobID:    job.ID,
		Message:  "fetch completed",
		Detail: map[string]string{
			"status_class": eventlog.ClassifyStatus(resp.StatusCode),
			"bytes":        fmt.Sprintf("%d", len(resp.Body)),
			"duration_ms":  fmt.Sprintf("%d", resp.Duration.Milliseconds()),
		},
	})

	if e.cancelled(ctx) {
		return e.finalizeCancelled(ctx, job, start)
	}

	// Step 2: extract.
	heartbeat()
	result, err := extract.Extract(plugin.Source, resp.Body, plugin.Fields)
	if err != nil {
		return e.fail(ctx, job, start, err)
	}
	for _, warn := range result.Warnings {
		e.events.Emit(eventlog.Event{
			Level:    eventlog.LevelWarn,
			Source:   "worker",
			PluginID: plugin.ID,
			JobID:    job.ID,
			Message:  "field extraction warning",
			Detail:   map[string]string{"field": warn.Field, "reason": warn.Reason},
		})
	}
	if len(result.Records) == 0 {
		if plugin.FailOnEmpty {
			return e.fail(ctx, job, start,
				core.NewError(core.KindExtraction, "no field rule matched any content", nil))
		}
		e.events.Emit(eventlog.Event{
			Level:    eventlog.LevelError,
			Source:   "worker",
			PluginID: plugin.ID,
			JobID:    job.ID,
			Message:  "extraction produced no records",
		})
	}

	total := len(result.Records)
	if err := e.jobs.SetJobProgress(ctx, job.ID, 0, &total); err != nil {
		e.logger.Warn("progress update failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	if e.cancelled(ctx) {
		return e.finalizeCancelled(ctx, job, start)
	}

	// Step 3: persist. The raw payload is archived first, then the full
	// record batch is stored in one call so a run is never half-visible.
	heartbeat()
	if err := e.archive(ctx, plugin, job, resp); err != nil {
		return e.fail(ctx, job, start, err)
	}
	records := e.buildRecords(plugin, job, result.Records)
	if len(records) > 0 {
		if err := e.records.StoreRecords(ctx, records); err != nil {
			return e.fail(ctx, job, start, core.NewError(core.KindPersist, "store records", err))
		}
	}
	if err := e.jobs.SetJobProgress(ctx, job.ID, total, &total); err != nil {
		e.logger.Warn("progress update failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	// Step 4: finalize.
	heartbeat()
	final, err := e.jobs.UpdateJobState(ctx, job.ID, core.JobSucceeded, "", "")
	if err != nil {
		return e.currentJob(job.ID)
	}
	runtime := e.clock.Now().Sub(start)
	e.events.Emit(eventlog.Event{
		Level:    eventlog.LevelInfo,
		Source:   "worker",
		PluginID: plugin.ID,
		JobID:    job.ID,
		Message:  "job succeeded",
		Detail: map[string]string{
			"state":      string(core.JobSucceeded),
			"records":    fmt.Sprintf("%d", total),
			"runtime_ms": fmt.Sprintf("%d", runtime.Milliseconds()),
		},
	})
	e.publish(ctx, plugin, final, total)
	return final
}

// fetchWithHeartbeat runs the fetch while a side goroutine ticks the
// heartbeat, so a live worker waiting on a slow target is never mistaken for
// a dead one.
func (e *Executor) fetchWithHeartbeat(
	ctx context.Context,
	plugin core.Plugin,
	item core.QueueItem,
	heartbeat func(),
) (core.FetchResponse, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(e.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				heartbeat()
			}
		}
	}()
	return e.fetch(ctx, plugin, item)
}

func (e *Executor) fetch(ctx context.Context, plugin core.Plugin, item core.QueueItem) (core.FetchResponse, error) {
	timeout := e.cfg.FetchTimeout
	if plugin.FetchTimeoutSeconds > 0 {
		timeout = time.Duration(plugin.FetchTimeoutSeconds) * time.Second
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := e.fetcher.Fetch(fetchCtx, core.FetchRequest{
		JobID:    item.JobID,
		PluginID: plugin.ID,
		URL:      plugin.TargetURL,
		Timeout:  timeout,
	})
	if err != nil {
		return core.FetchResponse{}, core.NewError(core.KindFetch, "fetch target", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return core.FetchResponse{}, core.NewError(core.KindFetch,
			fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
	return resp, nil
}

// archive stores the raw payload for later reprocessing. Blob storage shares
// the persist failure mode: a run whose artifacts cannot be written is not
// reported as a success.
func (e *Executor) archive(ctx context.Context, plugin core.Plugin, job core.Job, resp core.FetchResponse) error {
	if e.blobs == nil {
		return nil
	}
	hash, err := e.hasher.Hash(resp.Body)
	if err != nil {
		return core.NewError(core.KindPersist, "hash payload", err)
	}
	ext := "html"
	contentType := "text/html; charset=utf-8"
	if plugin.Source == core.SourceJSON {
		ext = "json"
		contentType = "application/json"
	}
	path := e.blobPath(plugin.ID, job.ID, hash, ext)
	if _, err := e.blobs.PutObject(ctx, path, contentType, resp.Body); err != nil {
		return core.NewError(core.KindPersist, "archive payload", err)
	}
	return nil
}

func (e *Executor) blobPath(pluginID, jobID, hash, ext string) string {
	prefix := strings.Trim(e.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s/%s.%s", pluginID, jobID, hash, ext)
	}
	return fmt.Sprintf("%s/%s/%s/%s.%s", prefix, pluginID, jobID, hash, ext)
}

func (e *Executor) buildRecords(plugin core.Plugin, job core.Job, fields []map[string]any) []core.ExtractedRecord {
	if len(fields) == 0 {
		return nil
	}
	now := e.clock.Now()
	records := make([]core.ExtractedRecord, len(fields))
	for i, f := range fields {
		records[i] = core.ExtractedRecord{
			JobID:       job.ID,
			PluginID:    plugin.ID,
			Fields:      f,
			ExtractedAt: now,
		}
	}
	return records
}

func (e *Executor) publish(ctx context.Context, plugin core.Plugin, job core.Job, records int) {
	if e.publisher == nil || e.cfg.Topic == "" {
		return
	}
	payload := map[string]any{
		"job_id":    job.ID,
		"plugin_id": plugin.ID,
		"state":     job.State,
		"records":   records,
		"timestamp": e.clock.Now().Format(time.RFC3339),
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, payload); err != nil {
		e.logger.Warn("completion publish failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// fail finalizes the job with a classified error and emits the single
// error-level event for this attempt.
func (e *Executor) fail(ctx context.Context, job core.Job, start time.Time, cause error) core.Job {
	kind := core.KindOf(cause)
	if kind == "" {
		kind = core.KindFetch
	}
	final, err := e.jobs.UpdateJobState(ctx, job.ID, core.JobFailed, kind, cause.Error())
	if err != nil {
		if errors.Is(err, core.ErrInvalidTransition) {
			// Reaper or cancellation finalized first; that path owns the event.
			return e.currentJob(job.ID)
		}
		e.logger.Error("job finalize failed", zap.String("job_id", job.ID), zap.Error(err))
		return e.currentJob(job.ID)
	}
	runtime := e.clock.Now().Sub(start)
	e.events.Emit(eventlog.Event{
		Level:    eventlog.LevelError,
		Source:   "worker",
		PluginID: job.PluginID,
		JobID:    job.ID,
		Message:  "job failed",
		Detail: map[string]string{
			"state":      string(core.JobFailed),
			"kind":       string(kind),
			"attempt":    fmt.Sprintf("%d", final.Attempt),
			"error":      cause.Error(),
			"runtime_ms": fmt.Sprintf("%d", runtime.Milliseconds()),
		},
	})
	return final
}

func (e *Executor) finalizeCancelled(ctx context.Context, job core.Job, start time.Time) core.Job {
	// The job context is gone; finalize against a fresh context so the store
	// update itself is not aborted.
	finalizeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	final, err := e.jobs.UpdateJobState(finalizeCtx, job.ID, core.JobCancelled, "", "cancelled")
	if err != nil {
		return e.currentJob(job.ID)
	}
	runtime := e.clock.Now().Sub(start)
	e.events.Emit(eventlog.Event{
		Level:    eventlog.LevelInfo,
		Source:   "worker",
		PluginID: job.PluginID,
		JobID:    job.ID,
		Message:  "job cancelled",
		Detail: map[string]string{
			"state":      string(core.JobCancelled),
			"runtime_ms": fmt.Sprintf("%d", runtime.Milliseconds()),
		},
	})
	return final
}

func (e *Executor) cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}

func (e *Executor) currentJob(jobID string) core.Job {
	lookupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := e.jobs.GetJob(lookupCtx, jobID)
	if err != nil {
		e.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return core.Job{ID: jobID}
	}
	return job
}

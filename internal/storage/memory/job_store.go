package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlkit/crawld/internal/core"
)

// JobStore keeps job rows in a map and enforces the job state machine on
// every update, which makes concurrent finalization attempts idempotent.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]core.Job
	now  func() time.Time
}

// NewJobStore constructs an empty JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]core.Job), now: time.Now}
}

// NewJobStoreWithClock constructs a JobStore stamping timestamps from now.
func NewJobStoreWithClock(now func() time.Time) *JobStore {
	return &JobStore{jobs: make(map[string]core.Job), now: now}
}

// CreateJob stores a new job row.
func (s *JobStore) CreateJob(_ context.Context, job core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return core.ErrAlreadyExists
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, id string) (core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return core.Job{}, core.ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(_ context.Context, filter core.JobFilter) ([]core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.PluginID != "" && job.PluginID != filter.PluginID {
			continue
		}
		if len(filter.States) > 0 && !stateIn(job.State, filter.States) {
			continue
		}
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateJobState applies a state transition, stamping started/finished and
// recording the error classification on failures.
func (s *JobStore) UpdateJobState(
	_ context.Context,
	id string,
	state core.JobState,
	kind core.ErrorKind,
	errText string,
) (core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return core.Job{}, core.ErrNotFound
	}
	if !core.CanTransition(job.State, state) {
		return core.Job{}, core.ErrInvalidTransition
	}
	now := s.now().UTC()
	job.State = state
	if state == core.JobRunning && job.Started == nil {
		job.Started = ptrTime(now)
	}
	if state.IsTerminal() {
		job.Finished = ptrTime(now)
	}
	if state == core.JobFailed {
		job.ErrorKind = kind
		job.ErrorText = errText
	}
	s.jobs[id] = job
	return cloneJob(job), nil
}

// MarkRetry moves a failed job back to queued with the attempt incremented.
// Error fields and timestamps from the failed attempt are cleared.
func (s *JobStore) MarkRetry(_ context.Context, id string) (core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return core.Job{}, core.ErrNotFound
	}
	if !core.CanTransition(job.State, core.JobQueued) {
		return core.Job{}, core.ErrInvalidTransition
	}
	job.State = core.JobQueued
	job.Attempt++
	job.Started = nil
	job.Finished = nil
	job.ErrorKind = ""
	job.ErrorText = ""
	job.ItemsProcessed = 0
	job.ItemsTotal = nil
	s.jobs[id] = job
	return cloneJob(job), nil
}

// SetJobProgress updates the progress counters for a job.
func (s *JobStore) SetJobProgress(_ context.Context, id string, processed int, total *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return core.ErrNotFound
	}
	job.ItemsProcessed = processed
	if total != nil {
		t := *total
		job.ItemsTotal = &t
	}
	s.jobs[id] = job
	return nil
}

// SweepInFlight returns every claimed or running job to queued. Called once
// at startup to recover jobs orphaned by a prior process.
func (s *JobStore) SweepInFlight(_ context.Context) ([]core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var swept []core.Job
	for id, job := range s.jobs {
		if job.State != core.JobClaimed && job.State != core.JobRunning {
			continue
		}
		job.State = core.JobQueued
		job.Started = nil
		s.jobs[id] = job
		swept = append(swept, cloneJob(job))
	}
	sort.Slice(swept, func(i, j int) bool { return swept[i].ID < swept[j].ID })
	return swept, nil
}

func stateIn(state core.JobState, states []core.JobState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

func cloneJob(j core.Job) core.Job {
	out := j
	if j.Started != nil {
		out.Started = ptrTime(*j.Started)
	}
	if j.Finished != nil {
		out.Finished = ptrTime(*j.Finished)
	}
	if j.ItemsTotal != nil {
		t := *j.ItemsTotal
		out.ItemsTotal = &t
	}
	return out
}

func ptrTime(t time.Time) *time.Time {
	ts := t
	return &ts
}

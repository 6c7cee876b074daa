package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crawlkit/crawld/internal/core"
)

// JobStore persists job rows in Postgres. State transitions are applied with
// a conditional UPDATE on the current state, so two processes racing to
// finalize the same job cannot both win.
type JobStore struct {
	db  DB
	now func() time.Time
}

// NewJobStore constructs a JobStore on an existing pool.
func NewJobStore(db DB) (*JobStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &JobStore{db: db, now: time.Now}, nil
}

// NewJobStoreWithClock constructs a JobStore stamping timestamps from now.
func NewJobStoreWithClock(db DB, now func() time.Time) (*JobStore, error) {
	store, err := NewJobStore(db)
	if err != nil {
		return nil, err
	}
	store.now = now
	return store, nil
}

const jobColumns = `id, plugin_id, state, priority, attempt, created_at,
	started_at, finished_at, items_processed, items_total, error_kind, error_text`

// allowedFrom returns the states from which a transition to target is legal.
func allowedFrom(target core.JobState) []string {
	var out []string
	for _, from := range []core.JobState{
		core.JobQueued, core.JobClaimed, core.JobRunning,
		core.JobSucceeded, core.JobFailed, core.JobCancelled,
	} {
		if core.CanTransition(from, target) {
			out = append(out, string(from))
		}
	}
	return out
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job core.Job) error {
	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	_, err := s.db.Exec(ctx, query,
		job.ID, job.PluginID, string(job.State), int(job.Priority), job.Attempt,
		job.Created, job.Started, job.Finished, job.ItemsProcessed, job.ItemsTotal,
		string(job.ErrorKind), job.ErrorText)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, id string) (core.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Job{}, core.ErrNotFound
		}
		return core.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *JobStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.Job, error) {
	var (
		conds []string
		args  []any
	)
	if filter.PluginID != "" {
		args = append(args, filter.PluginID)
		conds = append(conds, fmt.Sprintf("plugin_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		args = append(args, states)
		conds = append(conds, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// UpdateJobState applies a state transition, stamping started/finished and
// recording the error classification on failures. It returns
// core.ErrInvalidTransition when the current state does not admit the change.
func (s *JobStore) UpdateJobState(
	ctx context.Context,
	id string,
	state core.JobState,
	kind core.ErrorKind,
	errText string,
) (core.Job, error) {
	now := s.now().UTC()
	query := `UPDATE jobs SET
			state = $2,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $3 ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('succeeded','failed','cancelled') THEN $3 ELSE finished_at END,
			error_kind = CASE WHEN $2 = 'failed' THEN $4 ELSE error_kind END,
			error_text = CASE WHEN $2 = 'failed' THEN $5 ELSE error_text END
		WHERE id = $1 AND state = ANY($6)
		RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRow(ctx, query,
		id, string(state), now, string(kind), errText, allowedFrom(state)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Job{}, s.classifyMiss(ctx, id)
		}
		return core.Job{}, fmt.Errorf("update job state: %w", err)
	}
	return job, nil
}

// MarkRetry moves a failed job back to queued with the attempt incremented
// and the failed attempt's error fields cleared.
func (s *JobStore) MarkRetry(ctx context.Context, id string) (core.Job, error) {
	query := `UPDATE jobs SET
			state = 'queued',
			attempt = attempt + 1,
			started_at = NULL,
			finished_at = NULL,
			items_processed = 0,
			items_total = NULL,
			error_kind = '',
			error_text = ''
		WHERE id = $1 AND state = 'failed'
		RETURNING ` + jobColumns
	job, err := scanJob(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.Job{}, s.classifyMiss(ctx, id)
		}
		return core.Job{}, fmt.Errorf("mark retry: %w", err)
	}
	return job, nil
}

// SetJobProgress updates the progress counters for a job.
func (s *JobStore) SetJobProgress(ctx context.Context, id string, processed int, total *int) error {
	query := `UPDATE jobs SET
			items_processed = $2,
			items_total = COALESCE($3, items_total)
		WHERE id = $1`
	tag, err := s.db.Exec(ctx, query, id, processed, total)
	if err != nil {
		return fmt.Errorf("set job progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotFound
	}
	return nil
}

// SweepInFlight returns every claimed or running job to queued.
func (s *JobStore) SweepInFlight(ctx context.Context) ([]core.Job, error) {
	query := `UPDATE jobs SET state = 'queued', started_at = NULL
		WHERE state IN ('claimed','running')
		RETURNING ` + jobColumns
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sweep in-flight jobs: %w", err)
	}
	defer rows.Close()

	var out []core.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sweep in-flight jobs: %w", err)
	}
	return out, nil
}

// classifyMiss distinguishes a missing row from an illegal transition after a
// conditional update matched nothing.
func (s *JobStore) classifyMiss(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	return core.ErrInvalidTransition
}

func scanJob(row pgx.Row) (core.Job, error) {
	var (
		job      core.Job
		state    string
		priority int
		kind     string
	)
	err := row.Scan(
		&job.ID, &job.PluginID, &state, &priority, &job.Attempt, &job.Created,
		&job.Started, &job.Finished, &job.ItemsProcessed, &job.ItemsTotal,
		&kind, &job.ErrorText)
	if err != nil {
		return core.Job{}, err
	}
	job.State = core.JobState(state)
	job.Priority = core.Priority(priority)
	job.ErrorKind = core.ErrorKind(kind)
	return job, nil
}

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/crawlkit/crawld/internal/core"
)

var jobCols = []string{
	"id", "plugin_id", "state", "priority", "attempt", "created_at",
	"started_at", "finished_at", "items_processed", "items_total", "error_kind", "error_text",
}

func newMockJobStore(t *testing.T) (*JobStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewJobStoreWithClock(mock, func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	})
	require.NoError(t, err)
	return store, mock
}

func TestAllowedFrom(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"queued"}, allowedFrom(core.JobClaimed))
	require.Equal(t, []string{"claimed"}, allowedFrom(core.JobRunning))
	require.Equal(t, []string{"running"}, allowedFrom(core.JobSucceeded))
	require.Equal(t, []string{"queued", "claimed", "running"}, allowedFrom(core.JobFailed))
	require.Equal(t, []string{"queued", "claimed", "running"}, allowedFrom(core.JobCancelled))
	require.Equal(t, []string{"failed"}, allowedFrom(core.JobQueued))
}

func TestCreateJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("j1", "p1", "queued", 1, 1, created, (*time.Time)(nil), (*time.Time)(nil), 0, (*int)(nil), "", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.CreateJob(context.Background(), core.Job{
		ID: "j1", PluginID: "p1", State: core.JobQueued,
		Priority: core.PriorityHigh, Attempt: 1, Created: created,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectQuery(`(?s)SELECT .+ FROM jobs WHERE id`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "ghost")
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStateStampsRunning(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	created := now.Add(-time.Minute)
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("j1", "running", now, "", "", allowedFrom(core.JobRunning)).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			"j1", "p1", "running", 0, 1, created, &now, (*time.Time)(nil), 0, (*int)(nil), "", ""))

	job, err := store.UpdateJobState(context.Background(), "j1", core.JobRunning, "", "")
	require.NoError(t, err)
	require.Equal(t, core.JobRunning, job.State)
	require.NotNil(t, job.Started)
	require.Equal(t, now, *job.Started)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStateInvalidTransition(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("j1", "running", pgxmock.AnyArg(), "", "", allowedFrom(core.JobRunning)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT 1 FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	_, err := store.UpdateJobState(context.Background(), "j1", core.JobRunning, "", "")
	require.ErrorIs(t, err, core.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStateMissingJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("ghost", "cancelled", pgxmock.AnyArg(), "", "gone", allowedFrom(core.JobCancelled)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT 1 FROM jobs WHERE id").
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.UpdateJobState(context.Background(), "ghost", core.JobCancelled, "", "gone")
	require.ErrorIs(t, err, core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStateRecordsFailure(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	started := now.Add(-time.Second)
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("j1", "failed", now, "fetch", "status 503", allowedFrom(core.JobFailed)).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			"j1", "p1", "failed", 0, 1, now.Add(-time.Minute), &started, &now, 0, (*int)(nil), "fetch", "status 503"))

	job, err := store.UpdateJobState(context.Background(), "j1", core.JobFailed, core.KindFetch, "status 503")
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, job.State)
	require.Equal(t, core.KindFetch, job.ErrorKind)
	require.Equal(t, "status 503", job.ErrorText)
	require.NotNil(t, job.Finished)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRetry(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			"j1", "p1", "queued", 0, 2, created, (*time.Time)(nil), (*time.Time)(nil), 0, (*int)(nil), "", ""))

	job, err := store.MarkRetry(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, core.JobQueued, job.State)
	require.Equal(t, 2, job.Attempt)
	require.Nil(t, job.Started)
	require.Empty(t, job.ErrorKind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRetryOnlyFromFailed(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectQuery("UPDATE jobs SET").
		WithArgs("j1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT 1 FROM jobs WHERE id").
		WithArgs("j1").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))

	_, err := store.MarkRetry(context.Background(), "j1")
	require.ErrorIs(t, err, core.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetJobProgress(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	total := 12
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("j1", 4, &total).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.SetJobProgress(context.Background(), "j1", 4, &total))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetJobProgressMissingJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	mock.ExpectExec("UPDATE jobs SET").
		WithArgs("ghost", 1, (*int)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, store.SetJobProgress(context.Background(), "ghost", 1, nil), core.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepInFlight(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("UPDATE jobs SET state = 'queued'").
		WillReturnRows(pgxmock.NewRows(jobCols).
			AddRow("j1", "p1", "queued", 0, 1, created, (*time.Time)(nil), (*time.Time)(nil), 0, (*int)(nil), "", "").
			AddRow("j2", "p2", "queued", 1, 2, created, (*time.Time)(nil), (*time.Time)(nil), 3, (*int)(nil), "", ""))

	swept, err := store.SweepInFlight(context.Background())
	require.NoError(t, err)
	require.Len(t, swept, 2)
	require.Equal(t, core.JobQueued, swept[0].State)
	require.Equal(t, 2, swept[1].Attempt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListJobsFilters(t *testing.T) {
	t.Parallel()

	store, mock := newMockJobStore(t)
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`(?s)SELECT .+ FROM jobs WHERE plugin_id = \$1 AND state = ANY\(\$2\).+LIMIT \$3 OFFSET \$4`).
		WithArgs("p1", []string{"queued", "running"}, 10, 5).
		WillReturnRows(pgxmock.NewRows(jobCols).AddRow(
			"j1", "p1", "queued", 0, 1, created, (*time.Time)(nil), (*time.Time)(nil), 0, (*int)(nil), "", ""))

	jobs, err := store.ListJobs(context.Background(), core.JobFilter{
		PluginID: "p1",
		States:   []core.JobState{core.JobQueued, core.JobRunning},
		Limit:    10,
		Offset:   5,
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, "j1", jobs[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

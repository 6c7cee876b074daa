package core

import (
	"context"
	"time"
)

// PluginStore persists plugin definitions. Implementations return copies;
// callers never share mutable state with the store.
type PluginStore interface {
	CreatePlugin(ctx context.Context, plugin Plugin) error
	UpdatePlugin(ctx context.Context, plugin Plugin) error
	DeletePlugin(ctx context.Context, id string) error
	GetPlugin(ctx context.Context, id string) (Plugin, error)
	ListPlugins(ctx context.Context) ([]Plugin, error)
}

// JobStore persists job metadata and enforces the job state machine.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	// UpdateJobState applies a state transition, stamping started/finished
	// timestamps. It returns ErrInvalidTransition when the current state does
	// not admit the change, which makes concurrent finalization idempotent.
	UpdateJobState(ctx context.Context, id string, state JobState, kind ErrorKind, errText string) (Job, error)
	// MarkRetry moves a failed job back to queued with attempt incremented.
	MarkRetry(ctx context.Context, id string) (Job, error)
	SetJobProgress(ctx context.Context, id string, processed int, total *int) error
	// SweepInFlight returns claimed/running jobs to queued. Called once at
	// startup to recover jobs orphaned by a prior process incarnation.
	SweepInFlight(ctx context.Context) ([]Job, error)
}

// RecordStore persists extracted records. StoreRecords is all-or-nothing for
// the given batch.
type RecordStore interface {
	StoreRecords(ctx context.Context, records []ExtractedRecord) error
	ListRecords(ctx context.Context, pluginID string, since time.Time) ([]ExtractedRecord, error)
}

// BlobStore archives raw fetched payloads and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Queue provides enqueue/claim semantics for runnable jobs. Dequeue blocks
// until an item is available or the context ends; popping an item is the
// atomic claim point, so no two callers ever receive the same item.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	// Remove deletes a queued item by job ID, reporting whether it was present.
	Remove(jobID string) bool
	Len() int
}

// Fetcher retrieves a plugin's target resource.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Publisher pushes completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for blob paths and deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces plugin and job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

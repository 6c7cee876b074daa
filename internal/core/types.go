// Package core defines types shared across subsystems.
package core

import (
	"net/http"
	"time"
)

// SourceType tags the kind of content a plugin crawls.
type SourceType string

// Supported source types.
const (
	SourceHTML SourceType = "html"
	SourceJSON SourceType = "json"
)

// ValueType declares how an extracted field value is coerced.
type ValueType string

// Supported field value types.
const (
	ValueString ValueType = "string"
	ValueNumber ValueType = "number"
	ValueBool   ValueType = "bool"
)

// FieldRule maps a named field to a CSS selector (HTML sources) or a
// dot/bracket path (JSON sources).
type FieldRule struct {
	Name      string    `json:"name" mapstructure:"name"`
	Selector  string    `json:"selector" mapstructure:"selector"`
	ValueType ValueType `json:"value_type" mapstructure:"value_type"`
}

// Plugin is a configured crawl target: where to fetch, what to extract,
// and when to run.
type Plugin struct {
	ID                  string      `json:"id"`
	Name                string      `json:"name" mapstructure:"name"`
	TargetURL           string      `json:"target_url" mapstructure:"target_url"`
	Source              SourceType  `json:"source_type" mapstructure:"source_type"`
	Fields              []FieldRule `json:"fields" mapstructure:"fields"`
	Schedule            string      `json:"schedule" mapstructure:"schedule"`
	Enabled             bool        `json:"enabled" mapstructure:"enabled"`
	FailOnEmpty         bool        `json:"fail_on_empty" mapstructure:"fail_on_empty"`
	FetchTimeoutSeconds int         `json:"fetch_timeout_seconds" mapstructure:"fetch_timeout_seconds"`
	MaxAttempts         int         `json:"max_attempts" mapstructure:"max_attempts"`
	Created             time.Time   `json:"created_at"`
	Updated             time.Time   `json:"updated_at"`
}

// JobState represents the lifecycle state of a crawl job.
type JobState string

// Job state values persisted in the job store.
const (
	JobQueued    JobState = "queued"
	JobClaimed   JobState = "claimed"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal job state change.
// Failed -> Queued is the retry edge; any non-terminal state may be cancelled.
func CanTransition(from, to JobState) bool {
	switch {
	case from == JobQueued && (to == JobClaimed || to == JobCancelled || to == JobFailed):
		return true
	case from == JobClaimed && (to == JobRunning || to == JobCancelled || to == JobFailed):
		return true
	case from == JobRunning && to.IsTerminal():
		return true
	case from == JobFailed && to == JobQueued:
		return true
	default:
		return false
	}
}

// Priority orders jobs in the queue. Manual runs outrank scheduled ones.
type Priority int

// Priority levels.
const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Job represents one scheduled or manually triggered execution of a plugin.
type Job struct {
	ID             string     `json:"id"`
	PluginID       string     `json:"plugin_id"`
	State          JobState   `json:"state"`
	Priority       Priority   `json:"priority"`
	Attempt        int        `json:"attempt"`
	Created        time.Time  `json:"created_at"`
	Started        *time.Time `json:"started_at,omitempty"`
	Finished       *time.Time `json:"finished_at,omitempty"`
	ItemsProcessed int        `json:"items_processed"`
	ItemsTotal     *int       `json:"items_total,omitempty"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"`
	ErrorText      string     `json:"error_text,omitempty"`
}

// SlotStatus is the state of a worker slot in the pool.
type SlotStatus string

// Slot status values.
const (
	SlotIdle     SlotStatus = "idle"
	SlotBusy     SlotStatus = "busy"
	SlotDraining SlotStatus = "draining"
	SlotOffline  SlotStatus = "offline"
)

// WorkerSlot is a snapshot of one bounded concurrency unit. CurrentJobID is
// set iff Status is busy.
type WorkerSlot struct {
	ID            string     `json:"id"`
	Status        SlotStatus `json:"status"`
	CurrentJobID  string     `json:"current_job_id,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

// ExtractedRecord is the immutable output of applying a plugin's field rules
// to one fetched payload. Missing fields are present with a nil value.
type ExtractedRecord struct {
	JobID       string         `json:"job_id"`
	PluginID    string         `json:"plugin_id"`
	Fields      map[string]any `json:"fields"`
	ExtractedAt time.Time      `json:"extracted_at"`
}

// FetchRequest captures everything needed to fetch a plugin's target once.
type FetchRequest struct {
	JobID    string
	PluginID string
	URL      string
	Timeout  time.Duration
	Headers  http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	JobID      string
	PluginID   string
	Priority   Priority
	Attempt    int
	EnqueuedAt time.Time
}

// JobFilter narrows job listings.
type JobFilter struct {
	PluginID string
	States   []JobState
	Limit    int
	Offset   int
}

// Package eventlog implements the append-only event stream consumed by the
// dashboard: leveled log events with a total order, bounded history, filtered
// queries, and live subscriptions.
package eventlog

import (
	"errors"
	"time"
)

// Level is the severity of an event.
type Level string

// Supported levels, ordered debug < info < warn < error.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// AtLeast reports whether l is at or above min severity.
func (l Level) AtLeast(min Level) bool {
	return levelRank[l] >= levelRank[min]
}

// Event is one entry in the append-only stream. Seq is assigned by the Hub
// and gives a total order even when timestamps collide.
type Event struct {
	Seq      uint64            `json:"seq"`
	TS       time.Time         `json:"ts"`
	Level    Level             `json:"level"`
	Source   string            `json:"source"`
	PluginID string            `json:"plugin_id,omitempty"`
	JobID    string            `json:"job_id,omitempty"`
	Message  string            `json:"message"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if !e.Level.Valid() {
		return errors.New("unknown level")
	}
	if e.Source == "" {
		return errors.New("source is required")
	}
	if e.Message == "" {
		return errors.New("message is required")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}

// Filter selects a subset of the stream for queries and subscriptions.
// Zero-valued fields match everything.
type Filter struct {
	MinLevel Level
	Source   string
	PluginID string
	JobID    string
	Since    time.Time
}

// Matches reports whether evt passes the filter.
func (f Filter) Matches(evt Event) bool {
	if f.MinLevel != "" && !evt.Level.AtLeast(f.MinLevel) {
		return false
	}
	if f.Source != "" && evt.Source != f.Source {
		return false
	}
	if f.PluginID != "" && evt.PluginID != f.PluginID {
		return false
	}
	if f.JobID != "" && evt.JobID != f.JobID {
		return false
	}
	if !f.Since.IsZero() && evt.TS.Before(f.Since) {
		return false
	}
	return true
}

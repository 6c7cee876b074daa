package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crawlkit/crawld/internal/core"
)

// RecordStore keeps extracted records grouped by plugin.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string][]core.ExtractedRecord
}

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{records: make(map[string][]core.ExtractedRecord)}
}

// StoreRecords appends the batch. The whole batch is visible at once or not
// at all; a reader never observes a partial run.
func (s *RecordStore) StoreRecords(_ context.Context, records []core.ExtractedRecord) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.PluginID] = append(s.records[r.PluginID], cloneRecord(r))
	}
	return nil
}

// ListRecords returns records for a plugin extracted at or after since,
// oldest first.
func (s *RecordStore) ListRecords(_ context.Context, pluginID string, since time.Time) ([]core.ExtractedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ExtractedRecord
	for _, r := range s.records[pluginID] {
		if r.ExtractedAt.Before(since) {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExtractedAt.Equal(out[j].ExtractedAt) {
			return out[i].ExtractedAt.Before(out[j].ExtractedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	return out, nil
}

func cloneRecord(r core.ExtractedRecord) core.ExtractedRecord {
	out := r
	out.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = v
	}
	return out
}

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/crawlkit/crawld/internal/eventlog"
)

func logFilter(r *http.Request) (eventlog.Filter, error) {
	query := r.URL.Query()
	filter := eventlog.Filter{
		Source:   query.Get("source"),
		PluginID: query.Get("plugin"),
		JobID:    query.Get("job"),
	}
	if raw := query.Get("level"); raw != "" {
		level := eventlog.Level(raw)
		if !level.Valid() {
			return eventlog.Filter{}, fmt.Errorf("unknown level %q", raw)
		}
		filter.MinLevel = level
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return eventlog.Filter{}, fmt.Errorf("since must be RFC 3339")
		}
		filter.Since = since
	}
	return filter, nil
}

func (s *Server) queryLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := logFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	events := s.hub.Query(filter)
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// streamLogs serves a live tail of the event stream over SSE. Matching
// history is replayed first; sequence numbers let clients spot gaps if they
// fall behind.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := logFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	history, sub := s.hub.Subscribe(filter)
	defer sub.Cancel()

	for _, evt := range history {
		if err := writeSSE(w, evt); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.C:
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				s.logger.Debug("log stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt eventlog.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", evt.Seq, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

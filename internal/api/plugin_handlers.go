package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crawlkit/crawld/internal/core"
)

type pluginRequest struct {
	Name                string           `json:"name"`
	TargetURL           string           `json:"target_url"`
	Source              core.SourceType  `json:"source_type"`
	Fields              []core.FieldRule `json:"fields"`
	Schedule            string           `json:"schedule"`
	Enabled             *bool            `json:"enabled"`
	FailOnEmpty         bool             `json:"fail_on_empty"`
	FetchTimeoutSeconds int              `json:"fetch_timeout_seconds"`
	MaxAttempts         int              `json:"max_attempts"`
}

func (req pluginRequest) definition() core.Plugin {
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return core.Plugin{
		Name:                req.Name,
		TargetURL:           req.TargetURL,
		Source:              req.Source,
		Fields:              req.Fields,
		Schedule:            req.Schedule,
		Enabled:             enabled,
		FailOnEmpty:         req.FailOnEmpty,
		FetchTimeoutSeconds: req.FetchTimeoutSeconds,
		MaxAttempts:         req.MaxAttempts,
	}
}

func (s *Server) createPlugin(w http.ResponseWriter, r *http.Request) {
	var req pluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	plugin, err := s.registry.Create(r.Context(), req.definition())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, plugin)
}

func (s *Server) listPlugins(w http.ResponseWriter, r *http.Request) {
	plugins, err := s.registry.List(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if plugins == nil {
		plugins = []core.Plugin{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plugins": plugins})
}

func (s *Server) getPlugin(w http.ResponseWriter, r *http.Request) {
	plugin, err := s.registry.Get(r.Context(), chi.URLParam(r, "plugin_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plugin)
}

func (s *Server) updatePlugin(w http.ResponseWriter, r *http.Request) {
	var req pluginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	plugin, err := s.registry.Update(r.Context(), chi.URLParam(r, "plugin_id"), req.definition())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plugin)
}

func (s *Server) deletePlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), chi.URLParam(r, "plugin_id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) enablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) disablePlugin(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	plugin, err := s.registry.SetEnabled(r.Context(), chi.URLParam(r, "plugin_id"), enabled)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plugin)
}

func (s *Server) runPlugin(w http.ResponseWriter, r *http.Request) {
	jobID, err := s.runner.RunNow(r.Context(), chi.URLParam(r, "plugin_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	pluginID := chi.URLParam(r, "plugin_id")
	if _, err := s.registry.Get(r.Context(), pluginID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		since = parsed
	}
	records, err := s.records.ListRecords(r.Context(), pluginID, since)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []core.ExtractedRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

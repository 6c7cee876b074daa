package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/crawlkit/crawld/internal/core"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := core.JobFilter{PluginID: query.Get("plugin")}
	if raw := query.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			filter.States = append(filter.States, core.JobState(strings.TrimSpace(st)))
		}
	}
	var err error
	if filter.Limit, err = intParam(query.Get("limit"), 50); err != nil {
		s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	if filter.Offset, err = intParam(query.Get("offset"), 0); err != nil {
		s.writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []core.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.pool.CancelJob(r.Context(), jobID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) listWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := s.pool.Snapshot()
	if workers == nil {
		workers = []core.WorkerSlot{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errInvalidParam
	}
	return n, nil
}

var errInvalidParam = core.ValidationError("invalid query parameter")

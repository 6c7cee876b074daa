package sinks

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/crawlkit/crawld/internal/eventlog"
)

// PrometheusSink exports engine metrics derived from the event stream: event
// volume by level and source, terminal job counts, and job runtimes.
type PrometheusSink struct {
	eventsTotal   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobRuntime    *prometheus.HistogramVec
	fetchRequests *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawld_events_total",
			Help: "Events emitted, partitioned by level and source.",
		}, []string{"level", "source"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawld_jobs_completed_total",
			Help: "Jobs reaching a terminal state, partitioned by state.",
		}, []string{"state"}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawld_job_runtime_seconds",
			Help:    "Wall time per completed job.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"state"}),
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawld_fetch_requests_total",
			Help: "Fetch completions partitioned by plugin and status class.",
		}, []string{"plugin", "status_class"}),
	}
	for _, c := range []prometheus.Collector{
		s.eventsTotal, s.jobsCompleted, s.jobRuntime, s.fetchRequests,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Consume updates collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []eventlog.Event) error {
	for _, evt := range batch {
		s.eventsTotal.WithLabelValues(string(evt.Level), evt.Source).Inc()
		if state, ok := evt.Detail["state"]; ok && evt.Source == "worker" {
			s.jobsCompleted.WithLabelValues(state).Inc()
			if ms, err := strconv.ParseFloat(evt.Detail["runtime_ms"], 64); err == nil {
				s.jobRuntime.WithLabelValues(state).Observe(ms / 1000)
			}
		}
		if class, ok := evt.Detail["status_class"]; ok {
			s.fetchRequests.WithLabelValues(evt.PluginID, class).Inc()
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// Package metrics exposes run progress as Prometheus metrics.
//
// Metrics:
//   - autopilot_runs_started_total
//   - autopilot_runs_finished_total{state}
//   - autopilot_run_duration_seconds{state}
//   - autopilot_batches_total{agent,status}
//   - autopilot_batch_duration_seconds{agent}
//   - autopilot_audits_total{status}
//   - autopilot_audit_duration_seconds
//   - autopilot_escalations_total
//   - autopilot_routing_failures_total
//   - autopilot_placeholder_artifacts_total
//   - autopilot_runs_active
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/autopilot/internal/events"
)

// Recorder holds the controller's metrics, registered on its own registry.
type Recorder struct {
	reg *prometheus.Registry

	RunsStarted        prometheus.Counter
	RunsFinished       *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	Batches            *prometheus.CounterVec
	BatchDuration      *prometheus.HistogramVec
	Audits             *prometheus.CounterVec
	AuditDuration      prometheus.Histogram
	Escalations        prometheus.Counter
	RoutingFailures    prometheus.Counter
	PlaceholderWritten prometheus.Counter
	ActiveRuns         prometheus.Gauge
}

// NewRecorder creates a recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		RunsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_runs_started_total",
			Help: "Total number of runs started",
		}),
		RunsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_runs_finished_total",
			Help: "Total number of runs finished, by terminal state",
		}, []string{"state"}), // "Done", "FatalStop", "Failed"
		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopilot_run_duration_seconds",
			Help:    "Wall time of a run from start to terminal state",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}, []string{"state"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_batches_total",
			Help: "Total number of executed batches, by executor role and status",
		}, []string{"agent", "status"}),
		BatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "autopilot_batch_duration_seconds",
			Help:    "Duration of batch execution in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"agent"}),
		Audits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "autopilot_audits_total",
			Help: "Total number of audit gate evaluations, by combined status",
		}, []string{"status"}),
		AuditDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "autopilot_audit_duration_seconds",
			Help:    "Duration of an audit gate evaluation in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		Escalations: f.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_escalations_total",
			Help: "Total number of failed attempts handed back to the planner",
		}),
		RoutingFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_routing_failures_total",
			Help: "Total number of plans that failed to compile",
		}),
		PlaceholderWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "autopilot_placeholder_artifacts_total",
			Help: "Total number of placeholder task artifacts written after a failed write",
		}),
		ActiveRuns: f.NewGauge(prometheus.GaugeOpts{
			Name: "autopilot_runs_active",
			Help: "Number of runs currently in progress",
		}),
	}
}

// Registry returns the registry the metrics are registered on.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Observe updates the metrics for one event.
func (r *Recorder) Observe(e events.Event) {
	switch ev := e.(type) {
	case events.RunStartedEvent:
		r.RunsStarted.Inc()
		r.ActiveRuns.Inc()
	case events.RoutingCompletedEvent:
		if ev.Err != "" {
			r.RoutingFailures.Inc()
		}
	case events.BatchCompletedEvent:
		r.Batches.WithLabelValues(ev.Agent, ev.Status).Inc()
		r.BatchDuration.WithLabelValues(ev.Agent).Observe(ev.Duration.Seconds())
	case events.ArtifactWrittenEvent:
		if ev.Placeholder {
			r.PlaceholderWritten.Inc()
		}
	case events.AuditCompletedEvent:
		r.Audits.WithLabelValues(ev.Status).Inc()
		r.AuditDuration.Observe(ev.Duration.Seconds())
	case events.RunEscalatedEvent:
		r.Escalations.Inc()
	case events.RunFinishedEvent:
		r.RunsFinished.WithLabelValues(ev.State).Inc()
		r.RunDuration.WithLabelValues(ev.State).Observe(ev.Duration.Seconds())
		r.ActiveRuns.Dec()
	}
}

// Run records events from ch until it is closed or ctx is done.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(e)
		}
	}
}

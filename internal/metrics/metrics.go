// Package metrics holds the Prometheus collectors for the investigation
// core and exposes them through a dedicated registry.
//
// Responsibilities:
//   - Define every counter, gauge and histogram the process emits
//   - Register them against an isolated registry so tests can construct
//     independent instances
//   - Serve the registry via a standard promhttp handler
//
// Integration points:
//   - internal/monitor counts snapshots and detected issues
//   - internal/scheduler tracks investigation outcomes and durations
//   - internal/bus reports dropped events through the OnDrop hook
//   - internal/server mounts Handler() on /metrics
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the process.
type Metrics struct {
	registry *prometheus.Registry

	// Snapshot loop
	SnapshotsTotal        prometheus.Counter
	SnapshotFailuresTotal prometheus.Counter
	SnapshotDuration      prometheus.Histogram

	// Detection
	IssuesDetectedTotal *prometheus.CounterVec

	// Investigations
	InvestigationsTotal   *prometheus.CounterVec
	InvestigationDuration *prometheus.HistogramVec
	InvestigationsRunning prometheus.Gauge

	// Event bus
	BusDroppedTotal *prometheus.CounterVec

	// Report archive
	ReportsArchived     prometheus.Gauge
	ReportsEvictedTotal prometheus.Counter

	// LLM calls
	LLMRequestsTotal *prometheus.CounterVec
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubeinquest_snapshots_total",
			Help: "Total number of cluster snapshots collected",
		}),

		SnapshotFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubeinquest_snapshot_failures_total",
			Help: "Total number of failed snapshot attempts",
		}),

		SnapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kubeinquest_snapshot_duration_seconds",
			Help:    "Time spent collecting a cluster snapshot",
			Buckets: prometheus.DefBuckets,
		}),

		IssuesDetectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubeinquest_issues_detected_total",
				Help: "Total number of issues emitted by the detector",
			},
			[]string{"kind", "severity"},
		),

		InvestigationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubeinquest_investigations_total",
				Help: "Total number of investigations by mode and terminal status",
			},
			[]string{"mode", "status"},
		),

		InvestigationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kubeinquest_investigation_duration_seconds",
				Help:    "Wall-clock duration of sealed investigations",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"mode"},
		),

		InvestigationsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeinquest_investigations_running",
			Help: "Number of investigations currently running",
		}),

		BusDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubeinquest_bus_dropped_events_total",
				Help: "Events dropped from subscriber buffers under backpressure",
			},
			[]string{"topic"},
		),

		ReportsArchived: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kubeinquest_reports_archived",
			Help: "Number of reports currently held in the in-memory archive",
		}),

		ReportsEvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kubeinquest_reports_evicted_total",
			Help: "Reports evicted from the in-memory archive at capacity",
		}),

		LLMRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kubeinquest_llm_requests_total",
				Help: "Total number of LLM completions by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SnapshotsTotal,
		m.SnapshotFailuresTotal,
		m.SnapshotDuration,
		m.IssuesDetectedTotal,
		m.InvestigationsTotal,
		m.InvestigationDuration,
		m.InvestigationsRunning,
		m.BusDroppedTotal,
		m.ReportsArchived,
		m.ReportsEvictedTotal,
		m.LLMRequestsTotal,
	)
	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for additional collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

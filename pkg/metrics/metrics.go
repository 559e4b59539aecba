// Package metrics exposes Prometheus collectors for sync runs. All methods
// are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edusync/assessment-sync/pkg/syncerr"
)

const namespace = "assessment_sync"

// Metrics holds the collectors of one process.
type Metrics struct {
	sourceRequests *prometheus.CounterVec
	sourceLatency  *prometheus.HistogramVec
	sinkChunks     *prometheus.CounterVec
	sinkLatency    *prometheus.HistogramVec
	records        *prometheus.CounterVec
	runs           *prometheus.CounterVec
	runDuration    prometheus.Histogram
	lastSuccess    prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		sourceRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "requests_total",
			Help:      "Source API page requests by object and outcome.",
		}, []string{"object", "outcome"}),
		sourceLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "source",
			Name:      "request_duration_seconds",
			Help:      "Source API request latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"object"}),
		sinkChunks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "chunks_total",
			Help:      "Upsert chunks by kind and outcome.",
		}, []string{"kind", "outcome"}),
		sinkLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sink",
			Name:      "chunk_duration_seconds",
			Help:      "Upsert chunk latency including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"kind"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records processed by kind and result (written, dropped, orphan, deferred, error).",
		}, []string{"kind", "result"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by terminal status.",
		}, []string{"status"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(10, 2, 10),
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed run.",
		}),
	}
}

// ObserveSourceRequest records one page request.
func (m *Metrics) ObserveSourceRequest(object string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sourceRequests.WithLabelValues(object, outcome(err)).Inc()
	m.sourceLatency.WithLabelValues(object).Observe(d.Seconds())
}

// ObserveChunk records one upsert chunk.
func (m *Metrics) ObserveChunk(kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.sinkChunks.WithLabelValues(kind, outcome(err)).Inc()
	m.sinkLatency.WithLabelValues(kind).Observe(d.Seconds())
}

// AddRecords adds n records of kind with the given result.
func (m *Metrics) AddRecords(kind, result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.WithLabelValues(kind, result).Add(float64(n))
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.runDuration.Observe(d.Seconds())
	if status == "completed" {
		m.lastSuccess.SetToCurrentTime()
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return syncerr.KindOf(err).String()
}

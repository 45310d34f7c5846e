// Package metrics defines the Prometheus collectors used by the ingestion
// worker and exposes an HTTP handler for scraping. Every recording method is
// safe to call on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	JobsTotal             *prometheus.CounterVec
	JobsInFlight          prometheus.Gauge
	StageDuration         *prometheus.HistogramVec
	StageRetriesTotal     *prometheus.CounterVec
	ChunksTotal           prometheus.Counter
	ChunksPerDocument     prometheus.Histogram
	EmbeddingBatchesTotal *prometheus.CounterVec
	PointsUpsertedTotal   prometheus.Counter
	PointsDeletedTotal    prometheus.Counter
	StatusReportsTotal    *prometheus.CounterVec
	CircuitBreakerState   *prometheus.GaugeVec
	RPCDuration           *prometheus.HistogramVec
}

// New creates all collectors and registers them with reg. A nil reg uses
// the default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_jobs_total",
				Help: "Ingestion job attempts by outcome (indexed, failed, retried, duplicate, dead_lettered, interrupted).",
			},
			[]string{"outcome"},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_jobs_in_flight",
				Help: "Number of job attempts currently being processed.",
			},
		),
		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_stage_duration_seconds",
				Help:    "Duration of each pipeline stage in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		StageRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_stage_retries_total",
				Help: "Retries of stage-level operations by stage.",
			},
			[]string{"stage"},
		),
		ChunksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_chunks_total",
				Help: "Total chunks produced by the chunking engine.",
			},
		),
		ChunksPerDocument: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_chunks_per_document",
				Help:    "Number of chunks produced per document.",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		EmbeddingBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_embedding_batches_total",
				Help: "Embedding provider batch calls by result (ok, error).",
			},
			[]string{"result"},
		),
		PointsUpsertedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_points_upserted_total",
				Help: "Total vector-store points committed.",
			},
		),
		PointsDeletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_point_deletions_total",
				Help: "Total per-file point deletions (re-index or cleanup).",
			},
		),
		StatusReportsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_status_reports_total",
				Help: "Status updates sent by status and result.",
			},
			[]string{"status", "result"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		RPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_grpc_client_duration_seconds",
				Help:    "Outbound gRPC call latency by method and status code.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"method", "code"},
		),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobsInFlight,
		m.StageDuration,
		m.StageRetriesTotal,
		m.ChunksTotal,
		m.ChunksPerDocument,
		m.EmbeddingBatchesTotal,
		m.PointsUpsertedTotal,
		m.PointsDeletedTotal,
		m.StatusReportsTotal,
		m.CircuitBreakerState,
		m.RPCDuration,
	)

	return m
}

func (m *Metrics) JobStarted() {
	if m == nil {
		return
	}
	m.JobsInFlight.Inc()
}

// JobFinished decrements the in-flight gauge and counts the outcome.
func (m *Metrics) JobFinished(outcome string) {
	if m == nil {
		return
	}
	m.JobsInFlight.Dec()
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

// CountJob counts an outcome for a delivery that never started a job.
func (m *Metrics) CountJob(outcome string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) StageRetry(stage string) {
	if m == nil {
		return
	}
	m.StageRetriesTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) ChunksProduced(n int) {
	if m == nil {
		return
	}
	m.ChunksTotal.Add(float64(n))
	m.ChunksPerDocument.Observe(float64(n))
}

func (m *Metrics) EmbeddingBatch(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.EmbeddingBatchesTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) PointsUpserted(n int) {
	if m == nil {
		return
	}
	m.PointsUpsertedTotal.Add(float64(n))
}

func (m *Metrics) PointsDeleted() {
	if m == nil {
		return
	}
	m.PointsDeletedTotal.Inc()
}

func (m *Metrics) StatusReport(status string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.StatusReportsTotal.WithLabelValues(status, result).Inc()
}

// SetBreakerState records a circuit breaker state as 0, 1 or 2.
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus scrape HTTP handler for g, or the default
// gatherer when g is nil.
// ObserveRPC records one outbound gRPC call.
func (m *Metrics) ObserveRPC(method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPCDuration.WithLabelValues(method, code).Observe(d.Seconds())
}

func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

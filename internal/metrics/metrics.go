package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"media-pipeline/internal/pool"
)

const namespace = "media_pipeline"

// Metrics exposes Prometheus collectors for the intake pipeline.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry         *prometheus.Registry
	filesProcessed   *prometheus.CounterVec
	variantEncodes   *prometheus.CounterVec
	uploadAttempts   *prometheus.CounterVec
	gatewayResponses *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
}

// New creates a Metrics instance on its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		filesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Files handled by the intake orchestrator.",
		}, []string{"class", "outcome"}),
		variantEncodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variant_encodes_total",
			Help:      "Per-variant HLS encodes.",
		}, []string{"variant", "outcome"}),
		uploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_upload_attempts_total",
			Help:      "Remote transfer attempts, including retries.",
		}, []string{"outcome"}),
		gatewayResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_responses_total",
			Help:      "Access gateway responses by status code.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent per pipeline stage.",
			Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180, 600},
		}, []string{"stage"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.filesProcessed,
		m.variantEncodes,
		m.uploadAttempts,
		m.gatewayResponses,
		m.stageDuration,
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FileProcessed counts one intake outcome
func (m *Metrics) FileProcessed(class, outcome string) {
	if m == nil {
		return
	}
	m.filesProcessed.WithLabelValues(class, outcome).Inc()
}

// VariantEncoded counts one variant encode
func (m *Metrics) VariantEncoded(variant string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.variantEncodes.WithLabelValues(variant, outcome).Inc()
}

// UploadAttempt counts one transfer attempt
func (m *Metrics) UploadAttempt(outcome string) {
	if m == nil {
		return
	}
	m.uploadAttempts.WithLabelValues(outcome).Inc()
}

// GatewayResponse counts one delivery response
func (m *Metrics) GatewayResponse(status int) {
	if m == nil {
		return
	}
	m.gatewayResponses.WithLabelValues(strconv.Itoa(status)).Inc()
}

// ObserveStage records the duration of a pipeline stage
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RegisterPool exports connection pool bookkeeping as gauges
func (m *Metrics) RegisterPool(stats func() pool.ConnPoolStats) {
	if m == nil || stats == nil {
		return
	}
	gauge := func(name, help string, value func(pool.ConnPoolStats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remote_pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(stats())) })
	}
	m.registry.MustRegister(
		gauge("connections", "Open pooled connections.", func(s pool.ConnPoolStats) int { return s.Size }),
		gauge("connections_in_use", "Leased connections.", func(s pool.ConnPoolStats) int { return s.InUse }),
		gauge("pending_operations", "Remote operations in flight.", func(s pool.ConnPoolStats) int { return s.Pending }),
		gauge("idle_connections", "Idle pooled connections.", func(s pool.ConnPoolStats) int { return s.Idle }),
	)
}

// Package metrics exposes Prometheus collectors for the ingestion engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	imagesTotal                *prometheus.CounterVec
	propertiesTotal            *prometheus.CounterVec
	sourceCallsTotal           *prometheus.CounterVec
	breakerOpensTotal          *prometheus.CounterVec
	inflightOperations         prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	checkpointDurationSeconds  prometheus.Histogram
	checkpointFailuresTotal    prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		imagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_images_total",
				Help: "Images processed, labeled by source and outcome.",
			},
			[]string{"source", "outcome"},
		)

		propertiesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_properties_total",
				Help: "Properties finished, labeled by final status.",
			},
			[]string{"status"},
		)

		sourceCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_source_calls_total",
				Help: "Source calls per property, labeled by source and result.",
			},
			[]string{"source", "result"},
		)

		breakerOpensTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_breaker_opens_total",
				Help: "Times a source circuit breaker opened.",
			},
			[]string{"source"},
		)

		inflightOperations = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ingest_inflight_operations",
				Help: "Operations currently holding a concurrency slot.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-source rate limits.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"source"},
		)

		checkpointDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_checkpoint_duration_seconds",
				Help:    "Duration of state checkpoint flushes.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		)

		checkpointFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ingest_checkpoint_failures_total",
				Help: "Checkpoint flushes that failed to persist.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveImage counts one image outcome (stored, duplicate, known, invalid, failed).
func ObserveImage(source, outcome string) {
	Init()
	imagesTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveProperty counts a property reaching a final status.
func ObserveProperty(status string) {
	Init()
	propertiesTotal.WithLabelValues(status).Inc()
}

// ObserveSourceCall counts one source call for a property.
func ObserveSourceCall(source, result string) {
	Init()
	sourceCallsTotal.WithLabelValues(source, result).Inc()
}

// ObserveBreakerOpen counts a breaker opening.
func ObserveBreakerOpen(source string) {
	Init()
	breakerOpensTotal.WithLabelValues(source).Inc()
}

// SetInflight sets the in-flight operations gauge.
func SetInflight(n int64) {
	Init()
	inflightOperations.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveCheckpoint records a checkpoint flush.
func ObserveCheckpoint(duration time.Duration, err error) {
	Init()
	checkpointDurationSeconds.Observe(duration.Seconds())
	if err != nil {
		checkpointFailuresTotal.Inc()
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Package metrics collects Prometheus metrics for the scraping engine
// and optionally serves them on a standalone listener.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics provides metrics collection for requests, retries,
// pipelines, and batch throughput.
type PrometheusMetrics struct {
	// Request metrics
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec

	// Pipeline metrics
	pipelinesTotal   *prometheus.CounterVec
	articlesScraped  prometheus.Counter
	articlesFiltered prometheus.Counter
	activePipelines  prometheus.Gauge

	// Batch metrics
	batchDuration     prometheus.Histogram
	bodyFetchDuration prometheus.Histogram

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics creates a collector on the default registry.
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry creates a collector with a custom
// registry, which tests use to avoid cross-test registration clashes.
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "requests_total",
			Help:      "Total remote requests by endpoint and outcome",
		},
		[]string{"endpoint", "status"},
	)

	pm.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Time taken by remote requests",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	pm.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Total retry attempts by endpoint",
		},
		[]string{"endpoint"},
	)

	pm.pipelinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "pipelines_total",
			Help:      "Publisher pipelines by terminal state",
		},
		[]string{"state"},
	)

	pm.articlesScraped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "articles_scraped_total",
			Help:      "Records committed to the batch aggregate",
		},
	)

	pm.articlesFiltered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "articles_filtered_total",
			Help:      "Records dropped by the window or keyword filters",
		},
	)

	pm.activePipelines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "active_pipelines",
			Help:      "Pipelines currently admitted by the scheduler",
		},
	)

	pm.batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "batch_duration_seconds",
			Help:      "Wall time of whole batch runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	pm.bodyFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scraper",
			Name:      "body_fetch_duration_seconds",
			Help:      "Time to fetch and parse one post body",
			Buckets:   prometheus.DefBuckets,
		},
	)

	registerer.MustRegister(
		pm.requestsTotal,
		pm.requestDuration,
		pm.retriesTotal,
		pm.pipelinesTotal,
		pm.articlesScraped,
		pm.articlesFiltered,
		pm.activePipelines,
		pm.batchDuration,
		pm.bodyFetchDuration,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Debug("Prometheus metrics initialized")
	return pm
}

// RecordRequest records one remote request with timing.
func (pm *PrometheusMetrics) RecordRequest(endpoint, status string, duration time.Duration) {
	pm.requestsTotal.WithLabelValues(endpoint, status).Inc()
	pm.requestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordRetry records one retry attempt.
func (pm *PrometheusMetrics) RecordRetry(endpoint string) {
	pm.retriesTotal.WithLabelValues(endpoint).Inc()
}

// RecordPipelineDone records the terminal state of a pipeline.
func (pm *PrometheusMetrics) RecordPipelineDone(state string) {
	pm.pipelinesTotal.WithLabelValues(state).Inc()
}

// AddArticlesScraped adds committed records to the scrape counter.
func (pm *PrometheusMetrics) AddArticlesScraped(n int) {
	pm.articlesScraped.Add(float64(n))
}

// AddArticlesFiltered adds dropped records to the filter counter.
func (pm *PrometheusMetrics) AddArticlesFiltered(n int) {
	pm.articlesFiltered.Add(float64(n))
}

// IncActivePipelines increments the admitted pipeline gauge.
func (pm *PrometheusMetrics) IncActivePipelines() {
	pm.activePipelines.Inc()
}

// DecActivePipelines decrements the admitted pipeline gauge.
func (pm *PrometheusMetrics) DecActivePipelines() {
	pm.activePipelines.Dec()
}

// RecordBatchDuration records the wall time of one batch run.
func (pm *PrometheusMetrics) RecordBatchDuration(duration time.Duration) {
	pm.batchDuration.Observe(duration.Seconds())
}

// RecordBodyFetch records one body fetch-and-parse duration.
func (pm *PrometheusMetrics) RecordBodyFetch(duration time.Duration) {
	pm.bodyFetchDuration.Observe(duration.Seconds())
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}

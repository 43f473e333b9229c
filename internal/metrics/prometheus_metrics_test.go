package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestMetrics(t *testing.T) *PrometheusMetrics {
	t.Helper()
	registry := prometheus.NewRegistry()
	return NewPrometheusMetricsWithRegistry("pubplat", registry, zaptest.NewLogger(t))
}

func TestRecordRequest(t *testing.T) {
	pm := newTestMetrics(t)

	pm.RecordRequest("searchbiz", "ok", 120*time.Millisecond)
	pm.RecordRequest("searchbiz", "ok", 80*time.Millisecond)
	pm.RecordRequest("appmsg", "error", time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.requestsTotal.WithLabelValues("searchbiz", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.requestsTotal.WithLabelValues("appmsg", "error")))
}

func TestRecordRetry(t *testing.T) {
	pm := newTestMetrics(t)

	pm.RecordRetry("article")
	pm.RecordRetry("article")

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.retriesTotal.WithLabelValues("article")))
}

func TestPipelineCounters(t *testing.T) {
	pm := newTestMetrics(t)

	pm.RecordPipelineDone("completed")
	pm.RecordPipelineDone("completed")
	pm.RecordPipelineDone("failed")
	pm.AddArticlesScraped(7)
	pm.AddArticlesFiltered(2)

	assert.Equal(t, float64(2), testutil.ToFloat64(pm.pipelinesTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.pipelinesTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(7), testutil.ToFloat64(pm.articlesScraped))
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.articlesFiltered))
}

func TestActivePipelinesGauge(t *testing.T) {
	pm := newTestMetrics(t)

	pm.IncActivePipelines()
	pm.IncActivePipelines()
	pm.DecActivePipelines()

	assert.Equal(t, float64(1), testutil.ToFloat64(pm.activePipelines))
}

func TestDurationsObserveWithoutPanic(t *testing.T) {
	pm := newTestMetrics(t)

	require.NotPanics(t, func() {
		pm.RecordBatchDuration(3 * time.Second)
		pm.RecordBodyFetch(250 * time.Millisecond)
	})
}

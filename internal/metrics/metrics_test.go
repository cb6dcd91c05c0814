package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippy/relay/internal/metrics"
)

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = c.(prometheus.Metric).Write(m)
	return m.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	_ = gauge.(prometheus.Metric).Write(m)
	return m.GetGauge().GetValue()
}

func getHistogramCount(t *testing.T, hist *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	o, err := hist.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	_ = o.(prometheus.Metric).Write(m)
	return m.GetHistogram().GetSampleCount()
}

// --- HTTP Middleware tests ---

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/healthz", "200")
	beforeHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/healthz")

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/healthz", "200")
	afterHistCount := getHistogramCount(t, metrics.HTTPRequestDuration, "GET", "/healthz")

	assert.Equal(t, float64(1), afterCount-beforeCount)
	assert.Equal(t, uint64(1), afterHistCount-beforeHistCount)
}

func TestHTTPMiddleware_NormalizesPaths(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	// A fixed admin route should be kept as-is.
	beforeMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterMetrics := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), afterMetrics-beforeMetrics)

	// A per-user debug path should be grouped.
	beforeDebug := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/debug/hubs/:user_id", "200")
	resp, err = http.Get(server.URL + "/debug/hubs/u1")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterDebug := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/debug/hubs/:user_id", "200")
	assert.Equal(t, float64(1), afterDebug-beforeDebug)

	// Anything else is grouped under /other.
	beforeOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	resp, err = http.Get(server.URL + "/ws")
	require.NoError(t, err)
	_ = resp.Body.Close()
	afterOther := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	assert.Equal(t, float64(1), afterOther-beforeOther)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	server := httptest.NewServer(handler)
	defer server.Close()

	beforeCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	afterCount := getCounterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")
	assert.Equal(t, float64(1), afterCount-beforeCount)
}

// --- Business gauge tests ---

func TestActiveUserHubsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActiveUserHubs)
	metrics.ActiveUserHubs.Inc()
	after := getGaugeValue(t, metrics.ActiveUserHubs)
	assert.Equal(t, float64(1), after-before)

	metrics.ActiveUserHubs.Dec()
	afterDec := getGaugeValue(t, metrics.ActiveUserHubs)
	assert.Equal(t, before, afterDec)
}

func TestActivePluginsGauge(t *testing.T) {
	before := getGaugeValue(t, metrics.ActivePlugins)
	metrics.ActivePlugins.Inc()
	after := getGaugeValue(t, metrics.ActivePlugins)
	assert.Equal(t, float64(1), after-before)

	metrics.ActivePlugins.Dec()
	afterDec := getGaugeValue(t, metrics.ActivePlugins)
	assert.Equal(t, before, afterDec)
}

func TestPluginRestartsCounter(t *testing.T) {
	m := &dto.Metric{}
	before := 0.0
	_ = metrics.PluginRestartsTotal.Write(m)
	before = m.GetCounter().GetValue()

	metrics.PluginRestartsTotal.Inc()

	m2 := &dto.Metric{}
	_ = metrics.PluginRestartsTotal.Write(m2)
	assert.Equal(t, before+1, m2.GetCounter().GetValue())
}

// --- Registry test ---

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}

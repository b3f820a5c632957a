package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/yieldledger/yieldledger/internal/logger"
	"github.com/yieldledger/yieldledger/internal/metrics/metricsTypes"
	"github.com/yieldledger/yieldledger/internal/metrics/prometheus"
)

type recordingClient struct {
	incrs  map[string]float64
	gauges map[string]float64
	labels [][]metricsTypes.MetricsLabel
}

func newRecordingClient() *recordingClient {
	return &recordingClient{incrs: map[string]float64{}, gauges: map[string]float64{}}
}

func (r *recordingClient) Incr(name string, labels []metricsTypes.MetricsLabel, value float64) error {
	r.incrs[name] += value
	r.labels = append(r.labels, labels)
	return nil
}

func (r *recordingClient) Gauge(name string, value float64, labels []metricsTypes.MetricsLabel) error {
	r.gauges[name] = value
	return nil
}

func (r *recordingClient) Timing(name string, value time.Duration, labels []metricsTypes.MetricsLabel) error {
	return nil
}

func Test_MetricsSink(t *testing.T) {
	t.Run("Should fan out to every client with default labels", func(t *testing.T) {
		a := newRecordingClient()
		b := newRecordingClient()
		sink, err := NewMetricsSink(&MetricsSinkConfig{
			DefaultLabels: []metricsTypes.MetricsLabel{{Name: "network", Value: "test"}},
		}, []metricsTypes.IMetricsClient{a, b})
		assert.Nil(t, err)

		assert.Nil(t, sink.Incr(metricsTypes.Metric_Incr_TransitionCommitted, []metricsTypes.MetricsLabel{{Name: "operation", Value: "deposit"}}, 1))
		assert.Nil(t, sink.Gauge(metricsTypes.Metric_Gauge_CurrentEpoch, 3, nil))

		for _, c := range []*recordingClient{a, b} {
			assert.Equal(t, float64(1), c.incrs[metricsTypes.Metric_Incr_TransitionCommitted])
			assert.Equal(t, float64(3), c.gauges[metricsTypes.Metric_Gauge_CurrentEpoch])
			assert.Len(t, c.labels[0], 2)
		}
	})
	t.Run("Should accept metrics without clients", func(t *testing.T) {
		sink := NewNoopMetricsSink()
		assert.Nil(t, sink.Timing(metricsTypes.Metric_Timing_TransitionDuration, time.Second, nil))
	})
	t.Run("Should record into prometheus collectors", func(t *testing.T) {
		l, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
		pm, err := prometheus.NewPrometheusMetricsClient(&prometheus.PrometheusMetricsConfig{
			Metrics: metricsTypes.MetricTypes,
		}, l)
		assert.Nil(t, err)

		sink, _ := NewMetricsSink(&MetricsSinkConfig{}, []metricsTypes.IMetricsClient{pm})
		assert.Nil(t, sink.Incr(metricsTypes.Metric_Incr_TransitionCommitted, []metricsTypes.MetricsLabel{{Name: "operation", Value: "deposit"}}, 2))
		assert.Nil(t, sink.Gauge(metricsTypes.Metric_Gauge_VaultTotalAssets, 42, []metricsTypes.MetricsLabel{{Name: "asset", Value: "ETH"}}))

		count, err := prom.GatherAndCount(pm.Registry(), "yieldledger_transition_committed")
		assert.Nil(t, err)
		assert.Equal(t, 1, count)

		// unknown label names are rejected
		err = sink.Gauge(metricsTypes.Metric_Gauge_VaultTotalAssets, 1, []metricsTypes.MetricsLabel{{Name: "vault", Value: "ETH"}})
		assert.NotNil(t, err)
	})
}

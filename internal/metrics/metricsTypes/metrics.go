package metricsTypes

import "time"

type IMetricsClient interface {
	Incr(name string, labels []MetricsLabel, value float64) error
	Gauge(name string, value float64, labels []MetricsLabel) error
	Timing(name string, value time.Duration, labels []MetricsLabel) error
}

type MetricsLabel struct {
	Name  string
	Value string
}

type MetricsType string

var (
	MetricsType_Incr   MetricsType = "incr"
	MetricsType_Gauge  MetricsType = "gauge"
	MetricsType_Timing MetricsType = "timing"
)

type MetricsTypeConfig struct {
	Name   string
	Labels []string
}

var (
	Metric_Incr_TransitionCommitted = "transition_committed"
	Metric_Incr_TransitionFailed    = "transition_failed"
	Metric_Incr_HttpRequest         = "rpc_http_request"

	Metric_Gauge_VaultTotalAssets  = "vault_total_assets"
	Metric_Gauge_VaultTotalShares  = "vault_total_shares"
	Metric_Gauge_CurrentEpoch      = "current_epoch"
	Metric_Gauge_LastTransitionSeq = "last_transition_seq"

	Metric_Timing_TransitionDuration = "transition_duration"
	Metric_Timing_HttpDuration       = "rpc_http_duration"
)

var MetricTypes = map[MetricsType][]MetricsTypeConfig{
	MetricsType_Incr: {
		MetricsTypeConfig{
			Name:   Metric_Incr_TransitionCommitted,
			Labels: []string{"operation"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_TransitionFailed,
			Labels: []string{"operation"},
		},
		MetricsTypeConfig{
			Name:   Metric_Incr_HttpRequest,
			Labels: []string{"path"},
		},
	},
	MetricsType_Gauge: {
		MetricsTypeConfig{
			Name:   Metric_Gauge_VaultTotalAssets,
			Labels: []string{"asset"},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_VaultTotalShares,
			Labels: []string{"asset"},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_CurrentEpoch,
			Labels: []string{},
		},
		MetricsTypeConfig{
			Name:   Metric_Gauge_LastTransitionSeq,
			Labels: []string{},
		},
	},
	MetricsType_Timing: {
		MetricsTypeConfig{
			Name:   Metric_Timing_TransitionDuration,
			Labels: []string{"operation"},
		},
		MetricsTypeConfig{
			Name:   Metric_Timing_HttpDuration,
			Labels: []string{"path"},
		},
	},
}

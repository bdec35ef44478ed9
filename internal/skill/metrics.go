package skill

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalExecMetrics *ExecMetrics
	execMetricsOnce   sync.Once
)

// ExecMetrics holds Prometheus metrics for skill execution.
type ExecMetrics struct {
	ExecutionsTotal *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
}

// NewExecMetrics creates and registers execution metrics, once globally.
func NewExecMetrics() *ExecMetrics {
	execMetricsOnce.Do(func() {
		globalExecMetrics = &ExecMetrics{
			ExecutionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "verifyd_skill_executions_total",
					Help: "Total number of skill executions",
				},
				[]string{"skill", "result"}, // result: success, failed, timeout
			),
			Duration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "verifyd_skill_duration_seconds",
					Help:    "Duration of successful skill executions",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"skill"},
			),
		}
	})
	return globalExecMetrics
}

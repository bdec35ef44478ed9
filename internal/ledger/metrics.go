package ledger

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for event emission.
type Metrics struct {
	EventsEmittedTotal *prometheus.CounterVec
	EmitFailuresTotal  prometheus.Counter
	MirrorDropsTotal   prometheus.Counter
}

// NewMetrics creates and registers emission metrics. Registered once
// globally to avoid duplicate collector registration panics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			EventsEmittedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "verifyd_events_emitted_total",
					Help: "Total number of ledger events emitted",
				},
				[]string{"status"},
			),
			EmitFailuresTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "verifyd_event_emit_failures_total",
					Help: "Total number of ledger appends that failed and were dropped",
				},
			),
			MirrorDropsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "verifyd_event_mirror_drops_total",
					Help: "Total number of NATS mirror publishes that failed",
				},
			),
		}
	})
	return globalMetrics
}

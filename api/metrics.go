package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the relay
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	ConnectedClients prometheus.Gauge
	OperationsTotal  *prometheus.CounterVec
	ConflictsTotal   *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	BroadcastSeconds prometheus.Histogram
}

// NewMetrics registers the relay's collectors with the given registerer
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmcollab_active_sessions",
			Help: "Number of active diagram collaboration sessions",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tmcollab_connected_clients",
			Help: "Number of connected WebSocket clients",
		}),
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tmcollab_operations_total",
			Help: "Diagram operations processed, by type and outcome",
		}, []string{"type", "outcome"}),
		ConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tmcollab_conflicts_total",
			Help: "Conflicts detected, by conflict type",
		}, []string{"type"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tmcollab_rate_limited_total",
			Help: "Operation batches rejected by the rate limiter",
		}),
		BroadcastSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tmcollab_broadcast_duration_seconds",
			Help:    "Time to fan an applied operation out to session clients",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

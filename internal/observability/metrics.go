package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway. Each instance
// owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions  prometheus.Gauge
	SessionEvents   *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
	BackendRequests *prometheus.CounterVec
	BackendLatency  prometheus.Histogram
	GateWait        prometheus.Histogram
	StoredResults   prometheus.Gauge
	Evictions       prometheus.Counter

	Latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live client sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Rejected requests by limiter scope.",
		}, []string{"scope"}),
		BackendRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Generation exchanges with the motion backend by outcome.",
		}, []string{"outcome"}),
		BackendLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_latency_seconds",
			Help:      "Duration of one backend call, gate wait included.",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 15, 30, 60},
		}),
		GateWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gate_wait_seconds",
			Help:      "Time spent queued for the serialized backend slot.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		}),
		StoredResults: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stored_results",
			Help:      "Motions held in memory across all sessions.",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Motions dropped to make room in a full session cache.",
		}),
		Latency: NewLatencyWindow(256),
	}
}

func (m *Metrics) ObserveGateWait(d time.Duration) {
	m.GateWait.Observe(d.Seconds())
	m.Latency.Observe(StageGateWait, d)
}

func (m *Metrics) ObserveBackend(outcome string, d time.Duration) {
	m.BackendRequests.WithLabelValues(outcome).Inc()
	m.BackendLatency.Observe(d.Seconds())
	m.Latency.Observe(StageBackend, d)
}

// Handler serves this instance's registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

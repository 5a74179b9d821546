package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	PendingReplies    prometheus.Gauge
	DispatchOutcomes  *prometheus.CounterVec
	DispatchLatency   *prometheus.HistogramVec
	DeviceReplies     *prometheus.CounterVec
	StatusCallbacks   *prometheus.CounterVec
	GroupEvents       *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec

	dispatch *dispatchWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_device_connections",
			Help:      "Number of registered device connections.",
		}),
		PendingReplies: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_replies",
			Help:      "Dispatched commands currently awaiting a device reply.",
		}),
		DispatchOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_outcomes_total",
			Help:      "Awaited command dispatches by command kind and outcome.",
		}, []string{"kind", "outcome"}),
		DispatchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_latency_ms",
			Help:      "Time from command send to outcome in milliseconds.",
			Buckets:   []float64{50, 100, 200, 500, 1000, 2000, 5000, 6500},
		}, []string{"kind"}),
		DeviceReplies: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_replies_total",
			Help:      "Device replies by content category and ingestion result.",
		}, []string{"content", "result"}),
		StatusCallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_callbacks_total",
			Help:      "Status callbacks by kind and result.",
		}, []string{"kind", "result"}),
		GroupEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_events_total",
			Help:      "Group session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by stage.",
		}, []string{"stage"}),
		dispatch: newDispatchWindow(256),
	}
}

// ObserveDispatch records one awaited command in both the histogram and the rolling window.
func (m *Metrics) ObserveDispatch(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.DispatchOutcomes.WithLabelValues(kind, outcome).Inc()
	m.DispatchLatency.WithLabelValues(kind).Observe(ms)
	m.dispatch.Observe(kind, ms)
	m.dispatch.ObserveOutcome(outcome)
}

func (m *Metrics) SnapshotDispatch() DispatchSnapshot {
	if m == nil {
		return DispatchSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.dispatch.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

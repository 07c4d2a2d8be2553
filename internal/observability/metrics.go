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
	StaffOnDuty     prometheus.Gauge
	Connections     prometheus.Gauge
	DispatchEvents  *prometheus.CounterVec
	RelaysInFlight  prometheus.Gauge
	RelayDuration   *prometheus.HistogramVec
	WSMessages      *prometheus.CounterVec
	JournalFailures prometheus.Counter

	window *relayWindow
}

// NewMetrics registers instruments on reg. A nil reg uses the default
// registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		StaffOnDuty: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "staff_on_duty",
			Help:      "Number of staff currently registered.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		DispatchEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_events_total",
			Help:      "Routing events by type and outcome.",
		}, []string{"event", "outcome"}),
		RelaysInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relays_in_flight",
			Help:      "Order relays currently running.",
		}),
		RelayDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relay_duration_ms",
			Help:      "Order relay duration in milliseconds by outcome.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 15000},
		}, []string{"outcome"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and result.",
		}, []string{"direction", "result"}),
		JournalFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_failures_total",
			Help:      "Order journal writes that failed.",
		}),
		window: newRelayWindow(256),
	}
}

func (m *Metrics) ObserveDispatch(event, outcome string) {
	m.DispatchEvents.WithLabelValues(event, outcome).Inc()
}

// ObserveRelay records a finished relay in the histogram and the window
// served by /v1/perf/relays.
func (m *Metrics) ObserveRelay(s RelaySample) {
	m.RelayDuration.WithLabelValues(s.Outcome).Observe(float64(s.Total.Milliseconds()))
	m.window.Add(s)
}

// ObserveOutcome counts an order outcome that never reached a relay.
func (m *Metrics) ObserveOutcome(outcome string) {
	m.window.AddOutcome(outcome)
}

func (m *Metrics) SnapshotRelays() RelaySnapshot {
	return m.window.Snapshot()
}

func durationMS(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

package hearth

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ============================================================================
// Metrics
// ============================================================================

// Metrics holds the Prometheus collectors of a delivery manager. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ConnectionState   *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	Sends             *prometheus.CounterVec
	SendLatency       prometheus.Histogram
	Received          *prometheus.CounterVec
	LateAcks          prometheus.Counter
	RoomJoins         *prometheus.CounterVec
	Subscriptions     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hearth_connection_state",
			Help: "1 for the current realtime connection state, 0 otherwise",
		}, []string{"state"}),

		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_reconnect_attempts_total",
			Help: "Total number of scheduled reconnect attempts",
		}),

		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_sends_total",
			Help: "Total number of message sends",
		}, []string{"outcome"}), // outcome = "ok", "server_error", "timeout", "not_connected", "canceled", "transport_error"

		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_send_latency_seconds",
			Help:    "Time from send to acknowledgement in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}),

		Received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_received_total",
			Help: "Total number of inbound events",
		}, []string{"kind"}), // kind = "message", "typing", "error", "unknown"

		LateAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hearth_late_acks_total",
			Help: "Acknowledgements that arrived after their send resolved",
		}),

		RoomJoins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_room_joins_total",
			Help: "Room join outcomes",
		}, []string{"outcome"}), // outcome = "joined", "timeout", "error"

		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_subscriptions",
			Help: "Current number of active subscriptions",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.ReconnectAttempts,
			m.Sends,
			m.SendLatency,
			m.Received,
			m.LateAcks,
			m.RoomJoins,
			m.Subscriptions,
		)
	}
	return m
}

// MetricsHandler returns an HTTP handler exposing the collectors in g.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

var allStates = []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateFailed}

func (m *Metrics) connectionState(state ConnectionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) sendOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sendLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.SendLatency.Observe(d.Seconds())
}

func (m *Metrics) received(kind string) {
	if m == nil {
		return
	}
	m.Received.WithLabelValues(kind).Inc()
}

func (m *Metrics) lateAck() {
	if m == nil {
		return
	}
	m.LateAcks.Inc()
}

func (m *Metrics) roomJoin(outcome string) {
	if m == nil {
		return
	}
	m.RoomJoins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) subscriptionsAdd(delta float64) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(delta)
}

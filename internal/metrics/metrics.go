package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors of the messaging server. Every instance owns
// its own registry so tests can create as many as they like.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// MessagesSent counts persisted messages. Labels: kind
	MessagesSent *prometheus.CounterVec

	// MessagesSeen counts unseen -> seen transitions.
	MessagesSeen prometheus.Counter

	// MessagesExpired counts rows removed by the expiry sweep.
	MessagesExpired prometheus.Counter

	// AttachmentDeleteFailures counts best-effort attachment deletions that failed.
	AttachmentDeleteFailures prometheus.Counter

	// SweepDuration measures one sweep tick in seconds. Labels: status (success|error)
	SweepDuration *prometheus.HistogramVec

	// ActiveConnections is the number of joined connections.
	ActiveConnections prometheus.Gauge

	// DroppedConnections counts connections removed because delivery failed.
	DroppedConnections prometheus.Counter

	// CommandErrors counts rejected client commands. Labels: command
	CommandErrors *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hakanai_messages_sent_total",
			Help: "Messages persisted by the router.",
		}, []string{"kind"}),
		MessagesSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "hakanai_messages_seen_total",
			Help: "Messages transitioned to seen.",
		}),
		MessagesExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "hakanai_messages_expired_total",
			Help: "Messages deleted by the expiry sweep.",
		}),
		AttachmentDeleteFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hakanai_attachment_delete_failures_total",
			Help: "Attachment deletions that failed during a sweep.",
		}),
		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hakanai_sweep_duration_seconds",
			Help:    "Duration of one expiry sweep.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"status"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hakanai_active_connections",
			Help: "Connections currently joined to a user.",
		}),
		DroppedConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "hakanai_dropped_connections_total",
			Help: "Connections dropped after a failed delivery.",
		}),
		CommandErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hakanai_command_errors_total",
			Help: "Client commands rejected with an error event.",
		}, []string{"command"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageSent(kind string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessagesSeenAdd(n int) {
	if m == nil {
		return
	}
	m.MessagesSeen.Add(float64(n))
}

func (m *Metrics) MessagesExpiredAdd(n int) {
	if m == nil {
		return
	}
	m.MessagesExpired.Add(float64(n))
}

func (m *Metrics) AttachmentDeleteFailed() {
	if m == nil {
		return
	}
	m.AttachmentDeleteFailures.Inc()
}

func (m *Metrics) ObserveSweep(seconds float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.SweepDuration.WithLabelValues(status).Observe(seconds)
}

func (m *Metrics) ConnectionJoined() {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionLeft() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

func (m *Metrics) ConnectionDropped() {
	if m == nil {
		return
	}
	m.DroppedConnections.Inc()
}

func (m *Metrics) CommandFailed(command string) {
	if m == nil {
		return
	}
	m.CommandErrors.WithLabelValues(command).Inc()
}

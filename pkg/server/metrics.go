package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay. Construct it once
// per process; promauto registers against the default registry.
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec
	sessionsDisconnected *prometheus.CounterVec

	// Directory metrics
	onlineUsers  prometheus.Gauge
	logins       *prometheus.CounterVec
	pendingDepth prometheus.Gauge

	// Message flow metrics
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	messagesDelivered prometheus.Counter
	messagesQueued    prometheus.Counter
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaywire_active_sessions",
				Help: "Current number of live connections",
			},
		),
		sessionsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywire_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywire_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
			[]string{"transport"},
		),
		onlineUsers: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaywire_online_users",
				Help: "Users currently logged in",
			},
		),
		logins: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywire_logins_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		pendingDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaywire_pending_messages",
				Help: "Messages queued for offline recipients",
			},
		),
		framesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywire_frames_received_total",
				Help: "Frames received from clients by command",
			},
			[]string{"command"},
		),
		framesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaywire_frames_sent_total",
				Help: "Frames sent to clients by command",
			},
			[]string{"command"},
		),
		messagesDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relaywire_messages_delivered_total",
				Help: "Messages written to a recipient connection",
			},
		),
		messagesQueued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "relaywire_messages_queued_total",
				Help: "Messages queued because the recipient was offline",
			},
		),
	}
}

func (m *Metrics) RecordActiveSessions(count int) {
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated(transport string) {
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordSessionDisconnected(transport string) {
	m.sessionsDisconnected.WithLabelValues(transport).Inc()
}

func (m *Metrics) RecordOnlineUsers(count int) {
	m.onlineUsers.Set(float64(count))
}

func (m *Metrics) RecordLogin(outcome string) {
	m.logins.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordPendingDepth(count int) {
	m.pendingDepth.Set(float64(count))
}

func (m *Metrics) RecordFrameReceived(command string) {
	m.framesReceived.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordFrameSent(command string) {
	m.framesSent.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordDelivered() {
	m.messagesDelivered.Inc()
}

func (m *Metrics) RecordQueued() {
	m.messagesQueued.Inc()
}

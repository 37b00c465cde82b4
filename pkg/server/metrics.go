package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors shared by every server instance
// in the process. Each series is labelled with the instance port. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	sessionsActive     *prometheus.GaugeVec
	sessionsAuthorized *prometheus.GaugeVec
	connections        *prometheus.CounterVec
	disconnects        *prometheus.CounterVec
	linesReceived      *prometheus.CounterVec
	linesSent          *prometheus.CounterVec
	sendFailures       *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eqbcs_sessions_active",
			Help: "Connected sessions, logged in or not",
		}, []string{"port"}),
		sessionsAuthorized: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eqbcs_sessions_authorized",
			Help: "Logged-in sessions",
		}, []string{"port"}),
		connections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eqbcs_connections_total",
			Help: "Inbound connections by outcome",
		}, []string{"port", "result"}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eqbcs_disconnects_total",
			Help: "Session teardowns by cause",
		}, []string{"port", "cause"}),
		linesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eqbcs_lines_received_total",
			Help: "Inbound lines by interpretation",
		}, []string{"port", "kind"}),
		linesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eqbcs_lines_sent_total",
			Help: "Outbound lines written",
		}, []string{"port"}),
		sendFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "eqbcs_send_failures_total",
			Help: "Outbound writes that failed and closed the session",
		}, []string{"port"}),
	}
}

// RecordSessions sets the session gauges
func (m *Metrics) RecordSessions(port string, active, authorized int) {
	if m == nil {
		return
	}
	m.sessionsActive.WithLabelValues(port).Set(float64(active))
	m.sessionsAuthorized.WithLabelValues(port).Set(float64(authorized))
}

// RecordConnection counts an accepted ("accepted") or refused ("full") connection
func (m *Metrics) RecordConnection(port, result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(port, result).Inc()
}

// RecordDisconnect counts a teardown
func (m *Metrics) RecordDisconnect(port, cause string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(port, cause).Inc()
}

// RecordLineReceived counts an inbound line by how it was interpreted
func (m *Metrics) RecordLineReceived(port, kind string) {
	if m == nil {
		return
	}
	m.linesReceived.WithLabelValues(port, kind).Inc()
}

// RecordLineSent counts an outbound line
func (m *Metrics) RecordLineSent(port string) {
	if m == nil {
		return
	}
	m.linesSent.WithLabelValues(port).Inc()
}

// RecordSendFailure counts a failed write
func (m *Metrics) RecordSendFailure(port string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(port).Inc()
}

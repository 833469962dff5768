// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can be built without instrumentation in tests.
package metrics

import (
	"crypto/tls"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upgrade results.
const (
	UpgradeAccepted = "accepted"
	UpgradeRejected = "rejected"
	UpgradeFailed   = "failed"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Raw TCP connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec
	SocketErrors      prometheus.Counter

	// TLS metrics
	HandshakesTotal   *prometheus.CounterVec
	HandshakeDuration prometheus.Histogram
	TicketRotations   prometheus.Counter

	// Upgrade gate metrics
	UpgradesTotal *prometheus.CounterVec

	// Managed connection metrics
	ActiveSessions  prometheus.Gauge
	SessionDuration prometheus.Histogram
	MessagesTotal   *prometheus.CounterVec
	MessageSize     *prometheus.HistogramVec
	SessionErrors   *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg.
// A nil reg registers with the default Prometheus registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "everest_gateway"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open TCP connections",
			},
		),
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of closed TCP connections",
			},
			[]string{"status"},
		),
		SocketErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "socket_errors_total",
				Help:      "Total number of TCP connections that failed with a transport error",
			},
		),
		HandshakesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_handshakes_total",
				Help:      "Total number of TLS handshakes",
			},
			[]string{"result", "resumed"},
		),
		HandshakeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tls_handshake_duration_seconds",
				Help:      "Duration of successful TLS handshakes in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
			},
		),
		TicketRotations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tls_ticket_key_rotations_total",
				Help:      "Total number of session ticket key rotations",
			},
		),
		UpgradesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upgrades_total",
				Help:      "Total number of WebSocket upgrade requests by result",
			},
			[]string{"result"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of managed WebSocket connections that are not yet closed",
			},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Lifetime of managed WebSocket connections in seconds",
				Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400, 86400},
			},
		),
		MessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Total number of messages received on managed connections",
			},
			[]string{"type"},
		),
		MessageSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "message_size_bytes",
				Help:      "Size of received messages in bytes",
				Buckets:   []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
			},
			[]string{"type"},
		),
		SessionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_errors_total",
				Help:      "Total number of managed connection errors by kind",
			},
			[]string{"kind"},
		),
	}
}

// ConnOpened records a newly accepted TCP connection.
func (m *Metrics) ConnOpened(remote string) {
	if m == nil {
		return
	}
	m.ActiveConnections.Inc()
}

// HandshakeCompleted records a successful TLS handshake.
func (m *Metrics) HandshakeCompleted(remote string, state tls.ConnectionState, d time.Duration) {
	if m == nil {
		return
	}
	resumed := "false"
	if state.DidResume {
		resumed = "true"
	}
	m.HandshakesTotal.WithLabelValues("success", resumed).Inc()
	m.HandshakeDuration.Observe(d.Seconds())
}

// HandshakeFailed records a failed TLS handshake.
func (m *Metrics) HandshakeFailed(remote string, err error) {
	if m == nil {
		return
	}
	m.HandshakesTotal.WithLabelValues("failure", "false").Inc()
}

// ConnFailed records the first transport error seen on a TCP connection.
func (m *Metrics) ConnFailed(remote string, err error) {
	if m == nil {
		return
	}
	m.SocketErrors.Inc()
}

// ConnClosed records a closed TCP connection.
func (m *Metrics) ConnClosed(remote string, hadError bool) {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
	status := "ok"
	if hadError {
		status = "error"
	}
	m.ConnectionsTotal.WithLabelValues(status).Inc()
}

// Upgrade records the outcome of an upgrade request.
func (m *Metrics) Upgrade(result string) {
	if m == nil {
		return
	}
	m.UpgradesTotal.WithLabelValues(result).Inc()
}

// SessionOpened records a managed connection entering the Open state.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed records a managed connection entering the Closed state.
func (m *Metrics) SessionClosed(lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// MessageReceived records a message delivered to the handler.
func (m *Metrics) MessageReceived(msgType string, size int) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(msgType).Inc()
	m.MessageSize.WithLabelValues(msgType).Observe(float64(size))
}

// SessionError records an error on a managed connection.
func (m *Metrics) SessionError(kind string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(kind).Inc()
}

// TicketRotated records a session ticket key rotation.
func (m *Metrics) TicketRotated() {
	if m == nil {
		return
	}
	m.TicketRotations.Inc()
}

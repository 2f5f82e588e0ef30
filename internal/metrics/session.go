package metrics

import (
	"time"

	"imcontext/internal/ime"
)

// SessionMetrics records input context activity. It implements ime.Observer.
type SessionMetrics struct {
	registry *Registry

	ResetsTotal      *Counter
	ConnectionsTotal *Counter
	CommitsForwarded *Counter

	Connected     *Gauge
	Active        *Gauge
	PendingResets *Gauge

	ResetAckLatency *Histogram
}

var _ ime.Observer = (*SessionMetrics)(nil)

// NewSessionMetrics registers the session metrics in registry, or in the
// default registry when nil.
func NewSessionMetrics(registry *Registry) *SessionMetrics {
	if registry == nil {
		registry = Default()
	}

	return &SessionMetrics{
		registry: registry,

		ResetsTotal: registry.Counter(
			"resets_total",
			"Resets sent to the input method server",
			nil,
		),
		ConnectionsTotal: registry.Counter(
			"connections_total",
			"Connections established to the input method server",
			nil,
		),
		CommitsForwarded: registry.Counter(
			"commits_forwarded_total",
			"Committed strings delivered to the host",
			nil,
		),

		Connected: registry.Gauge(
			"connected",
			"1 while the transport is connected",
			nil,
		),
		Active: registry.Gauge(
			"active",
			"1 while the session is activated on the server",
			nil,
		),
		PendingResets: registry.Gauge(
			"pending_resets",
			"Resets awaiting acknowledgement",
			nil,
		),

		ResetAckLatency: registry.Histogram(
			"reset_ack_seconds",
			"Time from sending a reset to its acknowledgement",
			nil,
			LatencyBuckets,
		),
	}
}

// Registry returns the registry the metrics live in.
func (m *SessionMetrics) Registry() *Registry {
	return m.registry
}

func (m *SessionMetrics) commandCounter(name, help, command string) *Counter {
	return m.registry.Counter(name, help, Labels{"command": command})
}

// CommandSent counts a command handed to the transport.
func (m *SessionMetrics) CommandSent(command string) {
	m.commandCounter("commands_sent_total", "Commands sent to the input method server", command).Inc()
}

// CommandDropped counts a command discarded while disconnected or on error.
func (m *SessionMetrics) CommandDropped(command string) {
	m.commandCounter("commands_dropped_total", "Commands dropped without reaching the server", command).Inc()
}

// EventReceived counts an inbound event.
func (m *SessionMetrics) EventReceived(kind string) {
	m.registry.Counter("events_received_total", "Events received from the input method server",
		Labels{"event": kind}).Inc()
}

// StaleEventDropped counts an event suppressed by a pending reset.
func (m *SessionMetrics) StaleEventDropped(kind string) {
	m.registry.Counter("stale_events_dropped_total", "Events dropped while a reset was pending",
		Labels{"event": kind}).Inc()
}

// UnsupportedCommand counts a server command accepted without effect.
func (m *SessionMetrics) UnsupportedCommand(command string) {
	m.commandCounter("unsupported_commands_total", "Server commands accepted without effect", command).Inc()
}

// ResetIssued counts a reset sent to the server.
func (m *SessionMetrics) ResetIssued() {
	m.ResetsTotal.Inc()
}

// ResetAcknowledged records the latency of an acknowledged reset.
func (m *SessionMetrics) ResetAcknowledged(latency time.Duration) {
	m.ResetAckLatency.ObserveDuration(latency)
}

// Reconnected counts an established connection.
func (m *SessionMetrics) Reconnected() {
	m.ConnectionsTotal.Inc()
}

// CommitForwarded counts a commit delivered to the host.
func (m *SessionMetrics) CommitForwarded() {
	m.CommitsForwarded.Inc()
}

// StateChanged updates the session gauges.
func (m *SessionMetrics) StateChanged(connected, active bool, pendingResets int) {
	m.Connected.SetBool(connected)
	m.Active.SetBool(active)
	m.PendingResets.Set(int64(pendingResets))
}

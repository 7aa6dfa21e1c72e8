// Package audit implements AuditLogger and Metrics (spec §4.7): a
// structured per-request log line and the counters/gauges that feed
// operational dashboards.
//
// Grounded on internal/metrics/prometheus.go in USA-RedDragon-DMRHub
// (CounterVec/Gauge fields registered once at construction, one
// Record*/Increment* method per metric) for the Metrics half, and on
// the zerolog.Logger field-chaining style used throughout
// uncord-chat-uncord-server for the structured-log half.
package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/openhub-relay/relay/internal/relayid"
)

// Metrics holds the relay's Prometheus instruments (spec §4.7).
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	PendingRequests   prometheus.Gauge
	CancelTotal       prometheus.Counter
	CrossNodeForwards prometheus.Counter
	LockRenewalLosses prometheus.Counter
	RequestDuration   *prometheus.HistogramVec
}

// NewMetrics builds and registers the relay's metric instruments against
// reg. Pass prometheus.DefaultRegisterer in production, a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Number of hub sessions currently established on this node.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_pending_requests",
			Help: "Number of requests currently awaiting a response from a hub.",
		}),
		CancelTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cancel_total",
			Help: "Total number of cancel frames sent to hubs.",
		}),
		CrossNodeForwards: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_cross_node_forwards_total",
			Help: "Total number of requests re-proxied to a different cluster node.",
		}),
		LockRenewalLosses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_lock_renewal_losses_total",
			Help: "Total number of ConnectionStore lock renewals that were lost.",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "End-to-end duration of relayed requests, header receipt to completion.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status_class"}),
	}
	reg.MustRegister(m.ActiveSessions, m.PendingRequests, m.CancelTotal, m.CrossNodeForwards, m.LockRenewalLosses, m.RequestDuration)
	return m
}

// Logger wraps a zerolog.Logger with the relay's per-request field set
// (spec §4.7).
type Logger struct {
	base zerolog.Logger
}

// NewLogger builds a Logger from an already-configured zerolog.Logger
// (level, writer, etc. are the caller's concern -- see cmd/relayd).
func NewLogger(base zerolog.Logger) *Logger {
	return &Logger{base: base.With().Str("component", "relay").Logger()}
}

// RequestCompleted logs one relayed request's outcome. pathFirstSegment,
// actingUser, bytesIn, and bytesOut are the fields spec §4.7 lists
// alongside the rest of this record's shape.
func (l *Logger) RequestCompleted(hubID relayid.HubID, requestID relayid.RequestID, method, pathFirstSegment, actingUser string, statusCode int, bytesIn, bytesOut int64, dur time.Duration, crossNode bool) {
	l.base.Info().
		Str("hub_id", string(hubID)).
		Uint64("request_id", uint64(requestID)).
		Str("method", method).
		Str("path", pathFirstSegment).
		Str("acting_user", actingUser).
		Int("status_code", statusCode).
		Int64("bytes_in", bytesIn).
		Int64("bytes_out", bytesOut).
		Dur("duration", dur).
		Bool("cross_node", crossNode).
		Msg("request completed")
}

// SessionEstablished logs a new HubSession acceptance.
func (l *Logger) SessionEstablished(hubID relayid.HubID, nodeAddress, hubVersion string) {
	l.base.Info().
		Str("hub_id", string(hubID)).
		Str("node_address", nodeAddress).
		Str("hub_version", hubVersion).
		Msg("hub session established")
}

// SessionClosed logs a HubSession teardown.
func (l *Logger) SessionClosed(hubID relayid.HubID, reason string) {
	l.base.Info().
		Str("hub_id", string(hubID)).
		Str("reason", reason).
		Msg("hub session closed")
}

// ProtocolViolation logs a dropped malformed or unknown-id frame.
func (l *Logger) ProtocolViolation(hubID relayid.HubID, reason string) {
	l.base.Warn().
		Str("hub_id", string(hubID)).
		Str("reason", reason).
		Msg("protocol violation")
}

// LockRenewalLost logs a ConnectionStore renewal failure.
func (l *Logger) LockRenewalLost(hubID relayid.HubID) {
	l.base.Error().
		Str("hub_id", string(hubID)).
		Msg("connection lock renewal lost")
}

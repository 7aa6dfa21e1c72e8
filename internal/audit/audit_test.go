package audit_test

import (
	"bytes"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhub-relay/relay/internal/audit"
	"github.com/openhub-relay/relay/internal/relayid"
)

func TestNewMetricsRegistersAllInstruments(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := audit.NewMetrics(reg)

	m.ActiveSessions.Set(3)
	m.PendingRequests.Set(7)
	m.CancelTotal.Inc()
	m.CrossNodeForwards.Inc()
	m.LockRenewalLosses.Inc()
	m.RequestDuration.WithLabelValues("2xx").Observe(0.05)

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]*dto.MetricFamily{}
	for _, fam := range families {
		names[fam.GetName()] = fam
	}

	require.Contains(t, names, "relay_active_sessions")
	assert.Equal(t, float64(3), names["relay_active_sessions"].Metric[0].GetGauge().GetValue())

	require.Contains(t, names, "relay_pending_requests")
	assert.Equal(t, float64(7), names["relay_pending_requests"].Metric[0].GetGauge().GetValue())

	require.Contains(t, names, "relay_cancel_total")
	assert.Equal(t, float64(1), names["relay_cancel_total"].Metric[0].GetCounter().GetValue())

	require.Contains(t, names, "relay_cross_node_forwards_total")
	require.Contains(t, names, "relay_lock_renewal_losses_total")
	require.Contains(t, names, "relay_request_duration_seconds")
}

func TestLoggerRequestCompletedIncludesKeyFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	logger := audit.NewLogger(base)

	logger.RequestCompleted("hub-1", relayid.RequestID(42), "GET", "/state", "user-7", 200, 128, 512, 15*time.Millisecond, false)

	out := buf.String()
	assert.Contains(t, out, `"hub_id":"hub-1"`)
	assert.Contains(t, out, `"request_id":42`)
	assert.Contains(t, out, `"method":"GET"`)
	assert.Contains(t, out, `"path":"/state"`)
	assert.Contains(t, out, `"acting_user":"user-7"`)
	assert.Contains(t, out, `"status_code":200`)
	assert.Contains(t, out, `"bytes_in":128`)
	assert.Contains(t, out, `"bytes_out":512`)
	assert.Contains(t, out, `"cross_node":false`)
	assert.Contains(t, out, "request completed")
}

func TestLoggerProtocolViolationIsWarnLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	logger := audit.NewLogger(base)

	logger.ProtocolViolation("hub-1", "malformed frame")

	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), "protocol violation")
}

func TestLoggerLockRenewalLostIsErrorLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	logger := audit.NewLogger(base)

	logger.LockRenewalLost("hub-1")

	assert.Contains(t, buf.String(), `"level":"error"`)
}

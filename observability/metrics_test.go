package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TurnStarted()
	m.TurnFinished("completed", 3)
	m.RecordToolCall("shell", false)
	m.RecordModelError("rate_limit_error")
	m.RecordPeerRequest("initialize", "ok")
	m.RecordPeerEvent("notification")
}

func TestTurnAccounting(t *testing.T) {
	m := NewMetrics()
	m.TurnStarted()
	m.TurnStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveTurns))

	m.TurnFinished("completed", 2)
	m.TurnFinished("", 1)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveTurns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Turns.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Turns.WithLabelValues("unknown")))
}

func TestToolCallStatus(t *testing.T) {
	m := NewMetrics()
	m.RecordToolCall("edit_file", true)
	m.RecordToolCall("edit_file", false)
	m.RecordToolCall("edit_file", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("edit_file", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ToolCalls.WithLabelValues("edit_file", "ok")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.RecordModelError("overloaded_error")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `codexbridge_model_errors_total{kind="overloaded_error"} 1`)
}

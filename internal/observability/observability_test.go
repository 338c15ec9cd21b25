package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("handshake", 500)
	w.Observe("handshake", 700)
	w.Observe("handshake", 900)
	w.Observe("handshake", -1)
	w.ObserveIndicator("reconnect_go_away")
	w.ObserveIndicator("reconnect_go_away")
	w.ObserveIndicator("  ")

	snap := w.Snapshot()
	assert.Equal(t, 8, snap.WindowSize)
	require.Len(t, snap.Stages, 1)
	s := snap.Stages[0]
	assert.Equal(t, "handshake", s.Stage)
	assert.Equal(t, 3, s.Samples)
	assert.Equal(t, 900.0, s.LastMS)
	assert.Equal(t, 500.0, s.MinMS)
	assert.Equal(t, 900.0, s.MaxMS)
	assert.Equal(t, 700.0, s.P50MS)
	assert.Greater(t, s.P95MS, 700.0)
	assert.LessOrEqual(t, s.P95MS, 900.0)
	assert.Equal(t, 1500.0, s.TargetP95MS)
	require.Len(t, snap.Indicators, 1)
	assert.Equal(t, Indicator{Name: "reconnect_go_away", Count: 2}, snap.Indicators[0])
}

func TestStageWindowWrapsAtCapacity(t *testing.T) {
	w := newStageWindow(4)
	for i := 1; i <= 10; i++ {
		w.Observe("dial", float64(i))
	}
	s := w.Snapshot().Stages[0]
	assert.Equal(t, 4, s.Samples)
	assert.Equal(t, 7.0, s.MinMS)
	assert.Equal(t, 10.0, s.MaxMS)
	assert.Equal(t, 10.0, s.LastMS)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionEvent("connect")
	m.ConnectAttempt("ok")
	m.Reconnect("read_error")
	m.SetState("Active", []string{"Active"})
	m.DroppedFrame("not_active")
	m.ObserveHandshake(time.Second)
	assert.Empty(t, m.SnapshotStages().Stages)
}

func TestMetricsRecordOnIsolatedRegistry(t *testing.T) {
	m := NewMetrics("livewire", prometheus.NewRegistry())
	m.ConnectAttempt("failed")
	m.ConnectAttempt("failed")
	m.Reconnect("go_away")
	m.SetState("Active", []string{"Connecting", "Active"})
	m.ObserveHandshake(250 * time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Reconnects.WithLabelValues("go_away")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SupervisorState.WithLabelValues("Active")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SupervisorState.WithLabelValues("Connecting")))

	snap := m.SnapshotStages()
	require.Len(t, snap.Stages, 1)
	assert.Equal(t, 250.0, snap.Stages[0].LastMS)

	// a second instance must not collide with the first
	other := NewMetrics("livewire", prometheus.NewRegistry())
	assert.NotNil(t, other)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), "livewire_connect_attempts_total")
}

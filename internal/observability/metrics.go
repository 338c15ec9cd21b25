package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	ConnectAttempts   *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	SupervisorState   *prometheus.GaugeVec
	OutboundFrames    *prometheus.CounterVec
	InboundMessages   *prometheus.CounterVec
	ProtocolErrors    prometheus.Counter
	DroppedFrames     *prometheus.CounterVec
	PlaybackSegment   prometheus.Histogram
	HandshakeLatency  prometheus.Histogram
	FirstAudioLatency prometheus.Histogram

	gatherer prometheus.Gatherer
	stages   *stageWindow
}

// NewMetrics registers instruments on reg. Pass prometheus.NewRegistry() in
// tests so instances stay isolated.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live audio sessions.",
		}),
		SessionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		ConnectAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by result.",
		}, []string{"result"}),
		Reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects by reason.",
		}, []string{"reason"}),
		SupervisorState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "supervisor_state",
			Help:      "1 for the connection supervisor's current state.",
		}, []string{"state"}),
		OutboundFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Outbound frames by kind.",
		}, []string{"kind"}),
		InboundMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Decoded inbound messages by kind.",
		}, []string{"kind"}),
		ProtocolErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound envelopes dropped as malformed.",
		}),
		DroppedFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Audio frames dropped by reason.",
		}, []string{"reason"}),
		PlaybackSegment: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "playback_segment_bytes",
			Help:      "Size of audio segments handed to the output device.",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 8),
		}),
		HandshakeLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_ms",
			Help:      "Dial to setup acknowledgement in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 800, 1200, 2000, 5000},
		}),
		FirstAudioLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "End of utterance to first inbound audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		gatherer: reg,
		stages:   newStageWindow(256),
	}
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ConnectAttempt(result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(reason).Inc()
	m.stages.ObserveIndicator("reconnect_" + reason)
}

// SetState flips the state gauge so exactly one label reads 1.
func (m *Metrics) SetState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SupervisorState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) OutboundFrame(kind string) {
	if m == nil {
		return
	}
	m.OutboundFrames.WithLabelValues(kind).Inc()
}

func (m *Metrics) InboundMessage(kind string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.ProtocolErrors.Inc()
}

func (m *Metrics) DroppedFrame(reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObservePlaybackSegment(n int) {
	if m == nil {
		return
	}
	m.PlaybackSegment.Observe(float64(n))
}

func (m *Metrics) ObserveDial(d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe("dial", durationMS(d))
}

func (m *Metrics) ObserveHandshake(d time.Duration) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(durationMS(d))
	m.stages.Observe("handshake", durationMS(d))
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(durationMS(d))
	m.stages.Observe("first_audio", durationMS(d))
}

// SnapshotStages returns rolling latency stats for the perf endpoint.
func (m *Metrics) SnapshotStages() StageSnapshot {
	if m == nil {
		return StageSnapshot{Stages: []StageStats{}}
	}
	return m.stages.Snapshot()
}

// Handler serves the registry this Metrics was built on.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

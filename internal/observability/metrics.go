package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	ActiveCalls       prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	StreamMessages    *prometheus.CounterVec
	TranscriptEvents  *prometheus.CounterVec
	ToolInvocations   *prometheus.CounterVec
	ModelLatency      *prometheus.HistogramVec
	ChunksEmitted     prometheus.Counter
	ProviderErrors    *prometheus.CounterVec
	OutboundMessages  *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram

	turnStages *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer registers the instruments on reg instead of the
// process-wide default registry.
func NewMetricsWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of phone calls with an open media stream.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Call session events by type.",
		}, []string{"event"}),
		StreamMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_messages_total",
			Help:      "Media stream messages by direction and event.",
		}, []string{"direction", "event"}),
		TranscriptEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_events_total",
			Help:      "Speech-to-text events by kind.",
		}, []string{"kind"}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_invocations_total",
			Help:      "Capability invocations by capability and result.",
		}, []string{"capability", "result"}),
		ModelLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_request_latency_ms",
			Help:      "Chat completion latency in milliseconds by outcome.",
			Buckets:   []float64{150, 300, 500, 800, 1200, 2000, 3500, 6000, 10000},
		}, []string{"outcome"}),
		ChunksEmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "response_chunks_total",
			Help:      "Speakable response chunks handed to playback.",
		}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		OutboundMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Notifications and call-control requests by channel and result.",
		}, []string{"channel", "result"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from utterance to first assistant audio in milliseconds.",
			Buckets:   []float64{300, 500, 700, 900, 1200, 1600, 2200, 3000, 5000},
		}),
		turnStages: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.turnStages.Observe("utterance_to_first_audio", float64(d.Milliseconds()))
}

func (m *Metrics) ObserveModelRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelLatency.WithLabelValues(outcome).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveToolInvocation(capability, result string) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(capability, result).Inc()
}

func (m *Metrics) IncChunksEmitted() {
	if m == nil {
		return
	}
	m.ChunksEmitted.Inc()
}

func (m *Metrics) IncSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncStreamMessage(direction, event string) {
	if m == nil {
		return
	}
	m.StreamMessages.WithLabelValues(direction, event).Inc()
}

func (m *Metrics) IncTranscriptEvent(kind string) {
	if m == nil {
		return
	}
	m.TranscriptEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncProviderError(provider, code string) {
	if m == nil {
		return
	}
	m.ProviderErrors.WithLabelValues(provider, code).Inc()
}

func (m *Metrics) IncOutboundMessage(channel, result string) {
	if m == nil {
		return
	}
	m.OutboundMessages.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) CallStarted() {
	if m == nil {
		return
	}
	m.ActiveCalls.Inc()
}

func (m *Metrics) CallEnded() {
	if m == nil {
		return
	}
	m.ActiveCalls.Dec()
}

// ObserveTurnStage records a per-turn latency sample in the rolling window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.turnStages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.turnStages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.turnStages.Snapshot()
}

func (m *Metrics) ResetTurnStages() {
	if m == nil {
		return
	}
	m.turnStages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

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
	ActiveSessions  prometheus.Gauge
	Transitions     *prometheus.CounterVec
	StaleEvents     *prometheus.CounterVec
	Watchdogs       *prometheus.CounterVec
	BackendAttempts *prometheus.CounterVec
	SessionErrors   *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	WSWriteErrors   prometheus.Counter
	TurnDuration    prometheus.Histogram
	ReplyLatency    prometheus.Histogram

	gatherer prometheus.Gatherer
	stages   *turnStageWindow
}

// NewMetrics registers the instruments on the default Prometheus registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWith registers the instruments on reg and serves them from gatherer.
func NewMetricsWith(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live voice sessions.",
		}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Turn state transitions by source and target state.",
		}, []string{"from", "to"}),
		StaleEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_total",
			Help:      "Asynchronous completions dropped because their generation was stale.",
		}, []string{"event"}),
		Watchdogs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watchdog_fired_total",
			Help:      "Watchdog timers that forced a transition, by tag.",
		}, []string{"tag"}),
		BackendAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_attempts_total",
			Help:      "Synthesis backend attempts by backend and outcome.",
		}, []string{"backend", "outcome"}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Session errors by class and operation.",
		}, []string{"class", "op"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		WSWriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket writes that failed.",
		}),
		TurnDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_ms",
			Help:      "Duration from endpoint to turn close in milliseconds.",
			Buckets:   []float64{500, 1000, 2000, 3500, 5000, 8000, 12000, 20000},
		}),
		ReplyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_ms",
			Help:      "Host reply latency in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2000, 4000, 8000, 16000},
		}),
		gatherer: gatherer,
		stages:   newTurnStageWindow(512),
	}
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveStaleEvent(event string) {
	if m == nil {
		return
	}
	m.StaleEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWatchdog(tag string) {
	if m == nil {
		return
	}
	m.Watchdogs.WithLabelValues(tag).Inc()
	m.stages.ObserveIndicator("watchdog_" + tag)
}

func (m *Metrics) ObserveBackendAttempt(backend, outcome string) {
	if m == nil {
		return
	}
	m.BackendAttempts.WithLabelValues(backend, outcome).Inc()
}

func (m *Metrics) ObserveSessionError(class, op string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(class, op).Inc()
}

func (m *Metrics) ObserveInboundMessage(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("inbound", msgType).Inc()
}

func (m *Metrics) ObserveOutboundMessage(msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues("outbound", msgType).Inc()
}

func (m *Metrics) ObserveWSWriteError() {
	if m == nil {
		return
	}
	m.WSWriteErrors.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) ObserveReplyLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.ReplyLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe("endpoint_to_reply", d)
}

func (m *Metrics) ObserveTurnDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Observe(float64(d.Milliseconds()))
	m.stages.Observe("turn_total", d)
}

// ObserveTurnStage records a named latency in the rolling window served at /v1/perf/latency.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, d)
}

func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

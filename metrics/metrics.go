// Package metrics exposes gateway counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ltalink"

// Frame directions.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Metrics holds the gateway collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Production server link
	frames         *prometheus.CounterVec // direction, telegram
	frameBytes     *prometheus.CounterVec // direction
	framesRejected prometheus.Counter
	discards       prometheus.Counter
	reconnects     prometheus.Counter
	linkUp         prometheus.Gauge

	// Telegram traffic
	responses *prometheus.CounterVec // telegram, result
	triggers  *prometheus.CounterVec // telegram, result

	// Databus
	busMessages   *prometheus.CounterVec // kind
	dispatchState prometheus.Gauge
}

// New creates the collectors on a private registry, including Go runtime and process metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_total",
			Help:      "Frames exchanged with the production server",
		}, []string{"direction", "telegram"}),

		frameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frame_bytes_total",
			Help:      "Frame bytes exchanged with the production server",
		}, []string{"direction"}),

		framesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "frames_rejected_total",
			Help:      "Frames dropped because header and footer disagree",
		}),

		discards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reassembler_discards_total",
			Help:      "Times the stream buffer was dropped as corrupt",
		}),

		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "reconnects_total",
			Help:      "Automatic redials of the production server",
		}),

		linkUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "link",
			Name:      "up",
			Help:      "1 while the production server link is connected",
		}),

		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram",
			Name:      "responses_total",
			Help:      "Handled responses by telegram and result (ok, error)",
		}, []string{"telegram", "result"}),

		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telegram",
			Name:      "triggers_total",
			Help:      "Request triggers fired by telegram and result (sent, error)",
		}, []string{"telegram", "result"}),

		busMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "databus",
			Name:      "messages_total",
			Help:      "Databus messages received by kind (metadata, values, status)",
		}, []string{"kind"}),

		dispatchState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "state",
			Help:      "Dispatch engine readiness state",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.frames, m.frameBytes, m.framesRejected, m.discards, m.reconnects, m.linkUp,
		m.responses, m.triggers, m.busMessages, m.dispatchState,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// FrameIn records a received frame.
func (m *Metrics) FrameIn(telegram string, bytes int) {
	m.frame(DirectionIn, telegram, bytes)
}

// FrameOut records a sent frame.
func (m *Metrics) FrameOut(telegram string, bytes int) {
	m.frame(DirectionOut, telegram, bytes)
}

func (m *Metrics) frame(direction, telegram string, bytes int) {
	if m == nil {
		return
	}
	if telegram == "" {
		telegram = "unknown"
	}
	m.frames.WithLabelValues(direction, telegram).Inc()
	m.frameBytes.WithLabelValues(direction).Add(float64(bytes))
}

// FrameRejected records a frame that failed validation.
func (m *Metrics) FrameRejected() {
	if m == nil {
		return
	}
	m.framesRejected.Inc()
}

// Discarded records a reassembler reset.
func (m *Metrics) Discarded() {
	if m == nil {
		return
	}
	m.discards.Inc()
}

// Reconnect records an automatic redial.
func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// LinkUp sets the link gauge.
func (m *Metrics) LinkUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.linkUp.Set(1)
	} else {
		m.linkUp.Set(0)
	}
}

// Response records a handled response.
func (m *Metrics) Response(telegram string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.responses.WithLabelValues(telegram, result).Inc()
}

// Trigger records a fired request trigger.
func (m *Metrics) Trigger(telegram string, err error) {
	if m == nil {
		return
	}
	result := "sent"
	if err != nil {
		result = "error"
	}
	m.triggers.WithLabelValues(telegram, result).Inc()
}

// BusMessage records a databus message of kind.
func (m *Metrics) BusMessage(kind string) {
	if m == nil {
		return
	}
	m.busMessages.WithLabelValues(kind).Inc()
}

// DispatchState sets the engine state gauge.
func (m *Metrics) DispatchState(state int) {
	if m == nil {
		return
	}
	m.dispatchState.Set(float64(state))
}

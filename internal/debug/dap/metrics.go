package dap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request outcomes recorded by Metrics.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
	outcomeTimeout = "timeout"
	outcomeClosed  = "closed"
	outcomeAborted = "aborted"
)

// Metrics records client activity. A nil *Metrics records nothing.
type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	pending         prometheus.Gauge
	events          *prometheus.CounterVec
	lateResponses   prometheus.Counter
	droppedFrames   *prometheus.CounterVec
}

// NewMetrics creates the client collectors and registers them with reg.
// Passing nil creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dap_requests_total", Help: "Requests sent to the debug adapter by outcome"},
			[]string{"command", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dap_request_duration_seconds",
				Help:    "Time from request write to response",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"command"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "dap_pending_requests", Help: "Requests awaiting a response"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dap_events_total", Help: "Events received from the debug adapter"},
			[]string{"event"},
		),
		lateResponses: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "dap_late_responses_total", Help: "Responses that arrived with no pending request"},
		),
		droppedFrames: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "dap_dropped_frames_total", Help: "Inbound frames discarded by the framer"},
			[]string{"reason"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.requestDuration, m.pending, m.events, m.lateResponses, m.droppedFrames)
	}
	return m
}

func (m *Metrics) requestStarted() {
	if m == nil {
		return
	}
	m.pending.Inc()
}

func (m *Metrics) requestFinished(command, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pending.Dec()
	m.requests.WithLabelValues(command, outcome).Inc()
	if outcome == outcomeSuccess || outcome == outcomeFailure {
		m.requestDuration.WithLabelValues(command).Observe(d.Seconds())
	}
}

func (m *Metrics) eventReceived(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) lateResponse() {
	if m == nil {
		return
	}
	m.lateResponses.Inc()
}

func (m *Metrics) frameDropped(reason string) {
	if m == nil {
		return
	}
	m.droppedFrames.WithLabelValues(reason).Inc()
}

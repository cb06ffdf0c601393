// Package metrics holds the Prometheus metrics for the sidecar.
//
// A nil *Metrics is valid: every Record method is a no-op, so components can
// be constructed without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the sidecar.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	TransitionsTotal *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec

	// Approval metrics
	DecisionsTotal *prometheus.CounterVec
	HaltsTotal     prometheus.Counter
	ApprovalWait   prometheus.Histogram

	// Channel metrics
	ChannelDisconnects prometheus.Counter
	ReconnectAttempts  *prometheus.CounterVec
	ChannelConnected   prometheus.Gauge

	// Capture and upload metrics
	UploadsTotal    *prometheus.CounterVec
	UploadDuration  prometheus.Histogram
	CaptureDuration prometheus.Histogram
}

// New creates a Metrics instance with every metric registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "arvyn"
	}

	registry := prometheus.NewRegistry()

	transitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Total number of session status transitions",
		},
		[]string{"from", "to"},
	)

	eventsDropped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped without a state change",
		},
		[]string{"reason"},
	)

	decisionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Approval decisions emitted",
		},
		[]string{"outcome", "delivered"},
	)

	haltsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "halts_total",
			Help:      "Halt requests sent to the agent",
		},
	)

	approvalWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time between an approval request opening and the user's decision",
			Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	channelDisconnects := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_disconnects_total",
			Help:      "Realtime channel disconnects",
		},
	)

	reconnectAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_reconnect_attempts_total",
			Help:      "Realtime channel reconnect attempts",
		},
		[]string{"result"},
	)

	channelConnected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_connected",
			Help:      "1 while the realtime channel is connected",
		},
	)

	uploadsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Command uploads",
		},
		[]string{"result"},
	)

	uploadDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Command upload duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	captureDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Recorded command length in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	registry.MustRegister(
		transitionsTotal,
		eventsDropped,
		decisionsTotal,
		haltsTotal,
		approvalWait,
		channelDisconnects,
		reconnectAttempts,
		channelConnected,
		uploadsTotal,
		uploadDuration,
		captureDuration,
	)

	return &Metrics{
		registry:           registry,
		TransitionsTotal:   transitionsTotal,
		EventsDropped:      eventsDropped,
		DecisionsTotal:     decisionsTotal,
		HaltsTotal:         haltsTotal,
		ApprovalWait:       approvalWait,
		ChannelDisconnects: channelDisconnects,
		ReconnectAttempts:  reconnectAttempts,
		ChannelConnected:   channelConnected,
		UploadsTotal:       uploadsTotal,
		UploadDuration:     uploadDuration,
		CaptureDuration:    captureDuration,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTransition records a status change.
func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordDropped records an inbound event that did not change state.
func (m *Metrics) RecordDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// RecordDecision records an emitted approval decision.
func (m *Metrics) RecordDecision(outcome string, delivered bool, wait time.Duration) {
	if m == nil {
		return
	}
	d := "true"
	if !delivered {
		d = "false"
	}
	m.DecisionsTotal.WithLabelValues(outcome, d).Inc()
	if wait > 0 {
		m.ApprovalWait.Observe(wait.Seconds())
	}
}

// RecordHalt records a halt request.
func (m *Metrics) RecordHalt() {
	if m == nil {
		return
	}
	m.HaltsTotal.Inc()
}

// RecordConnected records a successful channel (re)connect.
func (m *Metrics) RecordConnected(reconnect bool) {
	if m == nil {
		return
	}
	m.ChannelConnected.Set(1)
	if reconnect {
		m.ReconnectAttempts.WithLabelValues("success").Inc()
	}
}

// RecordDisconnected records a channel loss.
func (m *Metrics) RecordDisconnected() {
	if m == nil {
		return
	}
	m.ChannelConnected.Set(0)
	m.ChannelDisconnects.Inc()
}

// RecordReconnectFailure records a failed reconnect attempt.
func (m *Metrics) RecordReconnectFailure() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.WithLabelValues("failure").Inc()
}

// RecordUpload records one command upload.
func (m *Metrics) RecordUpload(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.UploadsTotal.WithLabelValues(result).Inc()
	m.UploadDuration.Observe(duration.Seconds())
}

// RecordCapture records the length of a finished recording.
func (m *Metrics) RecordCapture(duration time.Duration) {
	if m == nil {
		return
	}
	m.CaptureDuration.Observe(duration.Seconds())
}

package forwarder

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons used as the "reason" label.
const (
	reasonFatal    = "fatal"
	reasonEvicted  = "evicted"
	reasonShutdown = "shutdown"
)

// Metrics holds the Prometheus collectors shared by all channel forwarders.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	eventsReceived  *prometheus.CounterVec
	eventsAcked     *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	attempts        *prometheus.CounterVec
	bufferBytes     *prometheus.GaugeVec
	bufferBatches   *prometheus.GaugeVec
	watermark       *prometheus.GaugeVec
	deliverySeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers the forwarder metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_received_total",
			Help: "Events handed to the forwarder by collectors",
		}, []string{"channel"}),
		eventsAcked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_acked_total",
			Help: "Events acknowledged by the collector endpoint",
		}, []string{"channel"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_events_dropped_total",
			Help: "Events dropped without delivery",
		}, []string{"channel", "reason"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_delivery_attempts_total",
			Help: "Batch delivery attempts by outcome",
		}, []string{"channel", "result"}),
		bufferBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_retry_buffer_bytes",
			Help: "Payload bytes held in the retry buffer",
		}, []string{"channel"}),
		bufferBatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_retry_buffer_batches",
			Help: "Batches held in the retry buffer",
		}, []string{"channel"}),
		watermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_acked_seq",
			Help: "Highest acknowledged sequence number",
		}, []string{"channel"}),
		deliverySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "telemetry_delivery_duration_seconds",
			Help:    "Duration of batch delivery calls",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	reg.MustRegister(
		m.eventsReceived, m.eventsAcked, m.eventsDropped, m.attempts,
		m.bufferBytes, m.bufferBatches, m.watermark, m.deliverySeconds,
	)
	return m
}

func (m *Metrics) received(ch string) {
	if m != nil {
		m.eventsReceived.WithLabelValues(ch).Inc()
	}
}

func (m *Metrics) attempt(ch, result string, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(ch, result).Inc()
	m.deliverySeconds.WithLabelValues(ch).Observe(d.Seconds())
	if result == "success" {
		m.eventsAcked.WithLabelValues(ch).Add(float64(n))
	}
}

func (m *Metrics) dropped(ch, reason string, n int) {
	if m != nil && n > 0 {
		m.eventsDropped.WithLabelValues(ch, reason).Add(float64(n))
	}
}

func (m *Metrics) buffer(ch string, batches, bytes int) {
	if m != nil {
		m.bufferBatches.WithLabelValues(ch).Set(float64(batches))
		m.bufferBytes.WithLabelValues(ch).Set(float64(bytes))
	}
}

func (m *Metrics) acked(ch string, seq uint64) {
	if m != nil {
		m.watermark.WithLabelValues(ch).Set(float64(seq))
	}
}

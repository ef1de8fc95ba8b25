// Package metrics exposes pipeline counters on a private Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "screenrec"

type Metrics struct {
	registry *prometheus.Registry

	ActiveRecordings   prometheus.Gauge
	RecordingsTotal    *prometheus.CounterVec
	RecordedBytesTotal prometheus.Counter
	RecordedSeconds    prometheus.Histogram
	SpillFlushesTotal  prometheus.Counter
	TranscodesTotal    *prometheus.CounterVec
	TranscodeSeconds   *prometheus.HistogramVec
	PublishesTotal     *prometheus.CounterVec
}

func New() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveRecordings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_recordings",
			Help:      "Number of recording sessions currently capturing",
		}),
		RecordingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recordings_total",
			Help:      "Recordings by outcome",
		}, []string{"outcome"}),
		RecordedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recorded_bytes_total",
			Help:      "Encoded bytes received from the session encoder",
		}),
		RecordedSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_duration_seconds",
			Help:      "Duration of finished recordings excluding pauses",
			Buckets:   []float64{5, 30, 60, 300, 900, 1800, 3600, 7200},
		}),
		SpillFlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spill_flushes_total",
			Help:      "Chunk buffer flushes to the spill store",
		}),
		TranscodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcodes_total",
			Help:      "Conversion jobs by format and terminal status",
		}, []string{"format", "status"}),
		TranscodeSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_duration_seconds",
			Help:      "Wall time of conversion jobs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"format"}),
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Uploads to remote storage by provider and outcome",
		}, []string{"provider", "outcome"}),
	}
	r.MustRegister(
		m.ActiveRecordings,
		m.RecordingsTotal,
		m.RecordedBytesTotal,
		m.RecordedSeconds,
		m.SpillFlushesTotal,
		m.TranscodesTotal,
		m.TranscodeSeconds,
		m.PublishesTotal,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordingStarted() {
	if m == nil {
		return
	}
	m.ActiveRecordings.Inc()
}

// RecordingEnded records a finished session. outcome is "ok" or "fault".
func (m *Metrics) RecordingEnded(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveRecordings.Dec()
	m.RecordingsTotal.WithLabelValues(outcome).Inc()
	m.RecordedSeconds.Observe(d.Seconds())
}

// RecordingFailed counts a start that never reached Recording.
func (m *Metrics) RecordingFailed() {
	if m == nil {
		return
	}
	m.RecordingsTotal.WithLabelValues("start_failed").Inc()
}

func (m *Metrics) ChunkReceived(n int) {
	if m == nil {
		return
	}
	m.RecordedBytesTotal.Add(float64(n))
}

func (m *Metrics) SpillFlushed() {
	if m == nil {
		return
	}
	m.SpillFlushesTotal.Inc()
}

func (m *Metrics) TranscodeFinished(format, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.TranscodesTotal.WithLabelValues(format, status).Inc()
	m.TranscodeSeconds.WithLabelValues(format).Observe(d.Seconds())
}

func (m *Metrics) Published(provider, outcome string) {
	if m == nil {
		return
	}
	m.PublishesTotal.WithLabelValues(provider, outcome).Inc()
}

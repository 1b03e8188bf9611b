// Package metrics exposes Prometheus collectors for download activity.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "docfetch"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	fastPath        *prometheus.CounterVec
	mirrorAttempts  *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	downloadSeconds *prometheus.HistogramVec
	bytes           prometheus.Counter
	quotaLeft       prometheus.Gauge
}

// MustNewMetrics registers the collectors with reg, reusing collectors that
// are already registered under the same name.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Metrics{
		fastPath: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "fast_download",
				Name:      "requests_total",
				Help:      "Fast download API calls by result kind.",
			},
			[]string{"result"},
		)),
		mirrorAttempts: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "mirror",
				Name:      "attempts_total",
				Help:      "Mirror download attempts by host and result.",
			},
			[]string{"host", "result"},
		)),
		outcomes: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Finished downloads by source and result.",
			},
			[]string{"source", "result"},
		)),
		downloadSeconds: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "download_duration_seconds",
				Help:      "Wall time of one download run.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"result"},
		)),
		bytes: register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_written_total",
				Help:      "Bytes written to partial files.",
			},
		)),
		quotaLeft: register(reg, prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "fast_download",
				Name:      "downloads_left",
				Help:      "Last known number of fast downloads left.",
			},
		)),
	}
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}

		panic(err)
	}

	return c
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}

	return ResultFailure
}

// ObserveFastPath counts a fast download call. kind is "success" or a
// short failure reason.
func (m *Metrics) ObserveFastPath(kind string) {
	if m == nil {
		return
	}

	m.fastPath.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveMirror(host string, ok bool) {
	if m == nil {
		return
	}

	m.mirrorAttempts.WithLabelValues(host, result(ok)).Inc()
}

// ObserveOutcome records a finished download. source is empty on failure.
func (m *Metrics) ObserveOutcome(source string, ok bool, d time.Duration) {
	if m == nil {
		return
	}

	if source == "" {
		source = "none"
	}

	m.outcomes.WithLabelValues(source, result(ok)).Inc()
	m.downloadSeconds.WithLabelValues(result(ok)).Observe(d.Seconds())
}

func (m *Metrics) AddBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}

	m.bytes.Add(float64(n))
}

func (m *Metrics) SetQuotaLeft(n int) {
	if m == nil {
		return
	}

	m.quotaLeft.Set(float64(n))
}

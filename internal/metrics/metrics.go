// Package metrics exposes Prometheus collectors for the feature cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "featcache"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	lookups        *prometheus.CounterVec
	computeSeconds *prometheus.HistogramVec
	flushes        *prometheus.CounterVec
	placements     *prometheus.CounterVec
	records        *prometheus.GaugeVec
	scores         *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Feature cache lookups by result (hit, miss, bypass)",
			},
			[]string{"extractor", "result"},
		),
		computeSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "compute_duration_seconds",
				Help:      "Time spent computing one feature vector",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"extractor"},
		),
		flushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "flushes_total",
				Help:      "Feature cache flushes by status",
			},
			[]string{"extractor", "status"},
		),
		placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "backend",
				Name:      "placements_total",
				Help:      "Backend placement transitions",
			},
			[]string{"extractor", "transition"},
		),
		records: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "records",
				Help:      "Records held by the feature cache",
			},
			[]string{"extractor"},
		),
		scores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scoring",
				Name:      "scores_total",
				Help:      "Images scored by score model",
			},
			[]string{"model"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"path", "method", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path", "method", "status"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.lookups, m.computeSeconds, m.flushes, m.placements, m.records, m.scores, m.HTTPRequests, m.HTTPDuration)
	}
	return m
}

func (m *Metrics) Hit(extractor string) {
	if m != nil {
		m.lookups.WithLabelValues(extractor, "hit").Inc()
	}
}

func (m *Metrics) Miss(extractor string) {
	if m != nil {
		m.lookups.WithLabelValues(extractor, "miss").Inc()
	}
}

// Bypass counts lookups served with the cache disabled.
func (m *Metrics) Bypass(extractor string) {
	if m != nil {
		m.lookups.WithLabelValues(extractor, "bypass").Inc()
	}
}

func (m *Metrics) ObserveCompute(extractor string, seconds float64) {
	if m != nil {
		m.computeSeconds.WithLabelValues(extractor).Observe(seconds)
	}
}

func (m *Metrics) Flushed(extractor string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.flushes.WithLabelValues(extractor, status).Inc()
}

// Placement counts transitions such as "ready", "release" and "unload".
func (m *Metrics) Placement(extractor, transition string) {
	if m != nil {
		m.placements.WithLabelValues(extractor, transition).Inc()
	}
}

func (m *Metrics) SetRecords(extractor string, n int) {
	if m != nil {
		m.records.WithLabelValues(extractor).Set(float64(n))
	}
}

func (m *Metrics) Scored(model string) {
	if m != nil {
		m.scores.WithLabelValues(model).Inc()
	}
}

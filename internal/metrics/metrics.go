// Package metrics provides the Prometheus-backed asyncmy.StatsSink
// implementation, grounded on the teacher's internal/metrics.Collector:
// same custom-registry-per-instance construction, same Vec-per-dimension
// shape, re-labeled from "tenant" to the connection's host.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dbbouncer/asyncmy"
)

// Collector holds the Prometheus metrics the engine reports through
// asyncmy.StatsSink.
type Collector struct {
	Registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	connectSuccess  *prometheus.CounterVec
	connectFailure  *prometheus.CounterVec
	connectDuration *prometheus.HistogramVec

	fetchRows      *prometheus.CounterVec
	fetchBytes     *prometheus.CounterVec
	fetchCompleted *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
}

// New creates and registers the metrics on a fresh registry. Safe to call
// multiple times (e.g. in tests); each call is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncmy_connect_attempts_total",
				Help: "Connect attempts made, per target host",
			},
			[]string{"host"},
		),
		connectSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncmy_connect_success_total",
				Help: "Connects that completed Succeeded",
			},
			[]string{"host"},
		),
		connectFailure: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncmy_connect_failure_total",
				Help: "Connect attempts that ended Failed/TimedOut/Cancelled",
			},
			[]string{"host", "result"},
		),
		connectDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asyncmy_connect_duration_seconds",
				Help:    "Time from run() to a connect's completion",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"host"},
		),
		fetchRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncmy_fetch_rows_total",
				Help: "Rows delivered to a FetchOperation consumer",
			},
			[]string{"host"},
		),
		fetchBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncmy_fetch_bytes_total",
				Help: "Best-effort row payload bytes delivered",
			},
			[]string{"host"},
		),
		fetchCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "asyncmy_fetch_completed_total",
				Help: "Completed fetches by result",
			},
			[]string{"host", "result"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "asyncmy_fetch_duration_seconds",
				Help:    "Time from run() to a fetch's completion",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"host"},
		),
	}

	reg.MustRegister(
		c.connectAttempts,
		c.connectSuccess,
		c.connectFailure,
		c.connectDuration,
		c.fetchRows,
		c.fetchBytes,
		c.fetchCompleted,
		c.fetchDuration,
	)
	return c
}

// ConnectAttempt implements asyncmy.StatsSink.
func (c *Collector) ConnectAttempt(key asyncmy.ConnectionKey, attempt int) {
	c.connectAttempts.WithLabelValues(key.Host).Inc()
}

// ConnectSucceeded implements asyncmy.StatsSink.
func (c *Collector) ConnectSucceeded(key asyncmy.ConnectionKey, attempts int, d time.Duration) {
	c.connectSuccess.WithLabelValues(key.Host).Inc()
	c.connectDuration.WithLabelValues(key.Host).Observe(d.Seconds())
}

// ConnectFailed implements asyncmy.StatsSink.
func (c *Collector) ConnectFailed(key asyncmy.ConnectionKey, attempts int, result asyncmy.OperationResult, d time.Duration) {
	c.connectFailure.WithLabelValues(key.Host, result.String()).Inc()
}

// FetchRow implements asyncmy.StatsSink.
func (c *Collector) FetchRow(key asyncmy.ConnectionKey, bytes int) {
	c.fetchRows.WithLabelValues(key.Host).Inc()
	c.fetchBytes.WithLabelValues(key.Host).Add(float64(bytes))
}

// FetchCompleted implements asyncmy.StatsSink.
func (c *Collector) FetchCompleted(key asyncmy.ConnectionKey, queries int, result asyncmy.OperationResult, d time.Duration) {
	c.fetchCompleted.WithLabelValues(key.Host, result.String()).Inc()
	c.fetchDuration.WithLabelValues(key.Host).Observe(d.Seconds())
}

var _ asyncmy.StatsSink = (*Collector)(nil)

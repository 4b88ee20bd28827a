// ============================================================================
// Realtime client metrics
// ============================================================================
//
// Package: internal/metrics
// Purpose: expose connection, request, job and watcher metrics to Prometheus
//
// Metric groups:
//
//  1. Counters
//     - realtime_connections_opened_total: sockets that reached open state
//     - realtime_reconnects_scheduled_total: reconnect timers armed after a close
//     - realtime_frames_received_total: inbound text frames
//     - realtime_frames_dropped_total{reason}: malformed or unmatched frames
//     - realtime_requests_total{outcome}: settled requests (ok, job_error, timeout, canceled)
//     - realtime_job_outcomes_total{job_type,outcome}: terminal job frames
//     - realtime_effects_dispatched_total{kind}: watcher side effects
//
//  2. Histograms
//     - realtime_request_latency_seconds: send to settlement
//     - realtime_reconnect_delay_seconds: chosen backoff delay
//
//  3. Gauges
//     - realtime_jobs_pending: durable job records still pending
//     - realtime_watched_messages: watched messages held in the cache
//
// All Record* methods are safe on a nil *Collector so components can run
// without metrics.
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeJobError = "job_error"
	OutcomeTimeout  = "timeout"
	OutcomeCanceled = "canceled"
)

// Collector holds the Prometheus metrics of one client instance.
type Collector struct {
	gatherer prometheus.Gatherer

	connectionsOpened prometheus.Counter
	reconnects        prometheus.Counter
	framesReceived    prometheus.Counter
	framesDropped     *prometheus.CounterVec
	requests          *prometheus.CounterVec
	jobOutcomes       *prometheus.CounterVec
	effectsDispatched *prometheus.CounterVec
	requestLatency    prometheus.Histogram
	reconnectDelay    prometheus.Histogram
	jobsPending       prometheus.Gauge
	watchedMessages   prometheus.Gauge
}

// NewCollector creates the metrics and registers them on reg. A fresh
// registry is used when reg is nil.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		gatherer: reg,
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_connections_opened_total",
			Help: "Total number of sockets that reached the open state",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_reconnects_scheduled_total",
			Help: "Total number of reconnect attempts scheduled after a close",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_frames_received_total",
			Help: "Total number of inbound text frames",
		}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_frames_dropped_total",
			Help: "Inbound frames that were logged and dropped",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_requests_total",
			Help: "Settled requests by outcome",
		}, []string{"outcome"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_job_outcomes_total",
			Help: "Terminal job frames by job type and outcome",
		}, []string{"job_type", "outcome"}),
		effectsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_effects_dispatched_total",
			Help: "Side effects dispatched by the message watcher",
		}, []string{"kind"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_request_latency_seconds",
			Help:    "Time from send to settlement of a request",
			Buckets: prometheus.DefBuckets,
		}),
		reconnectDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_reconnect_delay_seconds",
			Help:    "Delay chosen before a reconnect attempt",
			Buckets: []float64{0.5, 1, 2, 4, 8, 10.25},
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_jobs_pending",
			Help: "Durable job records still pending",
		}),
		watchedMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_watched_messages",
			Help: "Watched messages held in the watcher cache",
		}),
	}

	reg.MustRegister(
		c.connectionsOpened,
		c.reconnects,
		c.framesReceived,
		c.framesDropped,
		c.requests,
		c.jobOutcomes,
		c.effectsDispatched,
		c.requestLatency,
		c.reconnectDelay,
		c.jobsPending,
		c.watchedMessages,
	)

	return c
}

// RecordConnectionOpened counts a socket reaching open state.
func (c *Collector) RecordConnectionOpened() {
	if c == nil {
		return
	}
	c.connectionsOpened.Inc()
}

// RecordReconnect counts a scheduled reconnect and its delay.
func (c *Collector) RecordReconnect(delay time.Duration) {
	if c == nil {
		return
	}
	c.reconnects.Inc()
	c.reconnectDelay.Observe(delay.Seconds())
}

func (c *Collector) RecordFrameReceived() {
	if c == nil {
		return
	}
	c.framesReceived.Inc()
}

func (c *Collector) RecordFrameDropped(reason string) {
	if c == nil {
		return
	}
	c.framesDropped.WithLabelValues(reason).Inc()
}

// RecordRequest records a settled request.
func (c *Collector) RecordRequest(outcome string, latency time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(outcome).Inc()
	c.requestLatency.Observe(latency.Seconds())
}

func (c *Collector) RecordJobOutcome(jobType, outcome string) {
	if c == nil {
		return
	}
	c.jobOutcomes.WithLabelValues(jobType, outcome).Inc()
}

func (c *Collector) RecordEffect(kind string) {
	if c == nil {
		return
	}
	c.effectsDispatched.WithLabelValues(kind).Inc()
}

// SetJobsPending updates the pending job gauge.
func (c *Collector) SetJobsPending(n int) {
	if c == nil {
		return
	}
	c.jobsPending.Set(float64(n))
}

// SetWatchedMessages updates the watcher cache gauge.
func (c *Collector) SetWatchedMessages(n int) {
	if c == nil {
		return
	}
	c.watchedMessages.Set(float64(n))
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

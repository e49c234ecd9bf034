// Package metrics exposes dispatch counters and gauges in Prometheus
// format, served by the control plane at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns all ticketd metrics. It registers against its own
// registry so tests can create collectors freely.
type Collector struct {
	registry *prometheus.Registry

	ticketsDispatched *prometheus.CounterVec
	ticketsCompleted  *prometheus.CounterVec
	ticketsFailed     *prometheus.CounterVec
	mergeConflicts    prometheus.Counter
	leaseExpiries     prometheus.Counter
	webhooksEnqueued  prometheus.Counter
	webhooksIgnored   prometheus.Counter

	queueDepth   prometheus.Gauge
	busyWorkers  prometheus.Gauge
	activeLeases prometheus.Gauge

	sessionDuration *prometheus.HistogramVec
}

// NewCollector creates and registers the full metric set.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ticketsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketd_tickets_dispatched_total",
			Help: "Tickets handed to a worker, by pool",
		}, []string{"pool"}),
		ticketsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketd_tickets_completed_total",
			Help: "Agent sessions that finished without error, by pool",
		}, []string{"pool"}),
		ticketsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ticketd_tickets_failed_total",
			Help: "Agent sessions that ended in error, by pool",
		}, []string{"pool"}),
		mergeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketd_merge_conflicts_total",
			Help: "Worktree merges aborted on conflict",
		}),
		leaseExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketd_lease_expiries_total",
			Help: "Ticket leases released by TTL expiry",
		}),
		webhooksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketd_webhooks_enqueued_total",
			Help: "Webhook deliveries that enqueued a ticket",
		}),
		webhooksIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ticketd_webhooks_ignored_total",
			Help: "Webhook deliveries ignored as non-actionable or duplicate",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticketd_queue_depth",
			Help: "Tickets waiting in the webhook queue",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticketd_busy_workers",
			Help: "Workers currently executing a ticket",
		}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ticketd_active_leases",
			Help: "Ticket leases currently held",
		}),
		sessionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ticketd_session_duration_seconds",
			Help:    "Agent session wall-clock duration, by pool",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"pool"}),
	}

	c.registry.MustRegister(
		c.ticketsDispatched, c.ticketsCompleted, c.ticketsFailed,
		c.mergeConflicts, c.leaseExpiries,
		c.webhooksEnqueued, c.webhooksIgnored,
		c.queueDepth, c.busyWorkers, c.activeLeases,
		c.sessionDuration,
	)
	return c
}

// Handler returns the HTTP handler serving the registry in Prometheus
// text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordDispatch(pool string) {
	c.ticketsDispatched.WithLabelValues(pool).Inc()
}

func (c *Collector) RecordCompleted(pool string, durationSeconds float64) {
	c.ticketsCompleted.WithLabelValues(pool).Inc()
	c.sessionDuration.WithLabelValues(pool).Observe(durationSeconds)
}

func (c *Collector) RecordFailed(pool string, durationSeconds float64) {
	c.ticketsFailed.WithLabelValues(pool).Inc()
	c.sessionDuration.WithLabelValues(pool).Observe(durationSeconds)
}

func (c *Collector) RecordMergeConflict() { c.mergeConflicts.Inc() }
func (c *Collector) RecordLeaseExpiry()   { c.leaseExpiries.Inc() }
func (c *Collector) RecordWebhook(enqueued bool) {
	if enqueued {
		c.webhooksEnqueued.Inc()
	} else {
		c.webhooksIgnored.Inc()
	}
}

// UpdateSnapshot refreshes the gauges from current dispatcher state.
func (c *Collector) UpdateSnapshot(queueDepth, busyWorkers, activeLeases int) {
	c.queueDepth.Set(float64(queueDepth))
	c.busyWorkers.Set(float64(busyWorkers))
	c.activeLeases.Set(float64(activeLeases))
}

// ============================================================================
// dashsync Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose runtime metrics of the synchronization layer
//
// Metric groups:
//
//   1. Transport
//      - dashsync_transport_state: current ConnectionState (gauge, enum value)
//      - dashsync_transport_reconnect_attempts_total
//      - dashsync_transport_queued_requests: outbox depth
//      - dashsync_transport_replayed_total / rejected_total
//
//   2. Log buffer
//      - dashsync_logs_appended_total / filtered_total
//      - dashsync_logs_batches_delivered_total / failed_total / dead_lettered_total
//      - dashsync_logs_flush_latency_seconds
//
//   3. Scheduler
//      - dashsync_triggers_fired_total, dashsync_scheduler_clock_anomalies_total
//
//   4. Cache bridge
//      - dashsync_cache_requests_total{result="hit|miss|bypass|offline"}
//      - dashsync_cache_writes_total{result="stored|skipped"}
//
//   5. Orchestrator
//      - dashsync_updates_total{domain,result="applied|rejected"}
//      - dashsync_polls_total{domain,result}
//
// Registration:
//   Collectors are registered on an injected prometheus.Registerer so every
//   test can use a fresh registry and the CLI can expose its own.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dashsync"

// Collector groups every dashsync metric.
type Collector struct {
	// Transport
	transportState    prometheus.Gauge
	reconnectAttempts prometheus.Counter
	queuedRequests    prometheus.Gauge
	replayed          prometheus.Counter
	rejected          prometheus.Counter

	// Log buffer
	logsAppended     prometheus.Counter
	logsFiltered     prometheus.Counter
	batchesDelivered prometheus.Counter
	batchesFailed    prometheus.Counter
	batchesDead      prometheus.Counter
	flushLatency     prometheus.Histogram

	// Scheduler
	triggersFired  prometheus.Counter
	clockAnomalies prometheus.Counter

	// Cache bridge
	cacheRequests *prometheus.CounterVec
	cacheWrites   *prometheus.CounterVec

	// Orchestrator
	updates *prometheus.CounterVec
	polls   *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the collector and registers it on reg.
// If reg is nil a private registry is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		transportState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_state",
			Help:      "Current transport connection state (0=disconnected,1=connecting,2=connected,3=reconnecting,4=offline)",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnect_attempts_total",
			Help:      "Total number of reconnect dial attempts",
		}),
		queuedRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transport_queued_requests",
			Help:      "Writes waiting in the offline outbox",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_replayed_total",
			Help:      "Queued writes delivered after reconnect",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_rejected_total",
			Help:      "Writes dropped because the backend rejected them",
		}),
		logsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_appended_total",
			Help:      "Log entries accepted into the buffer",
		}),
		logsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_filtered_total",
			Help:      "Log entries discarded below the minimum level",
		}),
		batchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_batches_delivered_total",
			Help:      "Log batches acknowledged by the backend",
		}),
		batchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_batches_failed_total",
			Help:      "Failed log batch delivery attempts",
		}),
		batchesDead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_batches_dead_lettered_total",
			Help:      "Log batches written to the durable dead-letter store",
		}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "logs_flush_latency_seconds",
			Help:      "Latency of a single log batch delivery attempt",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		}),
		triggersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_fired_total",
			Help:      "Triggers fired by the scheduler",
		}),
		clockAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_clock_anomalies_total",
			Help:      "Backward clock jumps observed by the scheduler",
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Asset requests seen by the cache bridge",
		}, []string{"result"}),
		cacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache write-through outcomes",
		}, []string{"result"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_total",
			Help:      "Domain updates offered to the orchestrator",
		}, []string{"domain", "result"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "REST fallback polls issued while not connected",
		}, []string{"domain", "result"}),
	}

	reg.MustRegister(
		c.transportState, c.reconnectAttempts, c.queuedRequests, c.replayed, c.rejected,
		c.logsAppended, c.logsFiltered, c.batchesDelivered, c.batchesFailed, c.batchesDead, c.flushLatency,
		c.triggersFired, c.clockAnomalies,
		c.cacheRequests, c.cacheWrites,
		c.updates, c.polls,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	return c
}

// Handler serves the registry the collector was registered on.
func (c *Collector) Handler() http.Handler {
	if c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ---- Transport ----

// SetTransportState records the current connection state.
func (c *Collector) SetTransportState(state int) { c.transportState.Set(float64(state)) }

// RecordReconnectAttempt counts one dial attempt after a loss.
func (c *Collector) RecordReconnectAttempt() { c.reconnectAttempts.Inc() }

// SetQueuedRequests records the outbox depth.
func (c *Collector) SetQueuedRequests(n int) { c.queuedRequests.Set(float64(n)) }

// RecordReplayed counts a queued write delivered after reconnect.
func (c *Collector) RecordReplayed() { c.replayed.Inc() }

// RecordRejected counts a write the backend refused.
func (c *Collector) RecordRejected() { c.rejected.Inc() }

// ---- Log buffer ----

// RecordLogAppended counts an accepted entry.
func (c *Collector) RecordLogAppended() { c.logsAppended.Inc() }

// RecordLogFiltered counts an entry dropped by the level filter.
func (c *Collector) RecordLogFiltered() { c.logsFiltered.Inc() }

// RecordBatchDelivered counts a delivered batch and its attempt latency.
func (c *Collector) RecordBatchDelivered(latencySeconds float64) {
	c.batchesDelivered.Inc()
	c.flushLatency.Observe(latencySeconds)
}

// RecordBatchFailed counts a failed delivery attempt.
func (c *Collector) RecordBatchFailed(latencySeconds float64) {
	c.batchesFailed.Inc()
	c.flushLatency.Observe(latencySeconds)
}

// RecordBatchDeadLettered counts a batch moved to durable storage.
func (c *Collector) RecordBatchDeadLettered() { c.batchesDead.Inc() }

// ---- Scheduler ----

// RecordTriggerFired counts a fired trigger.
func (c *Collector) RecordTriggerFired() { c.triggersFired.Inc() }

// RecordClockAnomaly counts a backward clock jump.
func (c *Collector) RecordClockAnomaly() { c.clockAnomalies.Inc() }

// ---- Cache bridge ----

// RecordCacheRequest counts an asset request by outcome.
func (c *Collector) RecordCacheRequest(result string) {
	c.cacheRequests.WithLabelValues(result).Inc()
}

// RecordCacheWrite counts a write-through outcome.
func (c *Collector) RecordCacheWrite(result string) {
	c.cacheWrites.WithLabelValues(result).Inc()
}

// ---- Orchestrator ----

// RecordUpdate counts an update offered for domain.
func (c *Collector) RecordUpdate(domain, result string) {
	c.updates.WithLabelValues(domain, result).Inc()
}

// RecordPoll counts a fallback poll for domain.
func (c *Collector) RecordPoll(domain, result string) {
	c.polls.WithLabelValues(domain, result).Inc()
}

// ============================================================================
// Metrics - Prometheus collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Counters and timings for the worker, the gateway and the
//          downstream integrations.
//
// Metric groups:
//
//   1. Engine side (worker):
//      - extask_tasks_claimed_total
//      - extask_poll_errors_total
//      - extask_task_outcomes_total{topic,outcome}
//      - extask_task_duration_seconds{topic}
//      - extask_lock_extensions_total{result}
//      - extask_report_errors_total{outcome}
//      - extask_tasks_in_flight
//
//   2. Gateway side:
//      - extask_delegations_total{topic,outcome}
//      - extask_outcome_cache_hits_total
//      - extask_validation_failures_total{topic}
//
//   3. Integrations:
//      - extask_logins_total{integration,result}
//      - extask_downstream_requests_total{integration,code}
//      - extask_downstream_latency_seconds{integration}
//
//   4. Dev engine:
//      - extask_engine_tasks{state}
//
// Every Record* method is a no-op on a nil *Collector so components can run
// without metrics in tests.
//
// ============================================================================

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ChuLiYu/extask-gateway/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "extask"

// Collector holds the prometheus metrics of one process.
type Collector struct {
	registry prometheus.Gatherer

	// engine side
	tasksClaimed   prometheus.Counter
	pollErrors     prometheus.Counter
	taskOutcomes   *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	lockExtensions *prometheus.CounterVec
	reportErrors   *prometheus.CounterVec
	tasksInFlight  prometheus.Gauge

	// gateway side
	delegations        *prometheus.CounterVec
	cacheHits          prometheus.Counter
	validationFailures *prometheus.CounterVec

	// integrations
	logins            *prometheus.CounterVec
	downstreamCalls   *prometheus.CounterVec
	downstreamLatency *prometheus.HistogramVec

	// dev engine
	engineTasks *prometheus.GaugeVec
}

// NewCollector creates a Collector registered on a fresh registry.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.NewRegistry())
}

// NewCollectorWith creates a Collector registered on reg.
func NewCollectorWith(reg *prometheus.Registry) *Collector {
	c := &Collector{
		registry: reg,
		tasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_claimed_total",
			Help:      "Total number of external tasks claimed from the engine",
		}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Total number of failed claim requests",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Outcomes reported to the engine",
		}, []string{"topic", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from claim to reported outcome",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		lockExtensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_extensions_total",
			Help:      "Lock extension attempts",
		}, []string{"result"}),
		reportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_errors_total",
			Help:      "Outcome reports the engine did not accept",
		}, []string{"outcome"}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Claimed tasks currently being processed",
		}),
		delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Delegated tasks by outcome",
		}, []string{"topic", "outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcome_cache_hits_total",
			Help:      "Delegations answered from the outcome cache",
		}),
		validationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Tasks rejected by input validation",
		}, []string{"topic"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Login calls per integration",
		}, []string{"integration", "result"}),
		downstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_requests_total",
			Help:      "Business calls per integration and status code",
		}, []string{"integration", "code"}),
		downstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "downstream_latency_seconds",
			Help:      "Business call latency per integration",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"integration"}),
		engineTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_tasks",
			Help:      "Tasks held by the dev engine per state",
		}, []string{"state"}),
	}

	reg.MustRegister(
		c.tasksClaimed,
		c.pollErrors,
		c.taskOutcomes,
		c.taskDuration,
		c.lockExtensions,
		c.reportErrors,
		c.tasksInFlight,
		c.delegations,
		c.cacheHits,
		c.validationFailures,
		c.logins,
		c.downstreamCalls,
		c.downstreamLatency,
		c.engineTasks,
	)
	return c
}

// RecordClaimed records n claimed tasks.
func (c *Collector) RecordClaimed(n int) {
	if c == nil {
		return
	}
	c.tasksClaimed.Add(float64(n))
}

// RecordPollError records a failed claim request.
func (c *Collector) RecordPollError() {
	if c == nil {
		return
	}
	c.pollErrors.Inc()
}

// RecordOutcome records an outcome accepted by the engine.
func (c *Collector) RecordOutcome(topic string, kind types.OutcomeKind, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.taskOutcomes.WithLabelValues(topic, string(kind)).Inc()
	c.taskDuration.WithLabelValues(topic).Observe(elapsed.Seconds())
}

// RecordReportError records an outcome report the engine rejected or never got.
func (c *Collector) RecordReportError(kind types.OutcomeKind) {
	if c == nil {
		return
	}
	c.reportErrors.WithLabelValues(string(kind)).Inc()
}

// RecordLockExtension records one extension attempt.
func (c *Collector) RecordLockExtension(ok bool) {
	if c == nil {
		return
	}
	c.lockExtensions.WithLabelValues(result(ok)).Inc()
}

// SetInFlight sets the number of tasks being processed.
func (c *Collector) SetInFlight(n int) {
	if c == nil {
		return
	}
	c.tasksInFlight.Set(float64(n))
}

// RecordDelegation records the outcome produced for a delegated task.
func (c *Collector) RecordDelegation(topic string, kind types.OutcomeKind) {
	if c == nil {
		return
	}
	c.delegations.WithLabelValues(topic, string(kind)).Inc()
}

// RecordCacheHit records a delegation answered from the outcome cache.
func (c *Collector) RecordCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Inc()
}

// RecordValidationFailure records a task rejected before any network call.
func (c *Collector) RecordValidationFailure(topic string) {
	if c == nil {
		return
	}
	c.validationFailures.WithLabelValues(topic).Inc()
}

// RecordLogin records one login call.
func (c *Collector) RecordLogin(integration string, ok bool) {
	if c == nil {
		return
	}
	c.logins.WithLabelValues(integration, result(ok)).Inc()
}

// RecordDownstream records one business call. status 0 means a transport error.
func (c *Collector) RecordDownstream(integration string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	c.downstreamCalls.WithLabelValues(integration, code).Inc()
	c.downstreamLatency.WithLabelValues(integration).Observe(elapsed.Seconds())
}

// SetEngineStats publishes the task counts of an engine.
func (c *Collector) SetEngineStats(stats types.EngineStats) {
	if c == nil {
		return
	}
	c.engineTasks.WithLabelValues("pending").Set(float64(stats.Pending))
	c.engineTasks.WithLabelValues("locked").Set(float64(stats.Locked))
	c.engineTasks.WithLabelValues("completed").Set(float64(stats.Completed))
	c.engineTasks.WithLabelValues("business_error").Set(float64(stats.Errored))
	c.engineTasks.WithLabelValues("incident").Set(float64(stats.Incidents))
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

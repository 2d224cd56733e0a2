package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "halte"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeSessions prometheus.Gauge
	sweepTotal     prometheus.Counter
	sweptSessions  prometheus.Counter

	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	completionTotal    *prometheus.CounterVec
	completionDuration *prometheus.HistogramVec
	providerCooldown   *prometheus.GaugeVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	activeBuses     prometheus.Gauge
	positionUpdates *prometheus.CounterVec
	feedPollTotal   *prometheus.CounterVec

	jobRunTotal    *prometheus.CounterVec
	jobRunDuration *prometheus.HistogramVec

	gatewayRequests *prometheus.CounterVec
	gatewayClients  prometheus.Gauge
	eventDeliveries *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane kind.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "dequeue_total",
					Help:      "Total completed queue tasks by lane kind and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queue task execution duration in seconds by lane kind.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current number of live rider sessions.",
				},
			),
			sweepTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_sweeps_total",
					Help:      "Total expiry sweeps run.",
				},
			),
			sweptSessions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "session_swept_total",
					Help:      "Total sessions removed by expiry sweeps.",
				},
			),
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "turn_total",
					Help:      "Total conversational turns by outcome.",
				},
				[]string{"outcome"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "turn_duration_seconds",
					Help:      "Turn duration in seconds by outcome.",
					Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
				},
				[]string{"outcome"},
			),
			completionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "completion_total",
					Help:      "Total language-model completions by provider and status.",
				},
				[]string{"provider", "status"},
			),
			completionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "completion_duration_seconds",
					Help:      "Language-model completion duration in seconds by provider.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Provider cooldown active state (1 active, 0 inactive).",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   []float64{0.0001, 0.001, 0.01, 0.1, 1},
				},
				[]string{"tool"},
			),
			activeBuses: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_buses",
					Help:      "Buses with a fresh position report.",
				},
			),
			positionUpdates: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "position_updates_total",
					Help:      "Total bus position updates by source.",
				},
				[]string{"source"},
			),
			feedPollTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "feed_poll_total",
					Help:      "Total GTFS-RT feed polls by status.",
				},
				[]string{"status"},
			),
			jobRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "scheduled_job_runs_total",
					Help:      "Total scheduled job runs by job and status.",
				},
				[]string{"job", "status"},
			),
			jobRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "scheduled_job_duration_seconds",
					Help:      "Scheduled job run duration in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"job"},
			),
			gatewayRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_requests_total",
					Help:      "Total gateway RPC requests by method and status.",
				},
				[]string{"method", "status"},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "gateway_clients",
					Help:      "Connected websocket clients.",
				},
			),
			eventDeliveries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_event_deliveries_total",
					Help:      "Websocket event deliveries by event and status.",
				},
				[]string{"event", "status"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeSessions,
			m.sweepTotal,
			m.sweptSessions,
			m.turnTotal,
			m.turnDuration,
			m.completionTotal,
			m.completionDuration,
			m.providerCooldown,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.activeBuses,
			m.positionUpdates,
			m.feedPollTotal,
			m.jobRunTotal,
			m.jobRunDuration,
			m.gatewayRequests,
			m.gatewayClients,
			m.eventDeliveries,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// laneKind collapses per-user lanes so label cardinality stays bounded.
func laneKind(lane string) string {
	for i := 0; i < len(lane); i++ {
		if lane[i] == '-' || lane[i] == ':' {
			return lane[:i]
		}
	}
	return lane
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	kind := laneKind(lane)
	m.enqueueTotal.WithLabelValues(kind).Inc()
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(laneKind(lane)).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	kind := laneKind(lane)
	m.dequeueTotal.WithLabelValues(kind, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(kind).Set(float64(queueSize))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSweep(removed int) {
	m := getMetrics()
	m.sweepTotal.Inc()
	m.sweptSessions.Add(float64(removed))
}

// RecordTurn records one finished turn. Outcome is one of answered, tool,
// refused, degraded.
func RecordTurn(outcome string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordCompletion(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.completionTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.completionDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(provider string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(provider).Set(value)
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func SetActiveBuses(count int) {
	getMetrics().activeBuses.Set(float64(count))
}

func RecordPositionUpdate(source string) {
	getMetrics().positionUpdates.WithLabelValues(source).Inc()
}

func RecordFeedPoll(success bool) {
	getMetrics().feedPollTotal.WithLabelValues(statusLabel(success)).Inc()
}

func RecordJobRun(job string, duration time.Duration, success bool) {
	m := getMetrics()
	m.jobRunTotal.WithLabelValues(job, statusLabel(success)).Inc()
	m.jobRunDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordGatewayRequest counts one RPC. Unknown methods are reported as
// "unknown" by the caller.
func RecordGatewayRequest(method string, success bool) {
	getMetrics().gatewayRequests.WithLabelValues(method, statusLabel(success)).Inc()
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

// RecordEventDelivery counts one broadcast's successful and failed writes.
func RecordEventDelivery(event string, delivered, failed int) {
	m := getMetrics()
	m.eventDeliveries.WithLabelValues(event, "success").Add(float64(delivered))
	m.eventDeliveries.WithLabelValues(event, "error").Add(float64(failed))
}

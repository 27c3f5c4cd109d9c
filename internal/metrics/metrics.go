// Package metrics owns the Prometheus collectors. Every component takes a
// *Metrics; a nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"claimbot/internal/mcp"
)

const namespace = "claimbot"

type Metrics struct {
	reg *prometheus.Registry

	mcpCalls         *prometheus.CounterVec
	mcpRetries       *prometheus.CounterVec
	mcpRecoveries    prometheus.Counter
	cacheHits        prometheus.Counter
	sweeps           *prometheus.CounterVec
	sweepDuration    prometheus.Histogram
	sweepProcessed   prometheus.Counter
	autorunRuns      *prometheus.CounterVec
	burstsOpened     prometheus.Counter
	burstActive      prometheus.Gauge
	watchdogTriggers prometheus.Counter
	notifications    *prometheus.CounterVec
	tasks            *prometheus.CounterVec
	taskQueueDelay   prometheus.Histogram
}

// New registers every collector on a private registry (plus the Go and
// process collectors).
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		mcpCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mcp", Name: "calls_total",
			Help: "Tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		mcpRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mcp", Name: "retries_total",
			Help: "Retried requests by JSON-RPC method.",
		}, []string{"method"}),
		mcpRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mcp", Name: "session_recoveries_total",
			Help: "Expired sessions re-initialized.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mcp", Name: "cache_hits_total",
			Help: "Tool calls answered from the result cache.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweeps_total",
			Help: "Sweeps by mode and outcome.",
		}, []string{"mode", "outcome"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "sweep_duration_seconds",
			Help:    "Wall time of one sweep.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		sweepProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sweep_pairs_processed_total",
			Help: "Pairs executed by sweeps.",
		}),
		autorunRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "autorun", Name: "runs_total",
			Help: "Pair executions by result.",
		}, []string{"result"}),
		burstsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bursts_opened_total",
			Help: "Bursts opened or refreshed by reward discovery.",
		}),
		burstActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "burst_active",
			Help: "1 while a burst window is open.",
		}),
		watchdogTriggers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "watchdog_triggers_total",
			Help: "Sweeps forced by the watchdog.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notifier", Name: "sends_total",
			Help: "Notification deliveries by outcome.",
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "taskengine", Name: "tasks_total",
			Help: "Engine tasks by name and outcome (ok, error, skipped, dropped).",
		}, []string{"task", "outcome"}),
		taskQueueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "taskengine", Name: "queue_delay_seconds",
			Help:    "Time tasks spent queued before a worker picked them up.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.mcpCalls, m.mcpRetries, m.mcpRecoveries, m.cacheHits,
		m.sweeps, m.sweepDuration, m.sweepProcessed,
		m.autorunRuns, m.burstsOpened, m.burstActive, m.watchdogTriggers,
		m.notifications, m.tasks, m.taskQueueDelay,
	)
	return m
}

// Registry exposes the registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveRetry and ObserveSessionRecovery implement mcp.Observer.
func (m *Metrics) ObserveRetry(method string, _ error) {
	if m == nil {
		return
	}
	m.mcpRetries.WithLabelValues(method).Inc()
}

func (m *Metrics) ObserveSessionRecovery() {
	if m == nil {
		return
	}
	m.mcpRecoveries.Inc()
}

func (m *Metrics) ObserveCall(tool string, err error) {
	if m == nil {
		return
	}
	m.mcpCalls.WithLabelValues(tool, Outcome(err)).Inc()
}

func (m *Metrics) ObserveCacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) ObserveSweep(mode string, processed int, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.sweeps.WithLabelValues(mode, outcome).Inc()
	m.sweepDuration.Observe(took.Seconds())
	m.sweepProcessed.Add(float64(processed))
}

// ObserveRun records one pair execution; result is "success", "failure" or
// "auth_failure".
func (m *Metrics) ObserveRun(result string) {
	if m == nil {
		return
	}
	m.autorunRuns.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveBurstOpened() {
	if m == nil {
		return
	}
	m.burstsOpened.Inc()
}

func (m *Metrics) SetBurstActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.burstActive.Set(1)
		return
	}
	m.burstActive.Set(0)
}

func (m *Metrics) ObserveWatchdogTrigger() {
	if m == nil {
		return
	}
	m.watchdogTriggers.Inc()
}

func (m *Metrics) ObserveNotification(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.notifications.WithLabelValues(outcome).Inc()
}

// Outcome maps an upstream error to a low-cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var (
		ie *mcp.InitializationError
		te *mcp.TimeoutError
		ne *mcp.NetworkError
		ue *mcp.UpstreamError
		ae *mcp.ActionError
		me *mcp.MalformedResponseError
	)
	switch {
	case errors.Is(err, mcp.ErrSessionExpired):
		return "session_expired"
	case errors.As(err, &ie):
		return "init_error"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &ne):
		return "network"
	case errors.As(err, &ue):
		return "upstream"
	case errors.As(err, &ae):
		return "action_error"
	case errors.As(err, &me):
		return "malformed"
	}
	return "error"
}

var _ mcp.Observer = (*Metrics)(nil)

// ObserveTask implements engine.Observer.
func (m *Metrics) ObserveTask(name, outcome string, queueDelay, _ time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(name, outcome).Inc()
	if outcome == "ok" || outcome == "error" {
		m.taskQueueDelay.Observe(queueDelay.Seconds())
	}
}

package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeConnections prometheus.Gauge

	messagesTotal         *prometheus.CounterVec
	messagesRejectedTotal prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec

	sessionTransitionsTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeConnections: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "gateway_active_connections",
					Help: "Current number of live WebSocket connections.",
				},
			),
			messagesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "gateway_messages_total",
					Help: "Total inbound messages by message type.",
				},
				[]string{"type"},
			),
			messagesRejectedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "gateway_messages_rejected_total",
					Help: "Total inbound messages rejected by the router.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by outcome status.",
				},
				[]string{"status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by outcome status.",
					Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"status"},
			),
			sessionTransitionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "session_transitions_total",
					Help: "Total session state transitions by resulting status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.activeConnections,
			m.messagesTotal,
			m.messagesRejectedTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.sessionTransitionsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func IncActiveConnections() {
	getMetrics().activeConnections.Inc()
}

func DecActiveConnections() {
	getMetrics().activeConnections.Dec()
}

func RecordMessage(msgType string) {
	getMetrics().messagesTotal.WithLabelValues(msgType).Inc()
}

func RecordMessageRejected() {
	getMetrics().messagesRejectedTotal.Inc()
}

func RecordToolExecution(tool string, success bool, duration time.Duration) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordAgentRun(status string, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(status).Inc()
	m.agentRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordSessionTransition(status string) {
	getMetrics().sessionTransitionsTotal.WithLabelValues(status).Inc()
}

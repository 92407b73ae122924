// Package metrics exposes Prometheus collectors for the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors. A nil Metrics is safe to
// call; every method no-ops, so components can run unmetered.
type Metrics struct {
	webhookRequests *prometheus.CounterVec
	executions      *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec
	actionRetries   *prometheus.CounterVec
	llmRequests     *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	activeWorkers   prometheus.Gauge
}

// MustNew constructs and registers the collectors. Registration errors
// panic, surfacing duplicate-name configuration bugs early. Tests pass
// a fresh registry.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		webhookRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowhook",
			Subsystem: "intake",
			Name:      "webhook_requests_total",
			Help:      "Webhook requests by outcome.",
		}, []string{"outcome"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowhook",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Finished workflow executions by terminal status.",
		}, []string{"status"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowhook",
			Subsystem: "engine",
			Name:      "action_duration_seconds",
			Help:      "Duration of individual action invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action_type", "status"}),
		actionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowhook",
			Subsystem: "engine",
			Name:      "action_retries_total",
			Help:      "Per-action retry attempts.",
		}, []string{"action_type"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowhook",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "LLM completions by provider and outcome.",
		}, []string{"provider", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowhook",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items per queue sub-queue.",
		}, []string{"queue", "sub_queue"}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowhook",
			Subsystem: "queue",
			Name:      "active_workers",
			Help:      "Workers with a recent heartbeat.",
		}),
	}

	reg.MustRegister(
		m.webhookRequests,
		m.executions,
		m.actionDuration,
		m.actionRetries,
		m.llmRequests,
		m.queueDepth,
		m.activeWorkers,
	)
	return m
}

// IncWebhook counts one webhook request with its outcome (accepted,
// rejected_signature, denied_commenter, error).
func (m *Metrics) IncWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookRequests.WithLabelValues(outcome).Inc()
}

// IncExecution counts one terminal execution.
func (m *Metrics) IncExecution(status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(status).Inc()
}

// ObserveAction records one action invocation.
func (m *Metrics) ObserveAction(actionType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.actionDuration.WithLabelValues(actionType, status).Observe(d.Seconds())
}

// IncActionRetry counts one per-action retry.
func (m *Metrics) IncActionRetry(actionType string) {
	if m == nil {
		return
	}
	m.actionRetries.WithLabelValues(actionType).Inc()
}

// IncLLMRequest counts one provider call.
func (m *Metrics) IncLLMRequest(provider, outcome string) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(provider, outcome).Inc()
}

// SetQueueDepth reports a sub-queue size.
func (m *Metrics) SetQueueDepth(queue, subQueue string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, subQueue).Set(float64(n))
}

// SetActiveWorkers reports the live worker count.
func (m *Metrics) SetActiveWorkers(n int) {
	if m == nil {
		return
	}
	m.activeWorkers.Set(float64(n))
}

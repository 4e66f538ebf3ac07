// Package metrics defines the Prometheus collectors of the runtime.
//
// All methods are safe to call on a nil *Metrics so components can run
// without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "agentrun"

// Metrics groups the runtime's collectors.
type Metrics struct {
	turnsTotal           *prometheus.CounterVec
	modelCallsTotal      *prometheus.CounterVec
	modelCallDuration    prometheus.Histogram
	toolAttemptsTotal    *prometheus.CounterVec
	toolDuration         *prometheus.HistogramVec
	plansTotal           *prometheus.CounterVec
	planTransitionsTotal *prometheus.CounterVec
	eventsPublished      *prometheus.CounterVec
	subscribersDropped   prometheus.Counter
	subscribers          prometheus.Gauge
	sessionsTotal        *prometheus.CounterVec
	cacheLookups         *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "turns_total",
			Help:      "Agent turns by final status.",
		}, []string{"status"}),
		modelCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "model_calls_total",
			Help:      "Language model calls by result.",
		}, []string{"result"}),
		modelCallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "model_call_duration_seconds",
			Help:      "Language model call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		toolAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "attempts_total",
			Help:      "Tool invocation attempts by tool and result.",
		}, []string{"tool", "result"}),
		toolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution time including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"tool", "outcome"}),
		plansTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plans",
			Name:      "detected_total",
			Help:      "Detected plans by authorization decision.",
		}, []string{"decision"}),
		planTransitionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plans",
			Name:      "transitions_total",
			Help:      "Plan state transitions by target state.",
		}, []string{"to"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Published events by type.",
		}, []string{"type"}),
		subscribersDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers_dropped_total",
			Help:      "Subscribers dropped because their buffer overflowed.",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscribers",
			Help:      "Live event subscribers.",
		}),
		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "lifecycle_total",
			Help:      "Session lifecycle changes by kind.",
		}, []string{"kind"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "cache_lookups_total",
			Help:      "Hot cache lookups by result.",
		}, []string{"result"}),
	}
}

// TurnFinished counts a finished turn.
func (m *Metrics) TurnFinished(status string) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(status).Inc()
}

// ModelCall records one language model call.
func (m *Metrics) ModelCall(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.modelCallsTotal.WithLabelValues(result).Inc()
	m.modelCallDuration.Observe(d.Seconds())
}

// ToolAttempt counts one attempt of a tool.
func (m *Metrics) ToolAttempt(tool, result string) {
	if m == nil {
		return
	}
	m.toolAttemptsTotal.WithLabelValues(tool, result).Inc()
}

// ToolFinished records the total duration of a tool call.
func (m *Metrics) ToolFinished(tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.WithLabelValues(tool, outcome).Observe(d.Seconds())
}

// PlanDetected counts a detected plan.
func (m *Metrics) PlanDetected(decision string) {
	if m == nil {
		return
	}
	m.plansTotal.WithLabelValues(decision).Inc()
}

// PlanTransition counts a plan state change.
func (m *Metrics) PlanTransition(to string) {
	if m == nil {
		return
	}
	m.planTransitionsTotal.WithLabelValues(to).Inc()
}

// EventPublished counts a published event.
func (m *Metrics) EventPublished(typ string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(typ).Inc()
}

// SubscriberAdded tracks a new subscriber.
func (m *Metrics) SubscriberAdded() {
	if m == nil {
		return
	}
	m.subscribers.Inc()
}

// SubscriberRemoved tracks a subscriber going away. dropped is true when it
// was removed because of overflow.
func (m *Metrics) SubscriberRemoved(dropped bool) {
	if m == nil {
		return
	}
	m.subscribers.Dec()
	if dropped {
		m.subscribersDropped.Inc()
	}
}

// SessionLifecycle counts session creation, idling and closing.
func (m *Metrics) SessionLifecycle(kind string) {
	if m == nil {
		return
	}
	m.sessionsTotal.WithLabelValues(kind).Inc()
}

// CacheLookup counts a hot cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// Package observability wires logging, Prometheus metrics and tracing.
package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	tasksDispatched *prometheus.CounterVec
	tasksFinished   *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	reportsDropped  *prometheus.CounterVec
	workflowRuns    *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the metrics registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors panic, except duplicates which reuse the existing
// collector.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropship",
			Subsystem: "orchestrator",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks accepted by the dispatcher.",
		}, []string{"action"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropship",
			Subsystem: "orchestrator",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal state.",
		}, []string{"action", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dropship",
			Subsystem: "orchestrator",
			Name:      "task_duration_seconds",
			Help:      "Time from task creation to its terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action", "status"}),
		reportsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropship",
			Subsystem: "orchestrator",
			Name:      "reports_discarded_total",
			Help:      "Agent reports discarded because the task was already terminal.",
		}, []string{"action"}),
		workflowRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropship",
			Subsystem: "workflow",
			Name:      "runs_total",
			Help:      "Workflow runs by final status.",
		}, []string{"workflow", "status"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropship",
			Subsystem: "eventbus",
			Name:      "events_published_total",
			Help:      "Events published, by namespace.",
		}, []string{"namespace"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dropship",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests served by the gateway.",
		}, []string{"method", "route", "code"}),
	}

	register := func(c *prometheus.CounterVec) *prometheus.CounterVec {
		if err := reg.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				return already.ExistingCollector.(*prometheus.CounterVec)
			}
			panic(err)
		}
		return c
	}
	m.tasksDispatched = register(m.tasksDispatched)
	m.tasksFinished = register(m.tasksFinished)
	m.reportsDropped = register(m.reportsDropped)
	m.workflowRuns = register(m.workflowRuns)
	m.eventsPublished = register(m.eventsPublished)
	m.httpRequests = register(m.httpRequests)
	if err := reg.Register(m.taskDuration); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.taskDuration = already.ExistingCollector.(*prometheus.HistogramVec)
		} else {
			panic(err)
		}
	}
	return m
}

// TaskDispatched counts an accepted dispatch.
func (m *Metrics) TaskDispatched(action string) {
	if m == nil {
		return
	}
	m.tasksDispatched.WithLabelValues(action).Inc()
}

// TaskFinished records a terminal transition and its latency.
func (m *Metrics) TaskFinished(action, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.tasksFinished.WithLabelValues(action, status).Inc()
	m.taskDuration.WithLabelValues(action, status).Observe(elapsed.Seconds())
}

// ReportDiscarded counts a late or stale agent report.
func (m *Metrics) ReportDiscarded(action string) {
	if m == nil {
		return
	}
	m.reportsDropped.WithLabelValues(action).Inc()
}

// WorkflowFinished counts a terminal workflow run.
func (m *Metrics) WorkflowFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.workflowRuns.WithLabelValues(workflow, status).Inc()
}

// EventPublished counts a published event under its first type segment.
func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	ns, _, _ := strings.Cut(eventType, ".")
	m.eventsPublished.WithLabelValues(ns).Inc()
}

// HTTPRequest counts a served request.
func (m *Metrics) HTTPRequest(method, route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, code).Inc()
}

// ABOUTME: Prometheus collectors for coordinator, heartbeat and recovery activity
// ABOUTME: Uses a private registry so tests and multiple servers never collide

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Metrics holds every collector the warden exports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	registrations  *prometheus.CounterVec
	heartbeats     *prometheus.CounterVec
	events         *prometheus.CounterVec
	recoveries     *prometheus.CounterVec
	actions        *prometheus.CounterVec
	healthScore    *prometheus.GaugeVec
	agentsByState  *prometheus.GaugeVec
	degraded       prometheus.Gauge
	storeFailures  prometheus.Counter
	monitorLatency prometheus.Histogram
}

// New creates and registers all collectors, plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Agent registrations by result.",
		}, []string{"result"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats received by result.",
		}, []string{"result"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "System events emitted by type and severity.",
		}, []string{"type", "severity"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_total",
			Help:      "Recovery incidents by issue and outcome.",
		}, []string{"issue", "outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_actions_total",
			Help:      "Remediation actions executed by action and outcome.",
		}, []string{"action", "outcome"}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_score",
			Help:      "Latest overall health score per agent.",
		}, []string{"agent_id"}),
		agentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Registered agents by lifecycle state.",
		}, []string{"state"}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 while the state store is unreachable.",
		}),
		storeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_failures_total",
			Help:      "Store calls that failed after local retries.",
		}),
		monitorLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "monitor_pass_seconds",
			Help:      "Duration of one liveness monitoring pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.registrations,
		m.heartbeats,
		m.events,
		m.recoveries,
		m.actions,
		m.healthScore,
		m.agentsByState,
		m.degraded,
		m.storeFailures,
		m.monitorLatency,
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Registration counts a registration attempt; result is "ok", "duplicate" or "error".
func (m *Metrics) Registration(result string) {
	if m == nil {
		return
	}
	m.registrations.WithLabelValues(result).Inc()
}

// Heartbeat counts a heartbeat; result is "accepted", "stale", "invalid" or "error".
func (m *Metrics) Heartbeat(result string) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

// Event counts an emitted system event.
func (m *Metrics) Event(eventType, severity string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType, severity).Inc()
}

// RecoveryFinished counts a finished incident.
func (m *Metrics) RecoveryFinished(issue string, success bool) {
	if m == nil {
		return
	}
	m.recoveries.WithLabelValues(issue, outcome(success)).Inc()
}

// ActionFinished counts a finished remediation action.
func (m *Metrics) ActionFinished(action string, success bool) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome(success)).Inc()
}

// SetHealthScore records an agent's latest overall score.
func (m *Metrics) SetHealthScore(agentID string, score float64) {
	if m == nil {
		return
	}
	m.healthScore.WithLabelValues(agentID).Set(score)
}

// SetAgentStates replaces the per-state agent counts.
func (m *Metrics) SetAgentStates(counts map[string]int) {
	if m == nil {
		return
	}
	m.agentsByState.Reset()
	for state, n := range counts {
		m.agentsByState.WithLabelValues(state).Set(float64(n))
	}
}

// SetDegraded flags degraded mode.
func (m *Metrics) SetDegraded(on bool) {
	if m == nil {
		return
	}
	if on {
		m.degraded.Set(1)
		return
	}
	m.degraded.Set(0)
}

// StoreFailure counts a store call that exhausted its retries.
func (m *Metrics) StoreFailure() {
	if m == nil {
		return
	}
	m.storeFailures.Inc()
}

// ObserveMonitorPass records how long a monitoring pass took.
func (m *Metrics) ObserveMonitorPass(seconds float64) {
	if m == nil {
		return
	}
	m.monitorLatency.Observe(seconds)
}

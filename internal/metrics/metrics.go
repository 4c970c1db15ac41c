// ABOUTME: Prometheus collectors for routing, remote streams, and the HTTP facade
// ABOUTME: All methods are nil-safe so components run unchanged when metrics are disabled

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conclave"

// Metrics owns a private registry and the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	messages         *prometheus.CounterVec
	routingDecisions *prometheus.CounterVec
	streamEvents     *prometheus.CounterVec
	taskOutcomes     *prometheus.CounterVec
	remoteDuration   *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	agents           prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages recorded, by role",
		}, []string{"role"}),
		routingDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing outcomes, by policy and outcome",
		}, []string{"policy", "outcome"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Events received from remote agents, by kind",
		}, []string{"kind"}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Tasks that reached a terminal state, by state",
		}, []string{"state"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_send_duration_seconds",
			Help:      "Time from sending to a remote agent until its result",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by route and status",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		agents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_agents",
			Help:      "Remote agents currently registered",
		}),
	}

	m.registry.MustRegister(
		m.messages, m.routingDecisions, m.streamEvents, m.taskOutcomes,
		m.remoteDuration, m.httpRequests, m.httpDuration, m.agents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registerer exposes the registry for components that bring their own collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessageRecorded(role string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(role).Inc()
}

func (m *Metrics) RoutingDecision(policy, outcome string) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(policy, outcome).Inc()
}

func (m *Metrics) StreamEvent(kind string) {
	if m == nil {
		return
	}
	m.streamEvents.WithLabelValues(kind).Inc()
}

func (m *Metrics) TaskOutcome(state string) {
	if m == nil {
		return
	}
	m.taskOutcomes.WithLabelValues(state).Inc()
}

func (m *Metrics) RemoteSend(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) HTTPRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, http.StatusText(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) SetAgents(n int) {
	if m == nil {
		return
	}
	m.agents.Set(float64(n))
}

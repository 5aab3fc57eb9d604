package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	eventsHandled    *prometheus.CounterVec
	handleLatency    *prometheus.HistogramVec
	stateTransitions *prometheus.CounterVec
	pollPasses       *prometheus.CounterVec
	healthProbes     *prometheus.CounterVec
	filesTransferred *prometheus.CounterVec
	payloadsPurged   prometheus.Counter
}

// NewMetrics creates the collectors with a constant service label
func NewMetrics(namespace, service string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"service": service}

	m := &Metrics{
		registry: reg,
		eventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "events_handled_total",
			Help:        "Cloud events handled, by type and outcome.",
			ConstLabels: labels,
		}, []string{"type", "outcome"}),
		handleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "event_handle_seconds",
			Help:        "Time spent handling one cloud event.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"type"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "state_transitions_total",
			Help:        "Proxy state machine transitions.",
			ConstLabels: labels,
		}, []string{"from", "to", "event"}),
		pollPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "poll_passes_total",
			Help:        "Poll passes against the broker, by outcome.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		healthProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "health_probes_total",
			Help:        "Health probes, by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		filesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "files_transferred_total",
			Help:        "Files moved through the transit store, by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
		payloadsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "payloads_purged_total",
			Help:        "Payloads cleared from completed transfers.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(
		m.eventsHandled,
		m.handleLatency,
		m.stateTransitions,
		m.pollPasses,
		m.healthProbes,
		m.filesTransferred,
		m.payloadsPurged,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// EventHandled records one handled event and its latency
func (m *Metrics) EventHandled(eventType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.eventsHandled.WithLabelValues(eventType, outcome).Inc()
	m.handleLatency.WithLabelValues(eventType).Observe(elapsed.Seconds())
}

// StateTransition records one state machine transition
func (m *Metrics) StateTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(from, to, event).Inc()
}

// PollPass records one poll pass
func (m *Metrics) PollPass(outcome string) {
	if m == nil {
		return
	}
	m.pollPasses.WithLabelValues(outcome).Inc()
}

// HealthProbe records one health probe result
func (m *Metrics) HealthProbe(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.healthProbes.WithLabelValues(result).Inc()
}

// FileTransferred records a file moved in the given direction
func (m *Metrics) FileTransferred(direction string) {
	if m == nil {
		return
	}
	m.filesTransferred.WithLabelValues(direction).Inc()
}

// PayloadsPurged records cleared payloads
func (m *Metrics) PayloadsPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.payloadsPurged.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

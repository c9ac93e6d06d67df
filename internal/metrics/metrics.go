// Package metrics exposes Prometheus collectors for the presence lock.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "actpresence"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	openSessions   prometheus.Gauge
	transitions    *prometheus.CounterVec
	trackFailures  prometheus.Counter
	staleEvictions prometheus.Counter
	commits        *prometheus.CounterVec
	sweepRemoved   prometheus.Counter
	sweepRuns      *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		openSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_sessions",
			Help:      "Lock sessions currently open in this process.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_transitions_total",
			Help:      "Lock state transitions by target state.",
		}, []string{"to"}),
		trackFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_failures_total",
			Help:      "Failed attempts to announce presence.",
		}),
		staleEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_evictions_total",
			Help:      "Participants ignored because their claim exceeded the max age.",
		}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Committed notifications by outcome.",
		}, []string{"result"}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_removed_total",
			Help:      "Presence entries removed by the janitor.",
		}),
		sweepRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_runs_total",
			Help:      "Janitor sweep passes by outcome.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.openSessions,
		m.transitions,
		m.trackFailures,
		m.staleEvictions,
		m.commits,
		m.sweepRemoved,
		m.sweepRuns,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.openSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.openSessions.Dec()
	}
}

func (m *Metrics) Transition(to string) {
	if m != nil {
		m.transitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) TrackFailed() {
	if m != nil {
		m.trackFailures.Inc()
	}
}

func (m *Metrics) StaleEvicted(n int) {
	if m != nil && n > 0 {
		m.staleEvictions.Add(float64(n))
	}
}

func (m *Metrics) Commit(result string) {
	if m != nil {
		m.commits.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Swept(removed int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sweepRuns.WithLabelValues("error").Inc()
		return
	}
	m.sweepRuns.WithLabelValues("ok").Inc()
	m.sweepRemoved.Add(float64(removed))
}

// Package metrics exposes delivery and session counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LeventeLantos/whatsapp-gateway/internal/session"
)

const namespace = "wa_gateway"

var sessionStates = []session.State{
	session.StateInitializing,
	session.StateQRReady,
	session.StateAuthenticated,
	session.StateReady,
	session.StateDisconnected,
	session.StateReconnecting,
	session.StateError,
}

// Metrics implements queue.Observer and tracks sessions per state.
type Metrics struct {
	registry *prometheus.Registry

	jobs     *prometheus.CounterVec
	sessions *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Message jobs by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Registered sessions by state.",
		}, []string{"state"}),
	}

	reg.MustRegister(
		m.jobs,
		m.sessions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, st := range sessionStates {
		m.sessions.WithLabelValues(string(st)).Set(0)
	}
	return m
}

func (m *Metrics) JobEnqueued()  { m.jobs.WithLabelValues("enqueued").Inc() }
func (m *Metrics) JobCompleted() { m.jobs.WithLabelValues("completed").Inc() }
func (m *Metrics) JobRetried()   { m.jobs.WithLabelValues("retried").Inc() }
func (m *Metrics) JobDeferred()  { m.jobs.WithLabelValues("deferred").Inc() }
func (m *Metrics) JobFailed()    { m.jobs.WithLabelValues("failed").Inc() }

// ObserveSessions replaces the per-state gauge with the given snapshot. It
// has the signature of a session.Manager change listener.
func (m *Metrics) ObserveSessions(list []session.Info) {
	counts := make(map[session.State]int, len(sessionStates))
	for _, in := range list {
		counts[in.State]++
	}
	for _, st := range sessionStates {
		m.sessions.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package projsys

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the protocol. A nil *Metrics is valid and
// records nothing, so components only record when configured with one.
type Metrics struct {
	envelopes    *prometheus.CounterVec
	remoteCalls  *prometheus.HistogramVec
	dispatched   *prometheus.CounterVec
	pluginsAlive prometheus.Gauge

	restoresInFlight prometheus.Gauge
	restores         *prometheus.CounterVec
}

const metricsNamespace = "projsys"

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_received_total",
			Help:      "Lines read by listeners, by envelope kind and decode outcome.",
		}, []string{"kind", "outcome"}),
		remoteCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Duration of value-returning workspace calls made through the remote workspace.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "outcome"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatched_operations_total",
			Help:      "Workspace operations executed on behalf of plugins.",
		}, []string{"operation", "outcome"}),
		pluginsAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "plugins_alive",
			Help:      "Plugin processes currently running.",
		}),
		restoresInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "restores_in_flight",
			Help:      "Restore processes currently running.",
		}),
		restores: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restores_total",
			Help:      "Finished restores by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.envelopes, m.remoteCalls, m.dispatched, m.pluginsAlive, m.restoresInFlight, m.restores)

	return m
}

// RestoreStarted records a restore process being launched.
func (m *Metrics) RestoreStarted() {
	if m == nil {
		return
	}
	m.restoresInFlight.Inc()
}

// RestoreFinished records the end of a restore process.
func (m *Metrics) RestoreFinished(succeeded bool) {
	if m == nil {
		return
	}
	m.restoresInFlight.Dec()
	m.restores.WithLabelValues(outcome(succeeded)).Inc()
}

func (m *Metrics) envelopeReceived(kind string, decoded bool) {
	if m == nil {
		return
	}
	if !decoded {
		m.envelopes.WithLabelValues("", "malformed").Inc()
		return
	}
	m.envelopes.WithLabelValues(kind, "ok").Inc()
}

func (m *Metrics) remoteCall(operation string, started time.Time, err error) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(operation, outcome(err == nil)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) operationDispatched(operation string, err error) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(operation, outcome(err == nil)).Inc()
}

func (m *Metrics) pluginStarted() {
	if m == nil {
		return
	}
	m.pluginsAlive.Inc()
}

func (m *Metrics) pluginExited() {
	if m == nil {
		return
	}
	m.pluginsAlive.Dec()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

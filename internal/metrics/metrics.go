package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "zamza"

// Metrics counts pipeline events by name, e.g. Inc("hook_processed_messages").
type Metrics struct {
	Registry *prometheus.Registry

	events       *prometheus.CounterVec
	gauges       *prometheus.GaugeVec
	hookDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Pipeline events by name.",
		}, []string{"event"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Last observed values by name.",
		}, []string{"name"}),
		hookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_call_duration_seconds",
			Help:      "Webhook call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.events, m.gauges, m.hookDuration,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) Set(name string, v float64) {
	if m == nil {
		return
	}
	m.gauges.WithLabelValues(name).Set(v)
}

func (m *Metrics) ObserveHookCall(success bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.hookDuration.WithLabelValues(outcome).Observe(seconds)
}

// Counter exposes a single event counter, mainly for tests.
func (m *Metrics) Counter(event string) prometheus.Counter {
	return m.events.WithLabelValues(event)
}

func (m *Metrics) Gauge(name string) prometheus.Gauge {
	return m.gauges.WithLabelValues(name)
}

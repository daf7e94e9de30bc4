package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "cbtr"

// Metrics holds the scheduler and webhook collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dispatched       *prometheus.CounterVec
	finished         *prometheus.CounterVec
	retried          *prometheus.CounterVec
	earlyBirds       prometheus.Counter
	webhookResponses *prometheus.CounterVec
	running          *prometheus.GaugeVec
	pending          prometheus.Gauge
	pollCycles       prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tests_dispatched_total",
			Help:      "Count of browsers submitted to a platform",
		}, []string{"platform", "kind"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tests_finished_total",
			Help:      "Count of test attempts retired by the scheduler",
		}, []string{"platform", "kind", "outcome"}),
		retried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tests_retried_total",
			Help:      "Count of test attempts queued for another try",
		}, []string{"platform", "kind"}),
		earlyBirds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "early_birds_total",
			Help:      "Count of test-end reports received before the test was tracked",
		}),
		webhookResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "webhook_responses_total",
			Help:      "Count of webhook responses by status code",
		}, []string{"code"}),
		running: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tests_running",
			Help:      "Tests currently tracked per platform",
		}, []string{"platform"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "tests_pending",
			Help:      "Browsers not yet dispatched",
		}),
		pollCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "monitor_cycles_total",
			Help:      "Count of completed status polling cycles",
		}),
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordDispatched(platformName, kind string, browsers int) {
	if m == nil || browsers <= 0 {
		return
	}
	m.dispatched.WithLabelValues(platformName, kind).Add(float64(browsers))
}

func (m *Metrics) RecordFinished(platformName, kind, outcome string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(platformName, kind, outcome).Inc()
}

func (m *Metrics) RecordRetried(platformName, kind string) {
	if m == nil {
		return
	}
	m.retried.WithLabelValues(platformName, kind).Inc()
}

func (m *Metrics) RecordEarlyBird() {
	if m == nil {
		return
	}
	m.earlyBirds.Inc()
}

func (m *Metrics) RecordWebhookResponse(code string) {
	if m == nil {
		return
	}
	m.webhookResponses.WithLabelValues(code).Inc()
}

func (m *Metrics) SetRunning(platformName string, count int) {
	if m == nil {
		return
	}
	m.running.WithLabelValues(platformName).Set(float64(count))
}

func (m *Metrics) SetPending(count int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

func (m *Metrics) RecordCycle() {
	if m == nil {
		return
	}
	m.pollCycles.Inc()
}

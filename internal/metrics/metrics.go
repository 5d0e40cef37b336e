// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the prometheus collectors for the lab platform.
type Metrics struct {
	registry *prometheus.Registry

	labsCreated   *prometheus.CounterVec // runtime
	labsFinished  prometheus.Counter
	labsFailed    *prometheus.CounterVec // phase: provision|teardown
	doctorFatal   *prometheus.CounterVec // runtime
	netdRequests  *prometheus.CounterVec // op, outcome
	teardownTicks prometheus.Counter

	provisionDuration *prometheus.HistogramVec // runtime
	teardownDuration  *prometheus.HistogramVec // runtime, outcome
	vmBootDuration    prometheus.Histogram

	activeLabs *prometheus.GaugeVec // status

	startTime time.Time
}

var (
	global *Metrics
	once   sync.Once
)

// Global returns the process-wide metrics instance, initializing it on
// first use.
func Global() *Metrics {
	once.Do(func() {
		global = newMetrics()
	})
	return global
}

var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		labsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octolab",
			Name:      "labs_created_total",
			Help:      "Labs created, by runtime",
		}, []string{"runtime"}),

		labsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octolab",
			Name:      "labs_finished_total",
			Help:      "Labs torn down to FINISHED",
		}),

		labsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octolab",
			Name:      "labs_failed_total",
			Help:      "Labs moved to FAILED, by phase",
		}, []string{"phase"}),

		doctorFatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octolab",
			Name:      "doctor_fatal_total",
			Help:      "Doctor runs that reported a fatal check, by runtime",
		}, []string{"runtime"}),

		netdRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octolab",
			Name:      "netd_requests_total",
			Help:      "netd RPCs issued by the daemon, by op and outcome",
		}, []string{"op", "outcome"}),

		teardownTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octolab",
			Name:      "teardown_ticks_total",
			Help:      "Teardown worker tick count",
		}),

		provisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "octolab",
			Name:      "provision_duration_seconds",
			Help:      "End-to-end lab provisioning time",
			Buckets:   durationBuckets,
		}, []string{"runtime"}),

		teardownDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "octolab",
			Name:      "teardown_duration_seconds",
			Help:      "Per-lab teardown time",
			Buckets:   durationBuckets,
		}, []string{"runtime", "outcome"}),

		vmBootDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octolab",
			Name:      "vm_boot_duration_seconds",
			Help:      "Time from firecracker exec to guest agent ping",
			Buckets:   durationBuckets,
		}),

		activeLabs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "octolab",
			Name:      "active_labs",
			Help:      "Labs by status",
		}, []string{"status"}),
	}

	registry.MustRegister(
		m.labsCreated, m.labsFinished, m.labsFailed, m.doctorFatal,
		m.netdRequests, m.teardownTicks,
		m.provisionDuration, m.teardownDuration, m.vmBootDuration,
		m.activeLabs,
	)
	return m
}

func (m *Metrics) RecordLabCreated(runtime string) {
	m.labsCreated.WithLabelValues(runtime).Inc()
}

func (m *Metrics) RecordLabFinished() {
	m.labsFinished.Inc()
}

func (m *Metrics) RecordLabFailed(phase string) {
	m.labsFailed.WithLabelValues(phase).Inc()
}

func (m *Metrics) RecordDoctorFatal(runtime string) {
	m.doctorFatal.WithLabelValues(runtime).Inc()
}

func (m *Metrics) RecordNetdRequest(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.netdRequests.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) RecordTeardownTick() {
	m.teardownTicks.Inc()
}

func (m *Metrics) ObserveProvision(runtime string, d time.Duration) {
	m.provisionDuration.WithLabelValues(runtime).Observe(d.Seconds())
}

func (m *Metrics) ObserveTeardown(runtime, outcome string, d time.Duration) {
	m.teardownDuration.WithLabelValues(runtime, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveVMBoot(d time.Duration) {
	m.vmBootDuration.Observe(d.Seconds())
}

func (m *Metrics) SetActiveLabs(status string, n float64) {
	m.activeLabs.WithLabelValues(status).Set(n)
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

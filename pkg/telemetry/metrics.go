package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for modsync. A nil or disabled
// *Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesTotal     *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	cycleInProgress prometheus.Gauge
	fetchErrors     prometheus.Counter

	// Module metrics
	moduleLoads        *prometheus.CounterVec
	moduleLoadDuration prometheus.Histogram
	moduleErrors       *prometheus.CounterVec
	admissionDenials   prometheus.Counter

	// Publish metrics
	registryModules    prometheus.Gauge
	registryGeneration prometheus.Gauge
	snapshotPublishes  *prometheus.CounterVec
	policyUpdates      prometheus.Counter

	// HTTP metrics
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_cycles_total",
				Help:      "Total number of sync cycles by outcome",
			},
			[]string{"status"},
		),
		cycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_cycle_duration_seconds",
				Help:      "Duration of sync cycles in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		cycleInProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sync_cycle_in_progress",
				Help:      "Number of sync cycles currently running",
			},
		),
		fetchErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "manifest_fetch_errors_total",
				Help:      "Total number of failed manifest fetches",
			},
		),

		moduleLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_loads_total",
				Help:      "Total number of module load attempts by result",
			},
			[]string{"result"},
		),
		moduleLoadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_load_duration_seconds",
				Help:      "Duration of a single module fetch, verify and load",
				Buckets:   buckets,
			},
		),
		moduleErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_errors_total",
				Help:      "Total number of module failures by error kind",
			},
			[]string{"kind"},
		),
		admissionDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denials_total",
				Help:      "Total number of modules denied by the admission policy",
			},
		),

		registryModules: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_modules",
				Help:      "Number of modules in the live registry",
			},
		),
		registryGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "registry_generation",
				Help:      "Generation of the live registry",
			},
		),
		snapshotPublishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_publishes_total",
				Help:      "Client snapshot publish attempts by result",
			},
			[]string{"result"},
		),
		policyUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_updates_total",
				Help:      "Total number of content security policy updates",
			},
		),

		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds",
				Buckets:   buckets,
			},
			[]string{"route"},
		),
	}

	registry.MustRegister(
		m.cyclesTotal,
		m.cycleDuration,
		m.cycleInProgress,
		m.fetchErrors,
		m.moduleLoads,
		m.moduleLoadDuration,
		m.moduleErrors,
		m.admissionDenials,
		m.registryModules,
		m.registryGeneration,
		m.snapshotPublishes,
		m.policyUpdates,
		m.httpRequests,
		m.httpDuration,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Cycle Metrics

// RecordCycleStarted marks a cycle as in progress.
func (m *Metrics) RecordCycleStarted() {
	if !m.enabled() {
		return
	}
	m.cycleInProgress.Inc()
}

// RecordCycleCompleted records a finished cycle with its status and duration.
func (m *Metrics) RecordCycleCompleted(status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.cyclesTotal.WithLabelValues(status).Inc()
	m.cycleDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.cycleInProgress.Dec()
}

// RecordFetchError counts a failed manifest fetch.
func (m *Metrics) RecordFetchError() {
	if !m.enabled() {
		return
	}
	m.fetchErrors.Inc()
}

// Module Metrics

// RecordModuleLoad records a module load attempt.
func (m *Metrics) RecordModuleLoad(loaded bool, duration time.Duration) {
	if !m.enabled() {
		return
	}
	result := "loaded"
	if !loaded {
		result = "failed"
	}
	m.moduleLoads.WithLabelValues(result).Inc()
	m.moduleLoadDuration.Observe(duration.Seconds())
}

// RecordModuleError records a module failure by error kind.
func (m *Metrics) RecordModuleError(kind string) {
	if !m.enabled() {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.moduleErrors.WithLabelValues(kind).Inc()
}

// RecordAdmissionDenial counts a module rejected by the admission policy.
func (m *Metrics) RecordAdmissionDenial() {
	if !m.enabled() {
		return
	}
	m.admissionDenials.Inc()
}

// Publish Metrics

// SetRegistry records the size and generation of the live registry.
func (m *Metrics) SetRegistry(modules int, generation uint64) {
	if !m.enabled() {
		return
	}
	m.registryModules.Set(float64(modules))
	m.registryGeneration.Set(float64(generation))
}

// RecordSnapshotPublish records a client snapshot publish attempt.
func (m *Metrics) RecordSnapshotPublish(published bool) {
	if !m.enabled() {
		return
	}
	result := "published"
	if !published {
		result = "stale"
	}
	m.snapshotPublishes.WithLabelValues(result).Inc()
}

// RecordPolicyUpdate counts a policy store update.
func (m *Metrics) RecordPolicyUpdate() {
	if !m.enabled() {
		return
	}
	m.policyUpdates.Inc()
}

// HTTP Metrics

// RecordHTTPRequest records a served request.
func (m *Metrics) RecordHTTPRequest(route string, code int, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Registry returns the private Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the build pipeline.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Stage metrics
	stageDuration *prometheus.HistogramVec

	// Job unit metrics
	unitsExecuted *prometheus.CounterVec
	unitDuration  *prometheus.HistogramVec

	// Cage metrics
	cagesOpened   *prometheus.CounterVec
	cageTeardowns *prometheus.CounterVec
	cagePhase     *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Publish gating metrics
	publishDenials *prometheus.CounterVec

	// System metrics
	activeRuns  prometheus.Gauge
	queuedUnits prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of pipeline runs started",
			},
			[]string{"command"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of pipeline runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of pipeline run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Wall clock duration of a whole pipeline stage in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),

		unitsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_executed_total",
				Help:      "Total number of job units processed",
			},
			[]string{"stage", "status"},
		),
		unitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Duration of job unit execution in seconds",
				Buckets:   buckets,
			},
			[]string{"stage", "family"},
		),

		cagesOpened: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cages_opened_total",
				Help:      "Total number of cages allocated",
			},
			[]string{"executor"},
		),
		cageTeardowns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cage_teardowns_total",
				Help:      "Total number of cage destroy calls",
			},
			[]string{"executor", "outcome"},
		),
		cagePhase: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cage_phase_duration_seconds",
				Help:      "Duration of cage lifecycle phases in seconds",
				Buckets:   buckets,
			},
			[]string{"executor", "phase"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		publishDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "publish_denials_total",
				Help:      "Total number of publish requests denied by release policy",
			},
			[]string{"repository"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active pipeline runs",
			},
		),
		queuedUnits: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_units",
				Help:      "Current number of queued job units",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stageDuration,
		m.unitsExecuted,
		m.unitDuration,
		m.cagesOpened,
		m.cageTeardowns,
		m.cagePhase,
		m.errorsByClass,
		m.publishDenials,
		m.activeRuns,
		m.queuedUnits,
	)

	return m, nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(command string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(command).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Stage Metrics

// RecordStageDuration records the wall clock duration of one stage barrier.
func (m *Metrics) RecordStageDuration(stage string, duration time.Duration) {
	if m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// Job Unit Metrics

// RecordUnitExecution records the terminal status of one job unit.
func (m *Metrics) RecordUnitExecution(stage, status string, duration time.Duration, family string) {
	if m.unitsExecuted == nil {
		return
	}
	m.unitsExecuted.WithLabelValues(stage, status).Inc()
	m.unitDuration.WithLabelValues(stage, family).Observe(duration.Seconds())
}

// Cage Metrics

// RecordCageOpened records allocation of a cage on the given backend.
func (m *Metrics) RecordCageOpened(executor string) {
	if m.cagesOpened == nil {
		return
	}
	m.cagesOpened.WithLabelValues(executor).Inc()
}

// RecordCageTeardown records a destroy call and whether it succeeded.
func (m *Metrics) RecordCageTeardown(executor, outcome string) {
	if m.cageTeardowns == nil {
		return
	}
	m.cageTeardowns.WithLabelValues(executor, outcome).Inc()
}

// RecordCagePhase records the duration of one cage lifecycle phase
// (staging, running, collecting, destroy).
func (m *Metrics) RecordCagePhase(executor, phase string, duration time.Duration) {
	if m.cagePhase == nil {
		return
	}
	m.cagePhase.WithLabelValues(executor, phase).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Publish Metrics

// RecordPublishDenial records a publish request rejected by release policy.
func (m *Metrics) RecordPublishDenial(repository string) {
	if m.publishDenials == nil {
		return
	}
	m.publishDenials.WithLabelValues(repository).Inc()
}

// System Metrics

// SetQueuedUnits sets the current number of queued job units.
func (m *Metrics) SetQueuedUnits(count float64) {
	if m.queuedUnits == nil {
		return
	}
	m.queuedUnits.Set(count)
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the monitor.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	TestsTotal         *prometheus.CounterVec
	ActiveRuns         prometheus.Gauge
	MonitoredProcesses prometheus.Gauge
	ProcessKills       *prometheus.CounterVec
	LockAcquisitions   *prometheus.CounterVec
	HealthChecks       *prometheus.CounterVec
	HealthCheckLatency *prometheus.HistogramVec
	Notifications      *prometheus.CounterVec
	FailureCauses      *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appmon",
				Subsystem: "e2e",
				Name:      "runs_total",
				Help:      "Total e2e suite runs by outcome.",
			},
			[]string{"status"},
		),

		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "appmon",
				Subsystem: "e2e",
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of e2e suite runs.",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
		),

		TestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appmon",
				Subsystem: "e2e",
				Name:      "tests_total",
				Help:      "Individual e2e tests reported by the runner, by result.",
			},
			[]string{"result"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "appmon",
				Subsystem: "e2e",
				Name:      "active_runs",
				Help:      "Number of e2e runs currently executing.",
			},
		),

		MonitoredProcesses: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "appmon",
				Name:      "monitored_processes",
				Help:      "Child processes currently under resource supervision.",
			},
		),

		ProcessKills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appmon",
				Name:      "process_kills_total",
				Help:      "Supervised processes terminated, by reason.",
			},
			[]string{"reason"},
		),

		LockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appmon",
				Name:      "lock_acquisitions_total",
				Help:      "Single-flight lock acquisition attempts by result.",
			},
			[]string{"lock", "result"},
		),

		HealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appmon",
				Name:      "health_checks_total",
				Help:      "Health probes by monitoring type and result.",
			},
			[]string{"type", "result"},
		),

		HealthCheckLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "appmon",
				Name:      "health_check_duration_seconds",
				Help:      "Response time of health probes.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),

		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appmon",
				Name:      "notifications_total",
				Help:      "Chat notifications by type and delivery result.",
			},
			[]string{"type", "result"},
		),

		FailureCauses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "appmon",
				Subsystem: "e2e",
				Name:      "failure_causes_total",
				Help:      "Classified causes found in the output of failed runs.",
			},
			[]string{"cause"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "appmon",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "appmon",
				Subsystem: "e2e",
				Name:      "output_size_bytes",
				Help:      "Size of captured runner output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.TestsTotal,
		m.ActiveRuns,
		m.MonitoredProcesses,
		m.ProcessKills,
		m.LockAcquisitions,
		m.HealthChecks,
		m.HealthCheckLatency,
		m.Notifications,
		m.FailureCauses,
		m.RequestsInFlight,
		m.OutputSizeBytes,
	)

	return m
}

// RecordRun records metrics for a finished e2e run.
func (m *Metrics) RecordRun(status string, durationSec float64, passed, failed, skipped, outputBytes int) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(durationSec)
	m.TestsTotal.WithLabelValues("passed").Add(float64(passed))
	m.TestsTotal.WithLabelValues("failed").Add(float64(failed))
	m.TestsTotal.WithLabelValues("skipped").Add(float64(skipped))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordLock records one acquisition attempt.
func (m *Metrics) RecordLock(lockID, result string) {
	m.LockAcquisitions.WithLabelValues(lockID, result).Inc()
}

// RecordHealthCheck records one probe.
func (m *Metrics) RecordHealthCheck(checkType string, success bool, latencySec float64) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.HealthChecks.WithLabelValues(checkType, result).Inc()
	m.HealthCheckLatency.WithLabelValues(checkType).Observe(latencySec)
}

// RecordNotification records one delivery attempt.
func (m *Metrics) RecordNotification(notificationType string, err error) {
	result := "sent"
	if err != nil {
		result = "error"
	}
	m.Notifications.WithLabelValues(notificationType, result).Inc()
}

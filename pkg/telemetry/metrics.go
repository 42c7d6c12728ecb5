package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the orchestration loops.
type Metrics struct {
	config MetricsConfig

	// Discovery metrics
	announcementsTotal *prometheus.CounterVec
	devicesRegistered  prometheus.Gauge
	devicesEvicted     prometheus.Counter
	scanCycles         prometheus.Counter

	// Health metrics
	probesTotal   *prometheus.CounterVec
	probeDuration prometheus.Histogram
	devicesByHealth *prometheus.GaugeVec

	// Deployment metrics
	deploymentsSubmitted prometheus.Counter
	deploymentsActive    prometheus.Gauge
	stateTransitions     *prometheus.CounterVec
	deployAttempts       *prometheus.CounterVec
	deployDuration       prometheus.Histogram

	// Store metrics
	storeDegraded prometheus.Gauge
	storeRetries  prometheus.Counter

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

		announcementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "announcements_total",
				Help:      "Total device announcements processed",
			},
			[]string{"result"},
		),
		devicesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_registered",
				Help:      "Current number of registered devices",
			},
		),
		devicesEvicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "devices_evicted_total",
				Help:      "Total devices evicted from the registry",
			},
		),
		scanCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "discovery_scan_cycles_total",
				Help:      "Total discovery scan cycles completed",
			},
		),

		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Total health probes by outcome",
			},
			[]string{"outcome"},
		),
		probeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_probe_duration_seconds",
				Help:      "Duration of individual health probes",
				Buckets:   buckets,
			},
		),
		devicesByHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "devices_by_health",
				Help:      "Registered devices by health state",
			},
			[]string{"state"},
		),

		deploymentsSubmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_submitted_total",
				Help:      "Total deployment requests accepted",
			},
		),
		deploymentsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments_active",
				Help:      "Deployments in a non-terminal state",
			},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployment_transitions_total",
				Help:      "Deployment state transitions",
			},
			[]string{"to"},
		),
		deployAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploy_attempts_total",
				Help:      "Deploy commands issued to devices by result",
			},
			[]string{"result"},
		),
		deployDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of deploy commands",
				Buckets:   buckets,
			},
		),

		storeDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_degraded",
				Help:      "1 when the persistent store is unreachable and the core serves from memory",
			},
		),
		storeRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_write_retries_total",
				Help:      "Total persistent store write retries",
			},
		),
	}

	registry.MustRegister(
		m.announcementsTotal,
		m.devicesRegistered,
		m.devicesEvicted,
		m.scanCycles,
		m.probesTotal,
		m.probeDuration,
		m.devicesByHealth,
		m.deploymentsSubmitted,
		m.deploymentsActive,
		m.stateTransitions,
		m.deployAttempts,
		m.deployDuration,
		m.storeDegraded,
		m.storeRetries,
	)

	return m, nil
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordAnnouncement counts one processed announcement ("ok" or "malformed").
func (m *Metrics) RecordAnnouncement(result string) {
	if m.announcementsTotal != nil {
		m.announcementsTotal.WithLabelValues(result).Inc()
	}
}

// SetDevicesRegistered sets the registered-device gauge.
func (m *Metrics) SetDevicesRegistered(n int) {
	if m.devicesRegistered != nil {
		m.devicesRegistered.Set(float64(n))
	}
}

// RecordEviction counts evicted devices.
func (m *Metrics) RecordEviction(n int) {
	if m.devicesEvicted != nil {
		m.devicesEvicted.Add(float64(n))
	}
}

// RecordScanCycle counts one completed discovery cycle.
func (m *Metrics) RecordScanCycle() {
	if m.scanCycles != nil {
		m.scanCycles.Inc()
	}
}

// RecordProbe counts one probe and its duration.
func (m *Metrics) RecordProbe(outcome string, seconds float64) {
	if m.probesTotal != nil {
		m.probesTotal.WithLabelValues(outcome).Inc()
		m.probeDuration.Observe(seconds)
	}
}

// SetDevicesByHealth sets the per-state device gauge.
func (m *Metrics) SetDevicesByHealth(state string, n int) {
	if m.devicesByHealth != nil {
		m.devicesByHealth.WithLabelValues(state).Set(float64(n))
	}
}

// RecordDeploymentSubmitted counts one accepted deployment request.
func (m *Metrics) RecordDeploymentSubmitted() {
	if m.deploymentsSubmitted != nil {
		m.deploymentsSubmitted.Inc()
	}
}

// SetDeploymentsActive sets the active-deployment gauge.
func (m *Metrics) SetDeploymentsActive(n int) {
	if m.deploymentsActive != nil {
		m.deploymentsActive.Set(float64(n))
	}
}

// RecordTransition counts one deployment state transition.
func (m *Metrics) RecordTransition(to string) {
	if m.stateTransitions != nil {
		m.stateTransitions.WithLabelValues(to).Inc()
	}
}

// RecordDeployAttempt counts one deploy command by result ("ack", "failure",
// "timeout") and its duration.
func (m *Metrics) RecordDeployAttempt(result string, seconds float64) {
	if m.deployAttempts != nil {
		m.deployAttempts.WithLabelValues(result).Inc()
		m.deployDuration.Observe(seconds)
	}
}

// SetStoreDegraded flips the degraded-mode gauge.
func (m *Metrics) SetStoreDegraded(degraded bool) {
	if m.storeDegraded != nil {
		if degraded {
			m.storeDegraded.Set(1)
		} else {
			m.storeDegraded.Set(0)
		}
	}
}

// RecordStoreRetry counts one store write retry.
func (m *Metrics) RecordStoreRetry() {
	if m.storeRetries != nil {
		m.storeRetries.Inc()
	}
}
